// internal/results/receipt.go
package results

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	// Using v5 of the jwt-go library is the current standard.
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// ReceiptClaims is the attestation payload of a signed eval receipt.
type ReceiptClaims struct {
	Task   string  `json:"task"`
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	jwt.RegisteredClaims
}

// Signer issues and checks eval receipts. A receipt is an HS256 token whose
// key is derived from the configured secret and the task's canary, so it can
// only be produced by a runner that held both the real bundle and the secret.
type Signer struct {
	cfg config.ReceiptConfig
}

// NewSigner creates a signer from the receipt settings.
func NewSigner(cfg config.ReceiptConfig) *Signer {
	return &Signer{cfg: cfg}
}

// Sign produces a receipt for a graded run. It returns an empty token when
// receipts are disabled or the task carries no canary; neither case is an
// error, the run is simply unattested.
func (s *Signer) Sign(task *schemas.Task, eval *schemas.EvalRecord) (string, error) {
	if !s.cfg.Enabled || task == nil || eval == nil {
		return "", nil
	}
	if task.Canary == "" {
		return "", nil
	}

	now := time.Now().UTC()
	claims := ReceiptClaims{
		Task:   eval.TaskName,
		Passed: eval.Passed,
		Score:  eval.Score,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   eval.TaskName,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key(task.Canary))
	if err != nil {
		return "", fmt.Errorf("failed to sign receipt for task %q: %w", eval.TaskName, err)
	}
	return signed, nil
}

// Verify checks a receipt against the canary of the task it claims to grade
// and returns the attested claims.
func (s *Signer) Verify(receipt, canary string) (*ReceiptClaims, error) {
	claims := &ReceiptClaims{}
	token, err := jwt.ParseWithClaims(receipt, claims, func(token *jwt.Token) (interface{}, error) {
		// Security Check: Ensure the signing method is HMAC.
		// This prevents "key confusion" attacks where an attacker might try to use a public key as an HMAC secret.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key(canary), nil
	})
	if err != nil {
		return nil, fmt.Errorf("receipt verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("receipt is not valid")
	}
	if claims.Issuer != s.cfg.Issuer {
		return nil, fmt.Errorf("receipt issued by %q, expected %q", claims.Issuer, s.cfg.Issuer)
	}
	return claims, nil
}

// key derives the per-task signing key. The canary alone is not enough to
// forge a receipt, and neither is the secret.
func (s *Signer) key(canary string) []byte {
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write([]byte(canary))
	return mac.Sum(nil)
}
