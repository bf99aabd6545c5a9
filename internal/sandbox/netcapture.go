// internal/sandbox/netcapture.go
package sandbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

var (
	// goproxy keeps its CA in package-level state, so it is configured exactly
	// once per process.
	captureMITMOnce  sync.Once
	captureMITMError error
	captureMITM      bool
)

// networkCapture is the optional proxy in front of the managed browser. It
// records one entry per exchange — method, URL, status, content type, body
// size — for postmortem inspection of what the agent's page actually talked
// to. With a CA pair configured it intercepts HTTPS as well; without one,
// TLS traffic tunnels through and only plain HTTP is visible.
type networkCapture struct {
	logger  *zap.Logger
	ln      net.Listener
	server  *http.Server
	maxBody int

	mu        sync.Mutex
	exchanges []schemas.NetworkExchange
}

func newNetworkCapture(cfg config.CaptureConfig, logger *zap.Logger) (*networkCapture, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc := &networkCapture{
		logger:  logger.Named("netcapture"),
		maxBody: cfg.MaxBodyBytes,
	}

	mitm := false
	if cfg.CACert != "" && cfg.CAKey != "" {
		certPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read capture CA certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(cfg.CAKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read capture CA key: %w", err)
		}
		if err := configureCaptureCA(certPEM, keyPEM); err != nil {
			return nil, err
		}
		mitm = true
	} else {
		nc.logger.Debug("No capture CA configured; HTTPS exchanges tunnel through unrecorded.")
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if mitm && captureMITM {
			return goproxy.MitmConnect, host
		}
		return goproxy.OkConnect, host
	}))
	proxy.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		ctx.UserData = time.Now().UTC()
		return req, nil
	})
	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		nc.record(resp, ctx)
		return resp
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on capture address %s: %w", cfg.Addr, err)
	}
	nc.ln = ln
	nc.server = &http.Server{Handler: proxy}

	go func() {
		if err := nc.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nc.logger.Error("Capture proxy stopped.", zap.Error(err))
		}
	}()

	nc.logger.Info("Capture proxy listening.", zap.String("addr", ln.Addr().String()))
	return nc, nil
}

func (nc *networkCapture) record(resp *http.Response, ctx *goproxy.ProxyCtx) {
	entry := schemas.NetworkExchange{}
	if t, ok := ctx.UserData.(time.Time); ok {
		entry.StartedAt = t
	}
	if ctx.Req != nil {
		entry.Method = ctx.Req.Method
		if ctx.Req.URL != nil {
			entry.URL = ctx.Req.URL.String()
		}
	}
	if resp != nil {
		entry.Status = resp.StatusCode
		entry.ContentType = resp.Header.Get("Content-Type")
		switch {
		case resp.ContentLength >= 0:
			entry.BodySize = resp.ContentLength
		case nc.maxBody > 0 && resp.Body != nil:
			// Chunked responses carry no length; measure up to the configured
			// cap and splice the bytes back so the client still gets them.
			peek, err := io.ReadAll(io.LimitReader(resp.Body, int64(nc.maxBody)))
			if err == nil {
				entry.BodySize = int64(len(peek))
				resp.Body = replayBody{
					Reader: io.MultiReader(bytes.NewReader(peek), resp.Body),
					Closer: resp.Body,
				}
			}
		}
	}

	nc.mu.Lock()
	nc.exchanges = append(nc.exchanges, entry)
	nc.mu.Unlock()

	nc.logger.Debug("Recorded exchange.",
		zap.String("method", entry.Method),
		zap.String("url", entry.URL),
		zap.Int("status", entry.Status),
	)
}

type replayBody struct {
	io.Reader
	io.Closer
}

// Exchanges returns a copy of everything recorded so far.
func (nc *networkCapture) Exchanges() []schemas.NetworkExchange {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	out := make([]schemas.NetworkExchange, len(nc.exchanges))
	copy(out, nc.exchanges)
	return out
}

// Addr returns the address the proxy actually listens on; with a ":0" config
// this is where the ephemeral port shows up.
func (nc *networkCapture) Addr() string {
	return nc.ln.Addr().String()
}

func (nc *networkCapture) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := nc.server.Shutdown(ctx); err != nil {
		_ = nc.server.Close()
	}
}

// configureCaptureCA installs the CA pair into goproxy's process-wide connect
// actions so CONNECT tunnels can be intercepted and recorded.
func configureCaptureCA(certPEM, keyPEM []byte) error {
	captureMITMOnce.Do(func() {
		ca, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			captureMITMError = fmt.Errorf("invalid capture CA certificate/key pair: %w", err)
			return
		}
		if len(ca.Certificate) == 0 {
			captureMITMError = errors.New("capture CA certificate chain is empty")
			return
		}
		if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
			captureMITMError = fmt.Errorf("failed to parse capture CA certificate: %w", err)
			return
		}

		goproxy.GoproxyCa = ca
		tlsConfig := goproxy.TLSConfigFromCA(&ca)
		goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: tlsConfig}
		goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsConfig}
		goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: tlsConfig}
		goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: tlsConfig}
		captureMITM = true
	})
	return captureMITMError
}
