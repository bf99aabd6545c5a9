package sandbox

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/internal/config"
)

// proxiedClient returns a client that routes through the capture proxy.
func proxiedClient(t *testing.T, nc *networkCapture) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + nc.Addr())
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	t.Cleanup(client.CloseIdleConnections)
	return client
}

func TestCaptureRecordsExchanges(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "hello from backend")
	}))
	defer backend.Close()

	nc, err := newNetworkCapture(config.CaptureConfig{Addr: "127.0.0.1:0", MaxBodyBytes: 1 << 20}, zap.NewNop())
	require.NoError(t, err)
	defer nc.Close()

	client := proxiedClient(t, nc)
	resp, err := client.Get(backend.URL + "/greeting")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from backend", string(body))

	require.Eventually(t, func() bool { return len(nc.Exchanges()) == 1 },
		2*time.Second, 10*time.Millisecond)

	ex := nc.Exchanges()[0]
	assert.Equal(t, http.MethodGet, ex.Method)
	assert.Equal(t, backend.URL+"/greeting", ex.URL)
	assert.Equal(t, http.StatusOK, ex.Status)
	assert.Contains(t, ex.ContentType, "text/plain")
	assert.Equal(t, int64(len("hello from backend")), ex.BodySize)
	assert.False(t, ex.StartedAt.IsZero())
}

func TestCaptureMeasuresChunkedBodies(t *testing.T) {
	t.Parallel()
	// Flushing mid-handler forces chunked encoding, so the proxy sees no
	// Content-Length and has to measure the body itself.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a", 100))
		w.(http.Flusher).Flush()
		fmt.Fprint(w, strings.Repeat("b", 50))
	}))
	defer backend.Close()

	t.Run("Measures Full Body", func(t *testing.T) {
		nc, err := newNetworkCapture(config.CaptureConfig{Addr: "127.0.0.1:0", MaxBodyBytes: 1 << 20}, zap.NewNop())
		require.NoError(t, err)
		defer nc.Close()

		client := proxiedClient(t, nc)
		resp, err := client.Get(backend.URL)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Len(t, body, 150, "the client must still receive the spliced body")

		require.Eventually(t, func() bool { return len(nc.Exchanges()) == 1 },
			2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int64(150), nc.Exchanges()[0].BodySize)
	})

	t.Run("Caps At Configured Limit", func(t *testing.T) {
		nc, err := newNetworkCapture(config.CaptureConfig{Addr: "127.0.0.1:0", MaxBodyBytes: 64}, zap.NewNop())
		require.NoError(t, err)
		defer nc.Close()

		client := proxiedClient(t, nc)
		resp, err := client.Get(backend.URL)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Len(t, body, 150)

		require.Eventually(t, func() bool { return len(nc.Exchanges()) == 1 },
			2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int64(64), nc.Exchanges()[0].BodySize)
	})
}

func TestCaptureExchangesIsACopy(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	nc, err := newNetworkCapture(config.CaptureConfig{Addr: "127.0.0.1:0"}, zap.NewNop())
	require.NoError(t, err)
	defer nc.Close()

	client := proxiedClient(t, nc)
	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Eventually(t, func() bool { return len(nc.Exchanges()) == 1 },
		2*time.Second, 10*time.Millisecond)

	got := nc.Exchanges()
	got[0].URL = "mutated"
	assert.NotEqual(t, "mutated", nc.Exchanges()[0].URL)
}

func TestCaptureListenFailure(t *testing.T) {
	t.Parallel()
	_, err := newNetworkCapture(config.CaptureConfig{Addr: "not-an-address"}, zap.NewNop())
	require.ErrorContains(t, err, "failed to listen on capture address")
}
