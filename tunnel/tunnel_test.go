package tunnel_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stealthrocket/peerwasm/tunnel"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startRelay(t *testing.T, relay *tunnel.Relay) *httptest.Server {
	relay.Logger = zaptest.NewLogger(t)
	server := httptest.NewServer(relay)
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + tunnel.Path
}

// connect runs a backend serving handler and waits until the relay admitted
// it.
func connect(t *testing.T, server *httptest.Server, handler http.Handler) map[string]string {
	envs := make(chan map[string]string, 1)
	backend := &tunnel.Backend{
		URL:     wsURL(server),
		Handler: handler,
		OnEnv:   func(env map[string]string) { envs <- env },
		Logger:  zaptest.NewLogger(t),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- backend.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case env := <-envs:
		return env
	case err := <-done:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("backend was not admitted")
	}
	return nil
}

func TestNoBackend(t *testing.T) {
	server := startRelay(t, &tunnel.Relay{})

	res, err := http.Post(server.URL+"/", "application/sdp", strings.NewReader("v=0"))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestForward(t *testing.T) {
	server := startRelay(t, &tunnel.Relay{Env: map[string]string{"PUBLIC_IP": "203.0.113.7"}})

	env := connect(t, server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("Location", r.URL.Path+"/created")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, r.Method+" "+string(body))
	}))
	require.Equal(t, "203.0.113.7", env["PUBLIC_IP"])

	res, err := http.Post(server.URL+"/offer", "application/sdp", strings.NewReader("v=0"))
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, "application/sdp", res.Header.Get("Content-Type"))
	require.Equal(t, "/offer/created", res.Header.Get("Location"))
	require.Equal(t, "POST v=0", string(body))
}

func TestSingleBackend(t *testing.T) {
	server := startRelay(t, &tunnel.Relay{})
	connect(t, server, http.NotFoundHandler())

	_, res, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestLoopbackOnly(t *testing.T) {
	relay := &tunnel.Relay{Logger: zaptest.NewLogger(t)}
	req := httptest.NewRequest(http.MethodGet, tunnel.Path, nil)
	req.RemoteAddr = "203.0.113.1:40000"
	rec := httptest.NewRecorder()
	relay.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTimeout(t *testing.T) {
	server := startRelay(t, &tunnel.Relay{Timeout: 50 * time.Millisecond})

	release := make(chan struct{})
	connect(t, server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer close(release)

	res, err := http.Get(server.URL + "/slow")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
}
