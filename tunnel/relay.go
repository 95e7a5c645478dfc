package tunnel

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultTimeout bounds the wait for the response of the backend.
const DefaultTimeout = 10 * time.Second

const maxBodySize = 1 << 20

var errBackendGone = errors.New("backend disconnected")

// Relay is the public side of the tunnel. It admits a single backend, which
// must connect from a loopback address.
type Relay struct {
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Env is sent to the backend when it connects.
	Env    map[string]string
	Logger *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	backend *backend
}

type backend struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan Response
	done    chan struct{}
}

func (r *Relay) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger.Named("relay")
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == Path {
		r.serveBackend(w, req)
		return
	}
	r.forward(w, req)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (r *Relay) serveBackend(w http.ResponseWriter, req *http.Request) {
	log := r.logger().With(zap.String("remote", req.RemoteAddr))
	if !isLoopback(req.RemoteAddr) {
		log.Warn("backend rejected: not a loopback address")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	r.mu.Lock()
	busy := r.backend != nil
	r.mu.Unlock()
	if busy {
		log.Warn("backend rejected: already connected")
		http.Error(w, "a backend is already connected", http.StatusConflict)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debug("upgrade failed", zap.Error(err))
		return
	}
	b := &backend{conn: conn, pending: make(map[string]chan Response), done: make(chan struct{})}

	r.mu.Lock()
	if r.backend != nil {
		r.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "a backend is already connected"))
		conn.Close()
		return
	}
	r.backend = b
	r.mu.Unlock()
	log.Info("backend connected")

	defer func() {
		r.mu.Lock()
		if r.backend == b {
			r.backend = nil
		}
		r.mu.Unlock()
		close(b.done)
		conn.Close()
		log.Info("backend disconnected")
	}()

	env := r.Env
	if env == nil {
		env = map[string]string{}
	}
	if err := b.send("", KindEnv, env); err != nil {
		log.Debug("sending environment", zap.Error(err))
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(msg, &envelope); err != nil {
			log.Debug("malformed envelope", zap.Error(err))
			continue
		}
		if envelope.Kind != KindResponse {
			continue
		}
		var res Response
		if err := json.Unmarshal(envelope.Payload, &res); err != nil {
			log.Debug("malformed response", zap.String("id", envelope.ID), zap.Error(err))
			continue
		}
		r.mu.Lock()
		ch := b.pending[envelope.ID]
		r.mu.Unlock()
		if ch == nil {
			log.Debug("response for unknown request", zap.String("id", envelope.ID))
			continue
		}
		select {
		case ch <- res:
		default:
		}
	}
}

func (b *backend) send(id string, kind Kind, payload any) error {
	msg, err := encode(id, kind, payload)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, msg)
}

func (r *Relay) forward(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	b := r.backend
	r.mu.Unlock()
	if b == nil {
		http.Error(w, "No backend connected", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	ch := make(chan Response, 1)
	r.mu.Lock()
	b.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(b.pending, id)
		r.mu.Unlock()
	}()

	err = b.send(id, KindRequest, Request{
		Method: req.Method,
		URL:    req.URL.RequestURI(),
		Header: req.Header,
		Body:   body,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		for k, v := range res.Header {
			w.Header()[k] = v
		}
		if res.Status == 0 {
			res.Status = http.StatusOK
		}
		w.WriteHeader(res.Status)
		_, _ = w.Write(res.Body)
	case <-timer.C:
		http.Error(w, "Timeout", http.StatusGatewayTimeout)
	case <-b.done:
		http.Error(w, errBackendGone.Error(), http.StatusBadGateway)
	case <-req.Context().Done():
	}
}
