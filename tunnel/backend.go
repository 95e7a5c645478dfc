package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Backend is the private side of the tunnel: it serves the requests
// forwarded by a relay with a local handler.
type Backend struct {
	// URL is the websocket address of the relay, including Path.
	URL string

	// Handler serves forwarded requests.
	Handler http.Handler

	// OnEnv is called with the entries of the Env envelope, when set.
	OnEnv func(map[string]string)

	Logger *zap.Logger

	writeMu sync.Mutex
}

// Run connects to the relay and serves requests until ctx is canceled or the
// connection is lost.
func (b *Backend) Run(ctx context.Context) error {
	log := zap.NewNop()
	if b.Logger != nil {
		log = b.Logger.Named("tunnel")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.URL, nil)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer conn.Close()
	log.Info("connected to relay", zap.String("url", b.URL))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from relay: %w", err)
		}

		var envelope Envelope
		if err := json.Unmarshal(msg, &envelope); err != nil {
			log.Debug("malformed envelope", zap.Error(err))
			continue
		}

		switch envelope.Kind {
		case KindEnv:
			var env map[string]string
			if err := json.Unmarshal(envelope.Payload, &env); err != nil {
				log.Debug("malformed environment", zap.Error(err))
				continue
			}
			if b.OnEnv != nil {
				b.OnEnv(env)
			}
		case KindRequest:
			var req Request
			if err := json.Unmarshal(envelope.Payload, &req); err != nil {
				log.Debug("malformed request", zap.String("id", envelope.ID), zap.Error(err))
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				res := b.serve(ctx, req)
				if err := b.reply(conn, id, res); err != nil {
					log.Debug("sending response", zap.String("id", id), zap.Error(err))
				}
			}(envelope.ID)
		}
	}
}

func (b *Backend) serve(ctx context.Context, r Request) Response {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return Response{Status: http.StatusBadRequest, Body: []byte(err.Error())}
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	req.RequestURI = r.URL

	rec := &recorder{header: make(http.Header)}
	b.Handler.ServeHTTP(rec, req)
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return Response{Status: rec.status, Header: rec.header, Body: rec.body.Bytes()}
}

func (b *Backend) reply(conn *websocket.Conn, id string, res Response) error {
	msg, err := encode(id, KindResponse, res)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// recorder buffers the response of a handler.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(b)
}
