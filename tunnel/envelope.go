// Package tunnel exposes a private HTTP handler through a public relay.
//
// The backend dials the relay's /_tunnel endpoint over a websocket. The relay
// then forwards every HTTP request it receives as a Request envelope and
// answers with the matching Response envelope. Upon connection the relay
// sends an Env envelope carrying configuration entries for the backend.
package tunnel

import (
	"encoding/json"
	"net/http"
)

// Path is the endpoint backends connect to.
const Path = "/_tunnel"

// Kind is the type of an envelope.
type Kind string

const (
	KindRequest  Kind = "Request"
	KindResponse Kind = "Response"
	KindEnv      Kind = "Env"
)

// Envelope is the unit of communication on the tunnel.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is the payload of a Request envelope.
type Request struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"headers,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Response is the payload of a Response envelope.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"headers,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

func encode(id string, kind Kind, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{ID: id, Kind: kind, Payload: b})
}
