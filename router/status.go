package router

import (
	"encoding/json"
	"net/http"
)

// Status is a snapshot of the router and host state.
type Status struct {
	Residency   string `json:"residency"`
	Hash        string `json:"hash,omitempty"`
	Size        int    `json:"size,omitempty"`
	Connections int    `json:"connections"`
}

// Status returns the current state.
func (r *Router) Status() Status {
	status := Status{
		Residency:   r.host.Residency().String(),
		Connections: r.Connections(),
	}
	if info, ok := r.host.Module(); ok {
		status.Hash, status.Size = info.Hash, info.Size
	}
	return status
}

// StatusHandler serves Status as JSON.
func (r *Router) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Status())
	})
}
