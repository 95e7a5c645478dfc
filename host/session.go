package host

import (
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/channels/virtual"
	"go.uber.org/zap"
)

// session is the host side of a peer session. The module talks to it through
// a virtual channel: what the module sends or closes becomes a host event.
type session struct {
	id      peerwasm.ConnID
	channel *virtual.Channel
	fd      peerwasm.FD
}

func (h *Host) newSession(id peerwasm.ConnID) *session {
	s := &session{id: id, fd: -1}
	s.channel = virtual.New("main", virtual.Hooks{
		Send: func(msg peerwasm.Message) {
			if msg.IsText {
				return
			}
			h.emit(SendEvent{ID: id, Data: msg.Data})
		},
		Close: func() {
			if h.sessions[id] != s {
				return
			}
			h.log.Debug("session closed by module", zap.Stringer("conn", id))
			h.drop(id)
			h.emit(CloseEvent{ID: id})
		},
	})
	h.sessions[id] = s
	h.live.Add(1)
	return s
}

func (h *Host) drop(id peerwasm.ConnID) {
	if _, ok := h.sessions[id]; ok {
		delete(h.sessions, id)
		h.live.Add(-1)
	}
}
