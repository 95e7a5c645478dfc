// Package router connects peer channels to the execution host.
//
// Every primary channel accepted by the router gets a connection id. While no
// module is resident the channel is told 404 and parked; once the host is
// ready it is told 200 and its traffic is relayed to the module. Upload
// channels carry a module to the host with the transfer protocol.
//
// The router state is owned by the goroutine executing Run. Channel
// callbacks and host events are turned into functions posted to its inbox.
package router

import (
	"context"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/host"
	"github.com/stealthrocket/peerwasm/internal/descriptor"
	"github.com/stealthrocket/peerwasm/internal/mailbox"
	"github.com/stealthrocket/peerwasm/transfer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Host is the execution host the router relays to. It is implemented by
// *host.Host.
type Host interface {
	Load(attempt string, mod transfer.Module)
	Open(id peerwasm.ConnID)
	Message(id peerwasm.ConnID, data []byte)
	Close(id peerwasm.ConnID)
	Events() <-chan host.Event
	Residency() peerwasm.Residency
	Module() (host.ModuleInfo, bool)
}

var _ Host = (*host.Host)(nil)

// Config configures a Router.
type Config struct {
	// Host is required.
	Host Host

	Logger *zap.Logger

	// MaxModuleSize bounds the size announced on upload channels, zero means
	// no limit.
	MaxModuleSize int

	// Registerer receives the router metrics when set.
	Registerer prometheus.Registerer
}

// Router is the connection router. Create it with New.
type Router struct {
	config  Config
	log     *zap.Logger
	host    Host
	inbox   *mailbox.Mailbox[func()]
	ids     *descriptor.Allocator[peerwasm.ConnID]
	metrics *metrics
	live    atomic.Int64

	// Owned by the goroutine executing Run.
	ready   bool
	conns   map[peerwasm.ConnID]*conn
	uploads map[string]*upload
}

// New creates a router.
func New(config Config) *Router {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Router{
		config:  config,
		log:     config.Logger.Named("router"),
		host:    config.Host,
		inbox:   mailbox.New[func()](),
		ids:     descriptor.NewAllocator(peerwasm.FirstConnID),
		metrics: newMetrics(config.Registerer),
		conns:   make(map[peerwasm.ConnID]*conn),
		uploads: make(map[string]*upload),
	}
}

// Run relays traffic until ctx is canceled or the host stops. The channels
// still registered are closed before Run returns.
func (r *Router) Run(ctx context.Context) error {
	defer r.inbox.Close()
	r.ready = r.host.Residency() == peerwasm.Ready
	events := r.host.Events()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case fn := <-r.inbox.Out():
			fn()
		case ev, ok := <-events:
			if !ok {
				return r.shutdown()
			}
			r.handleHostEvent(ev)
		}
	}
}

func (r *Router) shutdown() error {
	var err error
	for _, c := range r.conns {
		c.unsubscribe()
		err = multierr.Append(err, c.channel.Close())
	}
	for _, u := range r.uploads {
		u.unsubscribe()
		err = multierr.Append(err, u.channel.Close())
	}
	clear(r.conns)
	clear(r.uploads)
	r.live.Store(0)
	r.metrics.sessions.Set(0)
	return err
}

// Connections returns the number of open primary channels.
func (r *Router) Connections() int {
	return int(r.live.Load())
}

func (r *Router) post(fn func()) {
	if !r.inbox.Post(fn) {
		r.log.Debug("event dropped after shutdown")
	}
}

// conn is an accepted primary channel.
type conn struct {
	subscription
	id      peerwasm.ConnID
	channel peerwasm.Channel
	opened  bool
	// registered is true once the channel was told 200 and the host knows
	// about the session.
	registered bool
}

// subscription holds the function detaching the router from a channel. It
// is installed on the router goroutine once the channel is registered.
type subscription struct {
	cancel func()
}

func (s *subscription) unsubscribe() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// opener is implemented by channels that can report being open already.
type opener interface {
	IsOpen() bool
}

// Accept registers a primary channel and returns its connection id. The
// channel receives its status code when it opens.
func (r *Router) Accept(ch peerwasm.Channel) peerwasm.ConnID {
	id, ok := r.ids.Next()
	if !ok {
		r.log.Warn("connection ids exhausted", zap.String("label", ch.Label()))
		ch.Close()
		return -1
	}
	c := &conn{id: id, channel: ch}
	r.post(func() {
		r.conns[c.id] = c
		r.live.Add(1)
		r.metrics.sessions.Inc()
		r.log.Debug("channel accepted", zap.Stringer("conn", c.id), zap.String("label", ch.Label()))
	})
	unsubscribe := ch.Subscribe(func(ev peerwasm.Event) {
		r.post(func() { r.handleConnEvent(c, ev) })
	})
	// Runs after the subscription exists: a channel that opened before it
	// emitted no event the router could observe.
	r.post(func() {
		if r.conns[c.id] != c {
			unsubscribe()
			return
		}
		c.cancel = unsubscribe
		if o, ok := ch.(opener); ok && o.IsOpen() {
			r.open(c)
		}
	})
	return c.id
}

func (r *Router) handleConnEvent(c *conn, ev peerwasm.Event) {
	if r.conns[c.id] != c {
		return
	}
	switch ev.Type {
	case peerwasm.EventOpen:
		r.open(c)
	case peerwasm.EventMessage:
		if ev.Message.IsText || !c.registered {
			return
		}
		r.metrics.relayed.WithLabelValues("in").Add(float64(len(ev.Message.Data)))
		r.host.Message(c.id, ev.Message.Data)
	case peerwasm.EventClose:
		r.log.Debug("channel closed", zap.Stringer("conn", c.id))
		r.remove(c)
		if c.registered {
			r.host.Close(c.id)
		}
	}
}

func (r *Router) open(c *conn) {
	if c.opened {
		return
	}
	c.opened = true
	if r.ready {
		r.register(c)
		return
	}
	r.sendStatus(c, peerwasm.StatusNotReady)
}

func (r *Router) register(c *conn) {
	c.registered = true
	r.sendStatus(c, peerwasm.StatusReady)
	r.host.Open(c.id)
}

func (r *Router) sendStatus(c *conn, status peerwasm.Status) {
	r.metrics.accepted.WithLabelValues(strconv.Itoa(int(status))).Inc()
	if err := c.channel.SendText(strconv.Itoa(int(status))); err != nil {
		r.log.Debug("sending status", zap.Stringer("conn", c.id), zap.Error(err))
	}
}

func (r *Router) remove(c *conn) {
	c.unsubscribe()
	delete(r.conns, c.id)
	r.live.Add(-1)
	r.metrics.sessions.Dec()
}

// upload is a channel carrying a module.
type upload struct {
	subscription
	attempt string
	channel peerwasm.Channel
	session transfer.Session
	// loading is true once the module was handed to the host.
	loading bool
}

// Upload registers a channel on which a module is uploaded. Each upload is a
// separate load attempt identified by a random id, which is returned.
func (r *Router) Upload(ch peerwasm.Channel) string {
	u := &upload{
		attempt: uuid.NewString(),
		channel: ch,
		session: transfer.Session{MaxSize: r.config.MaxModuleSize},
	}
	r.post(func() {
		r.uploads[u.attempt] = u
		r.log.Debug("upload started", zap.String("attempt", u.attempt))
	})
	unsubscribe := ch.Subscribe(func(ev peerwasm.Event) {
		r.post(func() { r.handleUploadEvent(u, ev) })
	})
	r.post(func() {
		if r.uploads[u.attempt] == u {
			u.cancel = unsubscribe
		} else {
			unsubscribe()
		}
	})
	return u.attempt
}

func (r *Router) handleUploadEvent(u *upload, ev peerwasm.Event) {
	if r.uploads[u.attempt] != u {
		return
	}
	log := r.log.With(zap.String("attempt", u.attempt))

	switch ev.Type {
	case peerwasm.EventMessage:
		if u.loading {
			return
		}
		if !ev.Message.IsText {
			r.metrics.uploadedBytes.Add(float64(len(ev.Message.Data)))
		}
		done, err := u.session.Receive(ev.Message)
		if err != nil {
			log.Warn("upload rejected", zap.Error(err))
			r.finishUpload(u, "rejected")
			return
		}
		if !done {
			return
		}
		mod, err := u.session.Module()
		if err != nil {
			log.Warn("upload rejected", zap.Error(err))
			r.finishUpload(u, "rejected")
			return
		}
		log.Info("module received", zap.String("hash", mod.Hash), zap.Int("size", mod.Size()))
		u.loading = true
		r.host.Load(u.attempt, mod)
	case peerwasm.EventClose:
		if u.loading {
			// The outcome is still reported by the host, the attempt stays
			// registered until then.
			return
		}
		log.Debug("upload aborted",
			zap.Int("declared", u.session.Declared()),
			zap.Int("received", u.session.Accumulated()))
		u.unsubscribe()
		delete(r.uploads, u.attempt)
		r.metrics.uploads.WithLabelValues("aborted").Inc()
	}
}

func (r *Router) finishUpload(u *upload, outcome string) {
	u.unsubscribe()
	delete(r.uploads, u.attempt)
	r.metrics.uploads.WithLabelValues(outcome).Inc()
	if err := u.channel.Close(); err != nil {
		r.log.Debug("closing upload channel", zap.String("attempt", u.attempt), zap.Error(err))
	}
}

func (r *Router) handleHostEvent(ev host.Event) {
	switch ev := ev.(type) {
	case host.ReadyEvent:
		r.ready = true
		r.log.Info("module ready", zap.String("attempt", ev.Attempt), zap.String("hash", ev.Hash))
		if u := r.uploads[ev.Attempt]; u != nil {
			r.finishUpload(u, "ready")
		}
		r.promote()

	case host.LoadFailedEvent:
		r.log.Warn("module load failed", zap.String("attempt", ev.Attempt), zap.Error(ev.Err))
		if u := r.uploads[ev.Attempt]; u != nil {
			r.finishUpload(u, "failed")
		}

	case host.LoadIgnoredEvent:
		if u := r.uploads[ev.Attempt]; u != nil {
			if err := u.channel.SendText(strconv.Itoa(int(peerwasm.StatusNotNeeded))); err != nil {
				r.log.Debug("sending status", zap.String("attempt", u.attempt), zap.Error(err))
			}
			r.finishUpload(u, "ignored")
		}

	case host.SendEvent:
		c := r.conns[ev.ID]
		if c == nil || !c.registered {
			r.log.Debug("message for unknown connection", zap.Stringer("conn", ev.ID))
			return
		}
		r.metrics.relayed.WithLabelValues("out").Add(float64(len(ev.Data)))
		if err := c.channel.Send(ev.Data); err != nil {
			r.log.Debug("relaying message", zap.Stringer("conn", ev.ID), zap.Error(err))
		}

	case host.CloseEvent:
		c := r.conns[ev.ID]
		if c == nil {
			return
		}
		r.log.Debug("connection closed by module", zap.Stringer("conn", ev.ID))
		r.remove(c)
		if err := c.channel.Close(); err != nil {
			r.log.Debug("closing channel", zap.Stringer("conn", ev.ID), zap.Error(err))
		}
	}
}

// promote registers the parked channels, in the order they were accepted.
func (r *Router) promote() {
	ids := make([]peerwasm.ConnID, 0, len(r.conns))
	for id, c := range r.conns {
		if c.opened && !c.registered {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		r.register(r.conns[id])
	}
}
