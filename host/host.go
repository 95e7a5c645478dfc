// Package host runs a single sandboxed module on behalf of peer sessions.
//
// A Host owns one goroutine, started by Run, on which every call into the
// module happens. Requests (loads, session traffic, continuations scheduled
// by the system) are posted to an inbox and processed in order. What the
// module produces is reported as Event values.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/internal/mailbox"
	"github.com/stealthrocket/peerwasm/transfer"
	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Config configures a Host. The zero value is usable.
type Config struct {
	Logger *zap.Logger

	// Stdout and Stderr receive the output of the module. They default to
	// the logger, at info and warn levels.
	Stdout io.Writer
	Stderr io.Writer

	// Trace receives a line for every system call when set.
	Trace io.Writer

	// Rand is the source of random_get, crypto/rand when nil.
	Rand io.Reader

	Args    []string
	Environ []string

	// Registerer receives the host metrics when set.
	Registerer prometheus.Registerer
}

// ModuleInfo describes the resident module.
type ModuleInfo struct {
	Hash string
	Size int
}

// Host is the execution host. Create it with New.
type Host struct {
	config Config
	log    *zap.Logger

	inbox  *mailbox.Mailbox[func(context.Context)]
	events *mailbox.Mailbox[Event]

	residency atomic.Int32
	module    atomic.Pointer[ModuleInfo]
	live      atomic.Int64

	compileSeconds prometheus.Histogram
	residencyGauge prometheus.Gauge

	// Owned by the goroutine executing Run.
	runtime  wazero.Runtime
	instance *instance
	sessions map[peerwasm.ConnID]*session
}

// New creates a host. Nothing happens until Run is called, requests posted
// before are buffered.
func New(config Config) *Host {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	log := config.Logger.Named("host")
	if config.Stdout == nil {
		config.Stdout = &zapio.Writer{Log: log.Named("stdout"), Level: zapcore.InfoLevel}
	}
	if config.Stderr == nil {
		config.Stderr = &zapio.Writer{Log: log.Named("stderr"), Level: zapcore.WarnLevel}
	}

	h := &Host{
		config:   config,
		log:      log,
		inbox:    mailbox.New[func(context.Context)](),
		events:   mailbox.New[Event](),
		sessions: make(map[peerwasm.ConnID]*session),
		compileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "peerwasm",
			Subsystem: "host",
			Name:      "compile_duration_seconds",
			Help:      "Time spent compiling and instantiating uploaded modules.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		residencyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerwasm",
			Subsystem: "host",
			Name:      "residency",
			Help:      "Residency state of the host: 0 empty, 1 loading, 2 ready.",
		}),
	}
	if config.Registerer != nil {
		config.Registerer.MustRegister(h.compileSeconds, h.residencyGauge)
	}
	return h
}

// Run processes requests until ctx is canceled. The resident module is
// closed before Run returns, and the channel returned by Events is closed.
func (h *Host) Run(ctx context.Context) (err error) {
	h.runtime = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer func() {
		err = multierr.Append(err, h.shutdown())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn, ok := <-h.inbox.Out():
			if !ok {
				return nil
			}
			fn(ctx)
		}
	}
}

func (h *Host) shutdown() error {
	h.inbox.Close()
	ctx := context.Background()
	var err error
	if h.instance != nil {
		err = h.instance.close(ctx)
		h.instance = nil
	}
	err = multierr.Append(err, h.runtime.Close(ctx))
	h.events.Close()
	return err
}

// Events returns the channel on which the host reports what happened.
func (h *Host) Events() <-chan Event { return h.events.Out() }

// Residency returns the current residency state.
func (h *Host) Residency() peerwasm.Residency {
	return peerwasm.Residency(h.residency.Load())
}

// Module returns the resident module, if any.
func (h *Host) Module() (ModuleInfo, bool) {
	if info := h.module.Load(); info != nil {
		return *info, true
	}
	return ModuleInfo{}, false
}

func (h *Host) setResidency(r peerwasm.Residency) {
	h.residency.Store(int32(r))
	h.residencyGauge.Set(float64(r))
}

func (h *Host) post(fn func(context.Context)) {
	if !h.inbox.Post(fn) {
		h.log.Debug("request dropped after shutdown")
	}
}

func (h *Host) emit(ev Event) {
	h.events.Post(ev)
}

// submit runs fn on the host goroutine. It is the executor of the system
// backing the module's descriptors.
func (h *Host) submit(fn func()) {
	h.post(func(context.Context) { fn() })
}

// Load makes mod the resident module, unless the host is not empty. The
// outcome is reported as a ReadyEvent, LoadFailedEvent or LoadIgnoredEvent
// carrying attempt.
func (h *Host) Load(attempt string, mod transfer.Module) {
	h.post(func(ctx context.Context) { h.load(ctx, attempt, mod) })
}

func (h *Host) load(ctx context.Context, attempt string, mod transfer.Module) {
	log := h.log.With(zap.String("attempt", attempt))

	if h.Residency() != peerwasm.Empty {
		log.Debug("load ignored", zap.Stringer("residency", h.Residency()))
		h.emit(LoadIgnoredEvent{Attempt: attempt})
		return
	}
	h.setResidency(peerwasm.Loading)

	start := time.Now()
	inst, err := h.instantiate(ctx, mod)
	h.compileSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		h.setResidency(peerwasm.Empty)
		log.Warn("module load failed", zap.Error(err))
		h.emit(LoadFailedEvent{Attempt: attempt, Err: &LoadError{Attempt: attempt, Err: err}})
		return
	}

	h.instance = inst
	h.module.Store(&ModuleInfo{Hash: mod.Hash, Size: mod.Size()})
	h.setResidency(peerwasm.Ready)
	log.Info("module ready",
		zap.String("hash", mod.Hash),
		zap.Int("size", mod.Size()),
		zap.Bool("sockets", inst.sockets),
		zap.Bool("callbacks", inst.onMessage != nil))
	h.emit(ReadyEvent{Attempt: attempt, Hash: mod.Hash, Size: mod.Size()})
	inst.start()
}

// errNotReady is the reason reported when sessions are opened on an empty
// host.
var errNotReady = errors.New("no module is resident")

// Open starts a session. The module observes it as an accepted connection or
// an onSessionOpen call.
func (h *Host) Open(id peerwasm.ConnID) {
	h.post(func(context.Context) {
		if h.instance == nil {
			h.log.Warn("session refused", zap.Stringer("conn", id), zap.Error(errNotReady))
			h.emit(CloseEvent{ID: id})
			return
		}
		if _, exists := h.sessions[id]; exists {
			h.log.Warn("session already open", zap.Stringer("conn", id))
			return
		}
		h.instance.open(id)
	})
}

// Message delivers data received from the remote side of a session. The
// slice is owned by the host after the call.
func (h *Host) Message(id peerwasm.ConnID, data []byte) {
	h.post(func(context.Context) {
		s := h.sessions[id]
		if s == nil {
			h.log.Debug("message for unknown session", zap.Stringer("conn", id))
			return
		}
		h.instance.message(s, data)
	})
}

// Close reports that the remote side of a session went away.
func (h *Host) Close(id peerwasm.ConnID) {
	h.post(func(context.Context) {
		s := h.sessions[id]
		if s == nil {
			return
		}
		h.drop(id)
		h.instance.hangup(s)
	})
}

// Sessions returns the number of open sessions.
func (h *Host) Sessions() int { return int(h.live.Load()) }

// Do runs fn on the host goroutine and waits for it to return.
func (h *Host) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !h.inbox.Post(func(context.Context) { fn(); close(done) }) {
		return fmt.Errorf("host is shut down")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
