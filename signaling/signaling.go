// Package signaling answers WebRTC offers posted over HTTP.
//
// A peer posts its SDP offer to the root path and receives the answer in the
// response body, with the location of the created resource. The offer must
// declare the negotiated primary channel "main" (id 0). When no module is
// resident, the answering side also opens a "wasm" channel on which the peer
// is expected to upload one.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/channels/rtc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// MainLabel is the label of the primary channel.
	MainLabel = "main"
	// MainID is the stream id of the negotiated primary channel.
	MainID uint16 = 0
	// UploadLabel is the label of the module upload channel.
	UploadLabel = "wasm"

	// ContentType is the media type of offers and answers.
	ContentType = "application/sdp"

	resourcePrefix = "/resource/"
)

// DefaultGatherTimeout bounds the wait for ICE candidates before an answer is
// returned.
const DefaultGatherTimeout = time.Second

const maxOfferSize = 64 << 10

// Router receives the channels of answered peers. It is implemented by
// *router.Router.
type Router interface {
	Accept(ch peerwasm.Channel) peerwasm.ConnID
	Upload(ch peerwasm.Channel) string
}

// Config configures a Server.
type Config struct {
	// Router is required.
	Router Router

	// NeedsModule reports whether peers should be asked for a module. No
	// upload channel is created when it is nil.
	NeedsModule func() bool

	Logger *zap.Logger

	// ICEServers are STUN or TURN urls.
	ICEServers []string

	// PublicIP replaces the address of host candidates when set.
	PublicIP string

	// GatherTimeout defaults to DefaultGatherTimeout.
	GatherTimeout time.Duration
}

// Server is an http.Handler answering offers.
type Server struct {
	config Config
	log    *zap.Logger

	mu    sync.Mutex
	api   *webrtc.API
	peers map[string]*peer
}

type peer struct {
	conn     *webrtc.PeerConnection
	channels []*rtc.Channel
}

// New creates a server.
func New(config Config) (*Server, error) {
	if config.Router == nil {
		return nil, errors.New("signaling: router not configured")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = DefaultGatherTimeout
	}

	return &Server{
		config: config,
		log:    config.Logger.Named("signaling"),
		api:    newAPI(config.PublicIP),
		peers:  make(map[string]*peer),
	}, nil
}

func newAPI(publicIP string) *webrtc.API {
	settings := webrtc.SettingEngine{}
	if publicIP != "" {
		settings.SetNAT1To1IPs([]string{publicIP}, webrtc.ICECandidateTypeHost)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(settings))
}

// SetPublicIP changes the address advertised in the host candidates of the
// answers created afterwards.
func (s *Server) SetPublicIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.api = newAPI(ip)
	s.log.Info("public address changed", zap.String("ip", ip))
}

// Configuration returns the peer connection configuration for urls.
func Configuration(urls []string) webrtc.Configuration {
	var config webrtc.Configuration
	if len(urls) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	return config
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/":
		s.serveOffer(w, r)
	case strings.HasPrefix(r.URL.Path, resourcePrefix):
		s.serveResource(w, r, strings.TrimPrefix(r.URL.Path, resourcePrefix))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != ContentType {
		http.Error(w, "offer must be "+ContentType, http.StatusUnsupportedMediaType)
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, answer, err := s.Answer(r.Context(), string(offer))
	if err != nil {
		s.log.Debug("offer rejected", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Location", resourcePrefix+id)
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

func (s *Server) serveResource(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	p := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if p == nil {
		http.NotFound(w, r)
		return
	}
	if err := p.close(); err != nil {
		s.log.Debug("closing peer connection", zap.String("resource", id), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Answer creates a peer connection for offer and returns the resource id and
// the answer, including the candidates gathered before the timeout.
func (s *Server) Answer(ctx context.Context, offer string) (id, answer string, err error) {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()

	conn, err := api.NewPeerConnection(Configuration(s.config.ICEServers))
	if err != nil {
		return "", "", fmt.Errorf("creating peer connection: %w", err)
	}
	p := &peer{conn: conn}
	defer func() {
		if err != nil {
			_ = p.close()
		}
	}()

	if err := conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", "", fmt.Errorf("setting offer: %w", err)
	}

	negotiated, mainID, unordered := true, MainID, false
	dc, err := conn.CreateDataChannel(MainLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &mainID,
		Ordered:    &unordered,
	})
	if err != nil {
		return "", "", fmt.Errorf("creating %s channel: %w", MainLabel, err)
	}
	main := rtc.New(dc)
	p.channels = append(p.channels, main)

	var upload *rtc.Channel
	if s.config.NeedsModule != nil && s.config.NeedsModule() {
		ordered := true
		dc, err := conn.CreateDataChannel(UploadLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return "", "", fmt.Errorf("creating %s channel: %w", UploadLabel, err)
		}
		upload = rtc.New(dc)
		p.channels = append(p.channels, upload)
	}

	id = uuid.NewString()
	log := s.log.With(zap.String("resource", id))

	conn.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Debug("unexpected data channel", zap.String("label", dc.Label()))
		_ = dc.Close()
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state changed", zap.Stringer("state", state))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.remove(id, p)
		}
	})

	desc, err := conn.CreateAnswer(nil)
	if err != nil {
		return "", "", fmt.Errorf("creating answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(conn)
	if err := conn.SetLocalDescription(desc); err != nil {
		return "", "", fmt.Errorf("setting answer: %w", err)
	}

	timer := time.NewTimer(s.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		log.Debug("answering before candidate gathering completed")
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()

	connID := s.config.Router.Accept(main)
	log.Info("peer connected", zap.Stringer("conn", connID), zap.Bool("upload", upload != nil))
	if upload != nil {
		attempt := s.config.Router.Upload(upload)
		log.Debug("upload channel created", zap.String("attempt", attempt))
	}
	return id, conn.LocalDescription().SDP, nil
}

// remove forgets the peer and hangs up its channels, pion does not report
// the closure of data channels when the connection fails.
func (s *Server) remove(id string, p *peer) {
	s.mu.Lock()
	if s.peers[id] == p {
		delete(s.peers, id)
	}
	s.mu.Unlock()

	for _, ch := range p.channels {
		ch.Hangup()
	}
	if err := p.conn.Close(); err != nil {
		s.log.Debug("closing peer connection", zap.String("resource", id), zap.Error(err))
	}
}

// Peers returns the number of live peer connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close closes every peer connection.
func (s *Server) Close() error {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*peer)
	s.mu.Unlock()

	var err error
	for _, p := range peers {
		err = multierr.Append(err, p.close())
	}
	return err
}

func (p *peer) close() error {
	return p.conn.Close()
}
