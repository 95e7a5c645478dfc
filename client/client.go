// Package client connects to a peerwasm server the way a browser peer does.
//
// Dial posts an offer to the signaling endpoint, opens the primary channel
// and uploads a module when the server asks for one. Messages exchanged on
// the primary channel are relayed to and from the resident module.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/channels/rtc"
	"github.com/stealthrocket/peerwasm/internal/mailbox"
	"github.com/stealthrocket/peerwasm/signaling"
	"github.com/stealthrocket/peerwasm/transfer"
	"go.uber.org/zap"
)

// Config configures Dial.
type Config struct {
	// URL is the signaling endpoint.
	URL string

	// Module is uploaded when the server opens an upload channel.
	Module []byte

	// ChunkSize defaults to transfer.DefaultChunkSize.
	ChunkSize int

	ICEServers []string

	// GatherTimeout defaults to signaling.DefaultGatherTimeout.
	GatherTimeout time.Duration

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// ErrClosed is returned by the methods of a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a connection to a server.
type Conn struct {
	conn     *webrtc.PeerConnection
	main     *rtc.Channel
	log      *zap.Logger
	resource string

	status   *mailbox.Mailbox[peerwasm.Status]
	uploads  *mailbox.Mailbox[peerwasm.Status]
	messages *mailbox.Mailbox[[]byte]
	closed   chan struct{}
	once     sync.Once
}

// Dial connects to the server at config.URL. It returns once the answer was
// applied; the primary channel opens asynchronously and its first message is
// the status reported by Status.
func Dial(ctx context.Context, config Config) (*Conn, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = signaling.DefaultGatherTimeout
	}

	pc, err := webrtc.NewPeerConnection(signaling.Configuration(config.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	c := &Conn{
		conn:     pc,
		log:      config.Logger.Named("client"),
		status:   mailbox.New[peerwasm.Status](),
		uploads:  mailbox.New[peerwasm.Status](),
		messages: mailbox.New[[]byte](),
		closed:   make(chan struct{}),
	}

	negotiated, mainID, unordered := true, signaling.MainID, false
	dc, err := pc.CreateDataChannel(signaling.MainLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &mainID,
		Ordered:    &unordered,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("creating %s channel: %w", signaling.MainLabel, err)
	}
	c.main = rtc.New(dc)
	c.main.Subscribe(c.handleMain)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != signaling.UploadLabel {
			c.log.Debug("ignoring data channel", zap.String("label", dc.Label()))
			return
		}
		c.upload(rtc.New(dc), config.Module, config.ChunkSize)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		c.Close()
		return nil, fmt.Errorf("setting offer: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(config.GatherTimeout):
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	answer, err := c.post(ctx, config.HTTPClient, config.URL, pc.LocalDescription().SDP)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		c.Close()
		return nil, fmt.Errorf("setting answer: %w", err)
	}
	return c, nil
}

func (c *Conn) post(ctx context.Context, client *http.Client, url, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(offer))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", signaling.ContentType)

	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting offer: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("posting offer: %s: %s", res.Status, bytes.TrimSpace(body))
	}
	c.resource = res.Header.Get("Location")
	return string(body), nil
}

func (c *Conn) handleMain(ev peerwasm.Event) {
	switch ev.Type {
	case peerwasm.EventMessage:
		if ev.Message.IsText {
			if status, err := strconv.Atoi(string(ev.Message.Data)); err == nil {
				c.status.Post(peerwasm.Status(status))
			}
			return
		}
		c.messages.Post(ev.Message.Data)
	case peerwasm.EventClose:
		c.log.Debug("primary channel closed")
		c.shutdown()
	}
}

func (c *Conn) upload(ch *rtc.Channel, module []byte, chunkSize int) {
	var once sync.Once
	start := func() {
		once.Do(func() {
			if module == nil {
				c.log.Debug("no module to upload")
				_ = ch.Close()
				return
			}
			// Modules can be large, the upload does not run on the
			// pion callback goroutine.
			go func() {
				if err := transfer.Send(ch, module, chunkSize); err != nil {
					c.log.Warn("module upload failed", zap.Error(err))
				}
			}()
		})
	}

	ch.Subscribe(func(ev peerwasm.Event) {
		switch ev.Type {
		case peerwasm.EventOpen:
			start()
		case peerwasm.EventMessage:
			if status, err := strconv.Atoi(string(ev.Message.Data)); ev.Message.IsText && err == nil {
				c.uploads.Post(peerwasm.Status(status))
			}
		}
	})
	// Channels announced by the remote side may be open already.
	if ch.IsOpen() {
		start()
	}
}

// Resource returns the location of the server resource of the connection.
func (c *Conn) Resource() string { return c.resource }

// Channel returns the primary channel.
func (c *Conn) Channel() peerwasm.Channel { return c.main }

// Status waits for the next status sent by the server on the primary
// channel: StatusNotReady, then StatusReady once a module is resident.
func (c *Conn) Status(ctx context.Context) (peerwasm.Status, error) {
	return receive(ctx, c.status, c.closed)
}

// UploadStatus waits for a status sent on the upload channel. The server
// sends StatusNotNeeded when it already had a module.
func (c *Conn) UploadStatus(ctx context.Context) (peerwasm.Status, error) {
	return receive(ctx, c.uploads, c.closed)
}

// Send sends a binary message to the module.
func (c *Conn) Send(data []byte) error {
	return c.main.Send(data)
}

// Recv waits for the next binary message of the module.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	return receive(ctx, c.messages, c.closed)
}

func receive[T any](ctx context.Context, m *mailbox.Mailbox[T], closed <-chan struct{}) (T, error) {
	var zero T
	select {
	case v, ok := <-m.Out():
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-closed:
		// Deliver what arrived before the channel closed.
		select {
		case v, ok := <-m.Out():
			if ok {
				return v, nil
			}
		default:
		}
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

// Close closes the peer connection.
func (c *Conn) Close() error {
	err := c.conn.Close()
	if c.main != nil {
		_ = c.main.Close()
	}
	c.shutdown()
	c.status.Close()
	c.uploads.Close()
	c.messages.Close()
	return err
}
