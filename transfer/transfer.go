// Package transfer implements the chunked module upload protocol.
//
// An upload starts with a single text frame carrying the module size as an
// ASCII decimal number, followed by binary frames holding the module bytes.
// The receiver reassembles the frames in arrival order, which is correct only
// on an ordered and reliable channel, and finalizes the transfer as soon as
// the declared size is reached. The result is the module bytes and their
// SHA-256 digest.
package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/stealthrocket/peerwasm"
)

// DefaultChunkSize is the size of the binary frames sent by Send.
const DefaultChunkSize = 16384

var (
	// ErrFinalized is returned for frames received after the transfer
	// completed.
	ErrFinalized = errors.New("transfer already finalized")
	// ErrNotAnnounced is returned for binary frames received before the
	// size announcement.
	ErrNotAnnounced = errors.New("module size was not announced")
	// ErrAnnounced is returned for a second size announcement.
	ErrAnnounced = errors.New("module size already announced")
	// ErrTooLarge is returned when the announced size exceeds the limit of
	// the session.
	ErrTooLarge = errors.New("module too large")
)

// Module is a completely received module.
type Module struct {
	Bytes []byte
	// Hash is the hex encoded SHA-256 digest of Bytes.
	Hash string
}

// Size returns the module size in bytes.
func (m Module) Size() int { return len(m.Bytes) }

// Session reassembles one upload. Sessions are not safe for concurrent use.
type Session struct {
	// MaxSize bounds the announced size, no limit applies when it is zero.
	MaxSize int

	declared    int
	accumulated int
	announced   bool
	finalized   bool
	chunks      [][]byte
}

// Declared returns the announced size, or -1 when nothing was announced.
func (s *Session) Declared() int {
	if !s.announced {
		return -1
	}
	return s.declared
}

// Accumulated returns the number of bytes received so far.
func (s *Session) Accumulated() int { return s.accumulated }

// Finalized reports whether the transfer completed.
func (s *Session) Finalized() bool { return s.finalized }

// Announce records the declared size carried by a text frame. A declared size
// of zero completes the transfer right away.
func (s *Session) Announce(text string) (done bool, err error) {
	if s.finalized {
		return false, ErrFinalized
	}
	if s.announced {
		return false, ErrAnnounced
	}
	size, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || size < 0 {
		return false, fmt.Errorf("invalid module size %q", text)
	}
	if s.MaxSize > 0 && size > s.MaxSize {
		return false, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, s.MaxSize)
	}
	s.declared, s.announced = size, true
	return s.check(), nil
}

// Append adds a binary frame and reports whether the transfer completed.
// The frame is retained, callers must not modify it afterwards.
func (s *Session) Append(chunk []byte) (done bool, err error) {
	if s.finalized {
		return false, ErrFinalized
	}
	if !s.announced {
		return false, ErrNotAnnounced
	}
	s.chunks = append(s.chunks, chunk)
	s.accumulated += len(chunk)
	return s.check(), nil
}

// Receive handles a frame of either kind.
func (s *Session) Receive(msg peerwasm.Message) (done bool, err error) {
	if msg.IsText {
		return s.Announce(string(msg.Data))
	}
	return s.Append(msg.Data)
}

func (s *Session) check() bool {
	if s.accumulated >= s.declared {
		s.finalized = true
	}
	return s.finalized
}

// Module concatenates the received frames and hashes the result. It must only
// be called once the transfer is finalized.
//
// When more bytes than announced were received, the module holds all of them.
func (s *Session) Module() (Module, error) {
	if !s.finalized {
		return Module{}, fmt.Errorf("transfer incomplete: %d/%d bytes", s.accumulated, s.declared)
	}
	b := make([]byte, 0, s.accumulated)
	hash := sha256.New()
	for _, chunk := range s.chunks {
		b = append(b, chunk...)
		hash.Write(chunk)
	}
	return Module{Bytes: b, Hash: hex.EncodeToString(hash.Sum(nil))}, nil
}

// Hash returns the hex encoded SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Send uploads module on ch: the size announcement followed by frames of at
// most chunkSize bytes. DefaultChunkSize is used when chunkSize is not
// positive.
func Send(ch peerwasm.Channel, module []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := ch.SendText(strconv.Itoa(len(module))); err != nil {
		return fmt.Errorf("announcing module size: %w", err)
	}
	for len(module) > 0 {
		n := min(chunkSize, len(module))
		if err := ch.Send(module[:n]); err != nil {
			return fmt.Errorf("sending module chunk: %w", err)
		}
		module = module[n:]
	}
	return nil
}
