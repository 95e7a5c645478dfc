package peerwasm

import (
	"fmt"
	"strconv"
)

// FD is a descriptor handed to modules.
//
// Descriptors 0, 1 and 2 are reserved for stdio. Every other descriptor is
// bound to a listener, a connected channel or a timer.
type FD int32

const (
	Stdin  FD = 0
	Stdout FD = 1
	Stderr FD = 2

	// FirstFD is the first descriptor produced by the allocator.
	FirstFD FD = 3
)

// ConnID identifies a peer session across the router and the execution host.
//
// Identifiers are assigned from a strictly increasing counter that starts at
// FirstConnID. They are never reused.
type ConnID int32

// FirstConnID is the first session identifier assigned by the router.
const FirstConnID ConnID = 3

func (id ConnID) String() string {
	return strconv.Itoa(int(id))
}

// ProtocolFamily is a socket protocol family.
type ProtocolFamily int32

const (
	UnspecifiedFamily ProtocolFamily = iota
	InetFamily
	Inet6Family
	UnixFamily
)

func (pf ProtocolFamily) String() string {
	switch pf {
	case UnspecifiedFamily:
		return "UnspecifiedFamily"
	case InetFamily:
		return "InetFamily"
	case Inet6Family:
		return "Inet6Family"
	case UnixFamily:
		return "UnixFamily"
	default:
		return fmt.Sprintf("ProtocolFamily(%d)", pf)
	}
}

// SocketType is a type of socket.
type SocketType int32

const (
	AnySocket SocketType = iota
	DatagramSocket
	StreamSocket
)

func (st SocketType) String() string {
	switch st {
	case AnySocket:
		return "AnySocket"
	case DatagramSocket:
		return "DatagramSocket"
	case StreamSocket:
		return "StreamSocket"
	default:
		return fmt.Sprintf("SocketType(%d)", st)
	}
}

// Status is the readiness code sent as a text frame on a session's primary
// channel, and on upload channels whose module was not needed.
type Status int

const (
	// StatusReady reports that a module is resident and the session was
	// handed to it.
	StatusReady Status = 200
	// StatusNotNeeded reports that an uploaded module was discarded because
	// another one is already resident.
	StatusNotNeeded Status = 204
	// StatusNotReady reports that no module is resident yet. The session is
	// kept and receives StatusReady once a module loads.
	StatusNotReady Status = 404
)

func (s Status) String() string {
	return strconv.Itoa(int(s))
}
