// Package transport provides the three interchangeable backends that move
// framed packets for named logical channels: a stream-oriented QUIC
// transport, a WebRTC data-channel transport, and a WebSocket message
// transport. Only framing differs between them; the logical channel model
// does not.
package transport

import (
	"context"
	"errors"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

var (
	// ErrChannelNotAttached is returned by Send for channels that were never
	// attached or whose attach failed.
	ErrChannelNotAttached = errors.New("transport: channel not attached")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport: closed")
)

// Kind tags the wire encoding behind an Adapter.
type Kind int

const (
	KindStream Kind = iota
	KindDataChannel
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDataChannel:
		return "datachannel"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Credentials gates channel attachment. The token comes from the join flow;
// the transport forwards it opaquely.
type Credentials struct {
	Token         string
	RoomID        string
	ParticipantID string
	Role          protocol.Role
}

// MessageHandler receives one whole packet. The slice is owned by the
// handler; transports do not reuse it.
type MessageHandler func(pkt []byte)

// Adapter is the uniform contract over the three backends. Attach performs
// the connection bring-up handshake for one channel: a subscribe command is
// always the first message, and the peer must not forward the channel's
// media until it observes it. Send surfaces backpressure by blocking on ctx
// or returning an error; it never buffers unboundedly. Callers drop frames
// under sustained backpressure (video only; audio and control are never
// dropped).
type Adapter interface {
	Kind() Kind
	Attach(ctx context.Context, ch protocol.Channel, creds Credentials) error
	Send(ctx context.Context, ch protocol.Channel, pkt []byte) error
	OnMessage(ch protocol.Channel, fn MessageHandler)
	Close() error
}
