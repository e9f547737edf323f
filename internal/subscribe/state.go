package subscribe

import (
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/codec"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/fec"
	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// Lifecycle is the per-channel decoder state machine. A channel is created
// Unconfigured, becomes Configured when its stream_config arrives, Decoding
// on the first decoded packet, and Closed on teardown. Reconfiguration and
// decode-error recovery recreate the decoder and drop back to Configured.
type Lifecycle int

const (
	LifecycleUnconfigured Lifecycle = iota
	LifecycleConfigured
	LifecycleDecoding
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleUnconfigured:
		return "unconfigured"
	case LifecycleConfigured:
		return "configured"
	case LifecycleDecoding:
		return "decoding"
	case LifecycleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// channelState holds one channel's decoder and its gating flags. All fields
// are guarded by the owning Subscriber's mutex.
type channelState struct {
	channel   protocol.Channel
	lifecycle Lifecycle

	cfg     codec.DecoderConfig
	decoder codec.Decoder

	// keyframeSeen arms forwarding: video deltas decoded before a keyframe
	// are never forwarded. Audio channels are born with the gate open.
	keyframeSeen bool

	// warmup is set after a decode error. Until the next keyframe, deltas
	// are dropped outright instead of decoded, since the fresh decoder has
	// no reference frame to decode them against.
	warmup bool

	fecEnabled bool
	fecParams  fec.Parameters
	fecRepair  int
}
