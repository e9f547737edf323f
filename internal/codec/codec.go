// Package codec is the capability layer over hardware and software media
// codecs. It probes whether a hardware-accelerated implementation is usable,
// falls back to the software implementation when it is not, and hides the
// differences (NAL unit box format, parameter-set handling, raw output
// layout) behind one encode/decode interface per media kind.
package codec

import (
	"errors"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/media"
)

var (
	// ErrNoProvider means no backend is registered for the media kind.
	ErrNoProvider = errors.New("codec: no provider registered")
	// ErrClosed is returned by operations on a closed encoder or decoder.
	ErrClosed = errors.New("codec: closed")
	// ErrUnconfigured is returned when media is submitted before Configure.
	ErrUnconfigured = errors.New("codec: not configured")
)

// State is the lifecycle of an encoder or decoder instance.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChunkType tags encoded output as a keyframe or a delta frame.
type ChunkType int

const (
	ChunkKey ChunkType = iota
	ChunkDelta
)

func (c ChunkType) String() string {
	if c == ChunkKey {
		return "key"
	}
	return "delta"
}

// Chunk is one unit of encoded media, shaped identically on the hardware and
// software paths. DecoderConfig is populated on the first chunk after
// (re)configuration and nil afterwards.
type Chunk struct {
	Type          ChunkType
	TimestampMs   uint32
	Data          []byte
	DecoderConfig []byte // codec-specific decoder description, emitted once
}

// EncoderConfig configures an encoder for one channel.
type EncoderConfig struct {
	Codec string // e.g. "avc1.42001f", "opus", "mp4a.40.2"

	// Video fields.
	Width     int
	Height    int
	FrameRate float64

	// Audio fields.
	SampleRate int
	Channels   int

	BitrateBps int

	// ForceSoftware skips the hardware probe for this instance.
	ForceSoftware bool
}

// DecoderConfig configures a decoder, typically from a received StreamConfig.
type DecoderConfig struct {
	Codec       string
	CodedWidth  int
	CodedHeight int
	SampleRate  int
	Channels    int

	// Description is the codec-specific decoder configuration record
	// (AVCDecoderConfigurationRecord for H.264).
	Description []byte

	ForceSoftware bool
}

// ChunkFunc receives encoded output. Exactly one call per encoded unit.
type ChunkFunc func(Chunk)

// FrameFunc receives decoded output. Exactly one call per decoded unit.
type FrameFunc func(*media.Frame)

// ErrorFunc receives asynchronous codec errors.
type ErrorFunc func(error)

// Encoder turns raw frames into encoded chunks. Implementations deliver
// output through the ChunkFunc injected at construction.
type Encoder interface {
	Configure(cfg EncoderConfig) error
	Encode(frame *media.Frame) error
	Flush() error
	Close() error
	State() State
}

// Decoder turns encoded payloads into raw frames, delivered through the
// FrameFunc injected at construction.
type Decoder interface {
	Configure(cfg DecoderConfig) error
	Decode(chunk Chunk) error
	Flush() error
	Close() error
	State() State
}
