// Package media defines the raw frame types that cross the pipeline
// boundary: captured frames entering the publisher and decoded frames
// leaving the subscriber.
package media

// Queue depths used by the publisher (producer) and subscriber (consumer) to
// decouple capture/decode from transport I/O. Sized to absorb jitter without
// excessive memory: ~2 seconds of video, ~2.5s of audio.
const (
	VideoQueueDepth = 60
	AudioQueueDepth = 120
)

// Kind distinguishes the two media kinds moving through the pipelines.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// PixelFormat identifies the layout of raw video data.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota // planar YUV 4:2:0, the software decoder's output
	PixelFormatNV12                    // semi-planar, typical hardware decoder output
	PixelFormatRGBA
)

// Frame is one raw media unit at the capture or render boundary. Video and
// audio share the struct: Kind selects which fields are meaningful, matching
// the shape the capture source hands over.
type Frame struct {
	Kind        Kind
	TimestampMs uint32
	Data        []byte

	// Video fields.
	Width       int
	Height      int
	PixelFormat PixelFormat

	// Audio fields. Data holds planar f32 samples on the software path.
	SampleRate int
	Channels   int
}
