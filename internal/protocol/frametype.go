package protocol

// FrameType is the one-byte tag in the packet header distinguishing media
// tiers and control payloads. Video key/delta pairs occupy adjacent even/odd
// values per resolution tier, so keyframe-ness is a single parity check.
type FrameType uint8

const (
	FrameConfig FrameType = 0
	FrameEvent  FrameType = 1

	FrameVideo360Key    FrameType = 2
	FrameVideo360Delta  FrameType = 3
	FrameVideo720Key    FrameType = 4
	FrameVideo720Delta  FrameType = 5
	FrameVideo1080Key   FrameType = 6
	FrameVideo1080Delta FrameType = 7
	FrameScreenKey      FrameType = 8
	FrameScreenDelta    FrameType = 9

	FrameAudio FrameType = 10
	FramePing  FrameType = 11
)

func (f FrameType) String() string {
	switch f {
	case FrameConfig:
		return "config"
	case FrameEvent:
		return "event"
	case FrameVideo360Key:
		return "video_360p_key"
	case FrameVideo360Delta:
		return "video_360p_delta"
	case FrameVideo720Key:
		return "video_720p_key"
	case FrameVideo720Delta:
		return "video_720p_delta"
	case FrameVideo1080Key:
		return "video_1080p_key"
	case FrameVideo1080Delta:
		return "video_1080p_delta"
	case FrameScreenKey:
		return "screen_share_key"
	case FrameScreenDelta:
		return "screen_share_delta"
	case FrameAudio:
		return "audio"
	case FramePing:
		return "ping"
	default:
		return "unknown"
	}
}

// IsVideo reports whether the frame type carries video media.
func (f FrameType) IsVideo() bool {
	return f >= FrameVideo360Key && f <= FrameScreenDelta
}

// IsKeyframe reports whether the frame type is a video keyframe. Key/delta
// pairs are adjacent even/odd values, so this is a parity check within the
// video range.
func (f FrameType) IsKeyframe() bool {
	return f.IsVideo() && f&1 == 0
}

// IsDelta reports whether the frame type is a video delta frame.
func (f FrameType) IsDelta() bool {
	return f.IsVideo() && f&1 == 1
}

// VideoFrameTypes returns the (key, delta) frame type pair for a video
// channel. ok is false for non-video channels.
func VideoFrameTypes(c Channel) (key, delta FrameType, ok bool) {
	switch c {
	case ChannelVideo360p:
		return FrameVideo360Key, FrameVideo360Delta, true
	case ChannelVideo720p:
		return FrameVideo720Key, FrameVideo720Delta, true
	case ChannelVideo1080p:
		return FrameVideo1080Key, FrameVideo1080Delta, true
	case ChannelScreenShare720p, ChannelScreenShare1080p:
		return FrameScreenKey, FrameScreenDelta, true
	}
	return 0, 0, false
}

// ChannelForFrameType maps a video frame type back to the camera-role channel
// that carries it. Screen-share tiers share one frame type pair, so the
// 720p screen channel is returned for both.
func ChannelForFrameType(f FrameType) (Channel, bool) {
	switch f {
	case FrameVideo360Key, FrameVideo360Delta:
		return ChannelVideo360p, true
	case FrameVideo720Key, FrameVideo720Delta:
		return ChannelVideo720p, true
	case FrameVideo1080Key, FrameVideo1080Delta:
		return ChannelVideo1080p, true
	case FrameScreenKey, FrameScreenDelta:
		return ChannelScreenShare720p, true
	case FrameAudio:
		return ChannelMic48k, true
	}
	return "", false
}
