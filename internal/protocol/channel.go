// Package protocol defines the logical channel model and the binary packet
// format shared by every transport backend: the 9-byte media header, the
// length-delimited stream framing, and the media-vs-command classifier.
package protocol

// Channel is a named, role-stable media or control stream. The name is
// independent of the transport carrying it; data-channel negotiation maps
// each name to a fixed small integer ID per role.
type Channel string

const (
	ChannelMeetingControl   Channel = "meeting_control"
	ChannelMic48k           Channel = "mic_48k"
	ChannelVideo360p        Channel = "video_360p"
	ChannelVideo720p        Channel = "video_720p"
	ChannelVideo1080p       Channel = "video_1080p"
	ChannelScreenShare720p  Channel = "screen_share_720p"
	ChannelScreenShare1080p Channel = "screen_share_1080p"
	ChannelScreenShareAudio Channel = "screen_share_audio"
)

// Role selects which channel-ID table applies: a camera publisher and a
// screen-share publisher negotiate different channel sets.
type Role int

const (
	RoleCamera Role = iota
	RoleScreenShare
)

func (r Role) String() string {
	switch r {
	case RoleCamera:
		return "camera"
	case RoleScreenShare:
		return "screen_share"
	default:
		return "unknown"
	}
}

// Channel ID tables for data-channel negotiation. The mapping is fixed per
// role and must match the receiving peer's table exactly; IDs are used as
// pre-negotiated SCTP stream identifiers.
var cameraChannelIDs = map[Channel]uint16{
	ChannelMeetingControl: 0,
	ChannelMic48k:         1,
	ChannelVideo360p:      2,
	ChannelVideo720p:      3,
	ChannelVideo1080p:     4,
}

var screenShareChannelIDs = map[Channel]uint16{
	ChannelMeetingControl:   0,
	ChannelScreenShareAudio: 1,
	ChannelScreenShare720p:  2,
	ChannelScreenShare1080p: 3,
}

// ID returns the negotiated small-integer identifier for the channel under
// the given role. ok is false when the channel does not exist for that role.
func (c Channel) ID(role Role) (id uint16, ok bool) {
	switch role {
	case RoleCamera:
		id, ok = cameraChannelIDs[c]
	case RoleScreenShare:
		id, ok = screenShareChannelIDs[c]
	}
	return id, ok
}

// ChannelFromID is the inverse of Channel.ID for the given role.
func ChannelFromID(role Role, id uint16) (Channel, bool) {
	var table map[Channel]uint16
	switch role {
	case RoleCamera:
		table = cameraChannelIDs
	case RoleScreenShare:
		table = screenShareChannelIDs
	default:
		return "", false
	}
	for ch, chID := range table {
		if chID == id {
			return ch, true
		}
	}
	return "", false
}

// Channels returns every channel defined for the role, control channel first.
func Channels(role Role) []Channel {
	switch role {
	case RoleCamera:
		return []Channel{
			ChannelMeetingControl, ChannelMic48k,
			ChannelVideo360p, ChannelVideo720p, ChannelVideo1080p,
		}
	case RoleScreenShare:
		return []Channel{
			ChannelMeetingControl, ChannelScreenShareAudio,
			ChannelScreenShare720p, ChannelScreenShare1080p,
		}
	default:
		return nil
	}
}

// IsControl reports whether the channel carries control-plane traffic.
func (c Channel) IsControl() bool { return c == ChannelMeetingControl }

// IsAudio reports whether the channel carries audio media.
func (c Channel) IsAudio() bool {
	return c == ChannelMic48k || c == ChannelScreenShareAudio
}

// IsVideo reports whether the channel carries video media.
func (c Channel) IsVideo() bool {
	switch c {
	case ChannelVideo360p, ChannelVideo720p, ChannelVideo1080p,
		ChannelScreenShare720p, ChannelScreenShare1080p:
		return true
	}
	return false
}

// Valid reports whether c is one of the defined channels.
func (c Channel) Valid() bool {
	return c.IsControl() || c.IsAudio() || c.IsVideo()
}
