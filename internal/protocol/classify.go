package protocol

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// HandshakePrefix begins the plain-text subscribe handshake sent as the first
// message on a newly attached channel.
const HandshakePrefix = "subscribe:"

// MessageClass tags the result of classifying an incoming transport message.
type MessageClass int

const (
	// ClassMedia is a binary media packet with the 9-byte header.
	ClassMedia MessageClass = iota
	// ClassCommand is a UTF-8 JSON command object beginning with '{'.
	ClassCommand
	// ClassHandshake is the plain-text "subscribe:<channel>" bring-up message.
	ClassHandshake
)

func (c MessageClass) String() string {
	switch c {
	case ClassMedia:
		return "media"
	case ClassCommand:
		return "command"
	case ClassHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// Classified is the tagged result of Classify. Exactly one of Command,
// HandshakeChannel, or Media is meaningful, selected by Class.
type Classified struct {
	Class            MessageClass
	Command          []byte  // raw JSON, Class == ClassCommand
	HandshakeChannel Channel // Class == ClassHandshake
	Media            []byte  // raw packet bytes, Class == ClassMedia
}

// Classify decides whether a transport message is a JSON command, a subscribe
// handshake, or binary media. It is the pure form of the try-decode-as-text,
// fallback-to-binary probe: a message is a command only when it is valid
// UTF-8 and its first byte is '{'. The probe is a heuristic, not a proof: a
// media packet whose sequence number starts with 0x7B ('{') and whose
// remaining bytes happen to form valid UTF-8 would be misread as a command.
// Sequence numbers stay far below 0x7B000000 in practice.
func Classify(msg []byte) Classified {
	if len(msg) > 0 && msg[0] == '{' && utf8.Valid(msg) {
		return Classified{Class: ClassCommand, Command: msg}
	}
	if bytes.HasPrefix(msg, []byte(HandshakePrefix)) && utf8.Valid(msg) {
		name := strings.TrimPrefix(string(msg), HandshakePrefix)
		return Classified{Class: ClassHandshake, HandshakeChannel: Channel(name)}
	}
	return Classified{Class: ClassMedia, Media: msg}
}
