// Package command implements the control-plane sub-protocol: JSON command
// objects framed like data packets, carried over the meeting_control channel
// or a media channel's own transport.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/fec"
)

// Type identifies a command. Commands are idempotent by design: resuming an
// already-resumed channel is a no-op on the receiving side.
type Type string

const (
	TypeInitChannelStream Type = "init_channel_stream"
	TypeStartStream       Type = "start_stream"
	TypeStopStream        Type = "stop_stream"
	TypePauseStream       Type = "pause_stream"
	TypeResumeStream      Type = "resume_stream"
	TypePublisherState    Type = "publisher_state"
	TypePing              Type = "ping"
	TypeStreamConfig      Type = "stream_config"
	TypeFECConfig         Type = "fec_config"
)

// Message is the wire shape of every command: a type tag plus an optional
// type-specific payload. There is no sequencing beyond transport ordering.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InitChannelStream negotiates one logical channel before media flows.
type InitChannelStream struct {
	Channel string `json:"channel"`
	Quality string `json:"quality,omitempty"`
	Audio   bool   `json:"audio"`
	Video   bool   `json:"video"`
}

// PublisherState reports the publisher's capabilities and enabled flags.
type PublisherState struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	HardwareVideo bool `json:"hardwareVideo"`
	FECEnabled    bool `json:"fecEnabled"`
}

// StreamConfig describes the encoder output for one channel. It is sent once
// before the first media packet and again whenever the encoder reconfigures.
type StreamConfig struct {
	Codec       string  `json:"codec"`
	CodedWidth  int     `json:"codedWidth,omitempty"`
	CodedHeight int     `json:"codedHeight,omitempty"`
	FrameRate   float64 `json:"frameRate,omitempty"`
	SampleRate  int     `json:"sampleRate,omitempty"`
	Channels    int     `json:"numberOfChannels,omitempty"`
	Description []byte  `json:"description,omitempty"` // decoder config record, base64 in JSON
}

// FECConfig announces the erasure-code layout for one channel's media, sent
// once per encoder session before the first block. The parameter block alone
// does not pin down the repair count, so it travels alongside.
type FECConfig struct {
	fec.Parameters
	RepairSymbols int `json:"repairSymbols"`
}

// Encode marshals a command with its payload into the JSON wire form.
func Encode(t Type, data any) ([]byte, error) {
	msg := Message{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", t, err)
		}
		msg.Data = raw
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return out, nil
}

// Decode parses a JSON command message. The Data field stays raw; callers
// unmarshal it into the payload type implied by Type.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("parse command: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("command missing type")
	}
	return msg, nil
}

// DecodeData unmarshals a command's payload into out.
func DecodeData(msg Message, out any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s command has no data", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("parse %s data: %w", msg.Type, err)
	}
	return nil
}
