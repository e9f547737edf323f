package codec

import (
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit types used by the format shim.
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// DetectBoxFormat probes the first four bytes of an encoded video payload to
// decide between start-code-delimited (Annex B) and length-prefixed (AVCC)
// NAL framing. Payloads shorter than four bytes default to AVCC, since a
// valid Annex B unit always begins with a start code.
func DetectBoxFormat(data []byte) BoxFormat {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 {
		if data[2] == 1 || (data[2] == 0 && data[3] == 1) {
			return BoxAnnexB
		}
	}
	return BoxAVCC
}

// AVCCToAnnexB rewrites a length-prefixed payload as start-code-delimited.
// Each NAL unit's 4-byte big-endian length prefix is replaced by a 4-byte
// start code.
func AVCCToAnnexB(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("codec: truncated NAL length prefix (%d bytes)", len(data))
		}
		length := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < length {
			return nil, fmt.Errorf("codec: NAL length %d exceeds remaining %d bytes", length, len(data))
		}
		out = append(out, startCode...)
		out = append(out, data[:length]...)
		data = data[length:]
	}
	return out, nil
}

// nalUnits iterates the NAL units of an Annex B payload, yielding each unit
// without its start code.
func nalUnits(annexb []byte, fn func(nal []byte)) {
	start := -1
	i := 0
	for i+2 < len(annexb) {
		if annexb[i] == 0 && annexb[i+1] == 0 && (annexb[i+2] == 1 || (i+3 < len(annexb) && annexb[i+2] == 0 && annexb[i+3] == 1)) {
			if start >= 0 {
				fn(annexb[start:i])
			}
			if annexb[i+2] == 1 {
				i += 3
			} else {
				i += 4
			}
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(annexb) {
		fn(annexb[start:])
	}
}

// nalType returns the H.264 NAL unit type of a unit without start code.
func nalType(nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// parameterSetCache remembers the most recent SPS and PPS seen either in a
// decoder description or inline in the stream, so the shim can re-inject
// them ahead of keyframes that arrive bare. The software decoder cannot
// start a GOP without them.
type parameterSetCache struct {
	sps []byte
	pps []byte
}

// observe scans an Annex B payload and caches any parameter sets it carries.
func (c *parameterSetCache) observe(annexb []byte) {
	nalUnits(annexb, func(nal []byte) {
		switch nalType(nal) {
		case nalTypeSPS:
			c.sps = append([]byte(nil), nal...)
		case nalTypePPS:
			c.pps = append([]byte(nil), nal...)
		}
	})
}

// hasParameterSets reports whether the payload already carries an SPS.
func hasParameterSets(annexb []byte) bool {
	found := false
	nalUnits(annexb, func(nal []byte) {
		if nalType(nal) == nalTypeSPS {
			found = true
		}
	})
	return found
}

// isIDR reports whether the payload contains an IDR slice.
func isIDR(annexb []byte) bool {
	found := false
	nalUnits(annexb, func(nal []byte) {
		if nalType(nal) == nalTypeIDR {
			found = true
		}
	})
	return found
}

// inject prepends the cached SPS and PPS to the payload. Returns the payload
// unchanged when the cache is empty.
func (c *parameterSetCache) inject(annexb []byte) []byte {
	if c.sps == nil || c.pps == nil {
		return annexb
	}
	out := make([]byte, 0, 8+len(c.sps)+len(c.pps)+len(annexb))
	out = append(out, startCode...)
	out = append(out, c.sps...)
	out = append(out, startCode...)
	out = append(out, c.pps...)
	out = append(out, annexb...)
	return out
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord
// (ISO 14496-15 §5.2.4.1.1) from raw SPS and PPS NAL data (without start
// codes). The SPS must include the NAL header byte (0x67).
func BuildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}

// ParseAVCDecoderConfig extracts the first SPS and PPS from an
// AVCDecoderConfigurationRecord, seeding the parameter-set cache from a
// received StreamConfig description.
func ParseAVCDecoderConfig(desc []byte) (sps, pps []byte, err error) {
	if len(desc) < 7 || desc[0] != 1 {
		return nil, nil, fmt.Errorf("codec: invalid decoder configuration record")
	}

	pos := 5
	numSPS := int(desc[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		if pos+2 > len(desc) {
			return nil, nil, fmt.Errorf("codec: truncated SPS length")
		}
		n := int(binary.BigEndian.Uint16(desc[pos : pos+2]))
		pos += 2
		if pos+n > len(desc) {
			return nil, nil, fmt.Errorf("codec: truncated SPS data")
		}
		if sps == nil {
			sps = append([]byte(nil), desc[pos:pos+n]...)
		}
		pos += n
	}

	if pos >= len(desc) {
		return nil, nil, fmt.Errorf("codec: missing PPS count")
	}
	numPPS := int(desc[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		if pos+2 > len(desc) {
			return nil, nil, fmt.Errorf("codec: truncated PPS length")
		}
		n := int(binary.BigEndian.Uint16(desc[pos : pos+2]))
		pos += 2
		if pos+n > len(desc) {
			return nil, nil, fmt.Errorf("codec: truncated PPS data")
		}
		if pps == nil {
			pps = append([]byte(nil), desc[pos:pos+n]...)
		}
		pos += n
	}

	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("codec: decoder configuration record missing parameter sets")
	}
	return sps, pps, nil
}
