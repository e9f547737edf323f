package codec

import "fmt"

// annexBShim adapts a decoder that only accepts start-code-delimited input.
// Hardware encoders commonly emit length-prefixed (AVCC) payloads and strip
// parameter sets into the decoder description; the shim converts the framing
// and re-injects cached SPS/PPS ahead of every keyframe that does not
// already carry them. This is a deliberate compatibility layer: the two
// paths are not interchangeable without it.
type annexBShim struct {
	inner Decoder
	cache parameterSetCache
}

func newAnnexBShim(inner Decoder) Decoder {
	return &annexBShim{inner: inner}
}

func (s *annexBShim) Configure(cfg DecoderConfig) error {
	if len(cfg.Description) > 0 {
		sps, pps, err := ParseAVCDecoderConfig(cfg.Description)
		if err != nil {
			return fmt.Errorf("codec: shim: %w", err)
		}
		s.cache.sps = sps
		s.cache.pps = pps
	}
	return s.inner.Configure(cfg)
}

func (s *annexBShim) Decode(chunk Chunk) error {
	data := chunk.Data
	if DetectBoxFormat(data) == BoxAVCC {
		converted, err := AVCCToAnnexB(data)
		if err != nil {
			return err
		}
		data = converted
	}

	s.cache.observe(data)

	if chunk.Type == ChunkKey && !hasParameterSets(data) {
		data = s.cache.inject(data)
	}

	chunk.Data = data
	return s.inner.Decode(chunk)
}

func (s *annexBShim) Flush() error { return s.inner.Flush() }
func (s *annexBShim) Close() error { return s.inner.Close() }
func (s *annexBShim) State() State { return s.inner.State() }
