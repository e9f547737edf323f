// Package fec implements the forward-error-correction layer: a systematic
// erasure code over blocks of source symbols, producing repair symbols on the
// publish side and reconstructing missing source data from any sufficient
// subset of symbols on the subscribe side.
package fec

import "fmt"

const (
	// DefaultSymbolSize keeps one symbol per transport message comfortably
	// under typical datagram/SCTP message limits.
	DefaultSymbolSize = 1200

	// SymbolAlignment is the byte alignment of symbol boundaries.
	SymbolAlignment = 4

	// maxTotalSymbols bounds source+repair symbols per block (GF(2^8) codec).
	maxTotalSymbols = 256

	// lengthPrefixSize is the u32 original-length prefix stored inside each
	// block's source data, letting the decoder strip block padding.
	lengthPrefixSize = 4
)

// Parameters is the out-of-band encoder configuration, sent once per encoder
// session as a config message before the first block. The field set matches
// the RaptorQ-style parameter block the wire format defines.
type Parameters struct {
	TransferLength uint64 `json:"transferLength"`
	SymbolSize     uint16 `json:"symbolSize"`
	SourceBlocks   uint8  `json:"sourceBlocks"`
	SubBlocks      uint16 `json:"subBlocks"`
	Alignment      uint8  `json:"alignment"`
}

// Configure derives encoder parameters for a session whose largest encoded
// chunk is chunkSize bytes. Every block carries TransferLength bytes of
// source data (length prefix + chunk + padding), split into fixed-size
// symbols.
func Configure(chunkSize int) Parameters {
	if chunkSize < 1 {
		chunkSize = 1
	}
	symbolSize := DefaultSymbolSize
	total := chunkSize + lengthPrefixSize

	// Grow the symbol size when the chunk would need more symbols than the
	// codec supports.
	for (total+symbolSize-1)/symbolSize > maxTotalSymbols/2 {
		symbolSize *= 2
	}

	k := (total + symbolSize - 1) / symbolSize
	return Parameters{
		TransferLength: uint64(k * symbolSize),
		SymbolSize:     uint16(symbolSize),
		SourceBlocks:   1,
		SubBlocks:      1,
		Alignment:      SymbolAlignment,
	}
}

// SourceSymbols returns K, the number of source symbols per block.
func (p Parameters) SourceSymbols() int {
	if p.SymbolSize == 0 {
		return 0
	}
	return int((p.TransferLength + uint64(p.SymbolSize) - 1) / uint64(p.SymbolSize))
}

// Validate checks the parameter block for internal consistency.
func (p Parameters) Validate() error {
	if p.SymbolSize == 0 {
		return fmt.Errorf("fec: symbol size is zero")
	}
	if p.TransferLength == 0 {
		return fmt.Errorf("fec: transfer length is zero")
	}
	k := p.SourceSymbols()
	if k < 1 || k > maxTotalSymbols-1 {
		return fmt.Errorf("fec: %d source symbols out of range [1,%d]", k, maxTotalSymbols-1)
	}
	if p.SourceBlocks != 1 || p.SubBlocks != 1 {
		return fmt.Errorf("fec: unsupported block layout %d/%d", p.SourceBlocks, p.SubBlocks)
	}
	return nil
}

// RepairSymbols returns R for a redundancy ratio, at least one repair symbol
// and capped so K+R fits the codec.
func (p Parameters) RepairSymbols(redundancy float64) int {
	k := p.SourceSymbols()
	r := int(float64(k)*redundancy + 0.999)
	if r < 1 {
		r = 1
	}
	if k+r > maxTotalSymbols {
		r = maxTotalSymbols - k
	}
	return r
}
