package fec

import (
	"encoding/binary"
	"fmt"
)

// blockWindow bounds the number of in-flight blocks held per decoder. A block
// that falls behind the window before gathering K symbols is abandoned: the
// stream continues with a gap and keyframe gating resynchronizes the decoder.
const blockWindow = 32

// BlockDecoder reassembles source chunks for one channel from an interleaved,
// possibly gappy symbol stream. Symbols may arrive in any order; a block
// decodes once at least K of its K+R symbols are held, and each block's chunk
// is emitted at most once regardless of duplicate or late symbols.
//
// BlockDecoder is not safe for concurrent use; each channel owns one and
// feeds it from a single goroutine (the FEC worker).
type BlockDecoder struct {
	engine *Engine
	params Parameters
	k, r   int

	blocks   map[uint32]*blockState
	emitted  map[uint32]bool
	maxBlock uint32

	abandoned int
}

type blockState struct {
	shards [][]byte
	have   int
}

// NewBlockDecoder creates a decoder for a stream whose encoder announced the
// given parameters and repair count (both from the fec_config message).
func NewBlockDecoder(engine *Engine, params Parameters, repair int) (*BlockDecoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	k := params.SourceSymbols()
	if repair < 1 || k+repair > maxTotalSymbols {
		return nil, fmt.Errorf("fec: repair count %d out of range for k=%d", repair, k)
	}
	return &BlockDecoder{
		engine:  engine,
		params:  params,
		k:       k,
		r:       repair,
		blocks:  make(map[uint32]*blockState),
		emitted: make(map[uint32]bool),
	}, nil
}

// Abandoned returns the number of blocks dropped without reconstruction.
func (d *BlockDecoder) Abandoned() int { return d.abandoned }

// Submit feeds one received symbol, identified by the packet sequence number
// it was transmitted under. It returns the reconstructed source chunk exactly
// once per block, when enough symbols are held; otherwise nil.
func (d *BlockDecoder) Submit(seq uint32, symbol []byte) ([]byte, error) {
	if len(symbol) != int(d.params.SymbolSize) {
		return nil, fmt.Errorf("fec: symbol of %d bytes, expected %d", len(symbol), d.params.SymbolSize)
	}

	stride := uint32(d.k + d.r)
	block := seq / stride
	idx := int(seq % stride)

	if d.emitted[block] {
		return nil, nil // late or duplicate symbol for a decoded block
	}

	bs := d.blocks[block]
	if bs == nil {
		bs = &blockState{shards: make([][]byte, d.k+d.r)}
		d.blocks[block] = bs
		if block > d.maxBlock {
			d.maxBlock = block
		}
		d.prune()
	}

	if bs.shards[idx] == nil {
		bs.shards[idx] = append([]byte(nil), symbol...)
		bs.have++
	}

	if bs.have < d.k {
		return nil, nil
	}

	chunk, err := d.reconstruct(bs)
	delete(d.blocks, block)
	d.emitted[block] = true
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (d *BlockDecoder) reconstruct(bs *blockState) ([]byte, error) {
	enc, err := d.engine.codec(d.k, d.r)
	if err != nil {
		return nil, err
	}
	if err := enc.ReconstructData(bs.shards); err != nil {
		return nil, fmt.Errorf("fec: reconstruct block: %w", err)
	}

	symbolSize := int(d.params.SymbolSize)
	data := make([]byte, 0, d.k*symbolSize)
	for _, shard := range bs.shards[:d.k] {
		data = append(data, shard...)
	}

	length := binary.BigEndian.Uint32(data[:lengthPrefixSize])
	if int(length) > len(data)-lengthPrefixSize {
		return nil, fmt.Errorf("fec: reconstructed length %d exceeds block capacity", length)
	}
	return data[lengthPrefixSize : lengthPrefixSize+int(length)], nil
}

// prune abandons stale blocks that fell behind the window without gathering
// K symbols. emitted entries below the window are dropped alongside; a
// sequence number that far behind can no longer arrive on an ordered
// transport.
func (d *BlockDecoder) prune() {
	if d.maxBlock < blockWindow {
		return
	}
	floor := d.maxBlock - blockWindow
	for b := range d.blocks {
		if b < floor {
			delete(d.blocks, b)
			d.abandoned++
		}
	}
	for b := range d.emitted {
		if b < floor {
			delete(d.emitted, b)
		}
	}
}
