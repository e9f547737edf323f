package fec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// Engine owns the erasure-code instances. One Engine is shared by every
// channel created within the same worker context; codecs are cached by
// (source, repair) shape and are safe for concurrent use, while per-channel
// block state lives in BlockDecoder values the channels own individually.
type Engine struct {
	mu     sync.Mutex
	codecs map[codecKey]reedsolomon.Encoder
}

type codecKey struct {
	k, r int
}

// NewEngine creates an Engine with an empty codec cache.
func NewEngine() *Engine {
	return &Engine{codecs: make(map[codecKey]reedsolomon.Encoder)}
}

func (e *Engine) codec(k, r int) (reedsolomon.Encoder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := codecKey{k, r}
	if enc, ok := e.codecs[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: create codec k=%d r=%d: %w", k, r, err)
	}
	e.codecs[key] = enc
	return enc, nil
}

// Block is one encoded FEC block: K source symbols followed by R repair
// symbols, all SymbolSize bytes. Symbol i of block b is transmitted with
// sequence number b*(K+R)+i, which is how the decoder locates it.
type Block struct {
	Params Parameters
	K      int
	R      int
	// Symbols holds the K source symbols followed by the R repair symbols.
	Symbols [][]byte
}

// Encode builds one FEC block from an encoded media chunk. Redundancy is the
// repair ratio for this call; callers choose it from observed or expected
// loss, it is not a session constant. The chunk must fit the configured
// transfer length (minus the internal length prefix).
func (e *Engine) Encode(p Parameters, chunk []byte, redundancy float64) (*Block, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	padded := int(p.TransferLength)
	if len(chunk)+lengthPrefixSize > padded {
		return nil, fmt.Errorf("fec: chunk of %d bytes exceeds transfer length %d", len(chunk), padded)
	}

	k := p.SourceSymbols()
	r := p.RepairSymbols(redundancy)
	enc, err := e.codec(k, r)
	if err != nil {
		return nil, err
	}

	symbolSize := int(p.SymbolSize)
	shards := make([][]byte, k+r)
	for i := range shards {
		shards[i] = make([]byte, symbolSize)
	}

	// Source data: [u32 original length][chunk][zero padding].
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(chunk)))
	writeSymbols(shards[:k], symbolSize, prefix[:], chunk)

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode block: %w", err)
	}

	return &Block{Params: p, K: k, R: r, Symbols: shards}, nil
}

// writeSymbols scatters the concatenation of the given byte slices across
// the source shards, leaving the remainder zero.
func writeSymbols(shards [][]byte, symbolSize int, parts ...[]byte) {
	shard, off := 0, 0
	for _, part := range parts {
		for len(part) > 0 {
			n := copy(shards[shard][off:], part)
			part = part[n:]
			off += n
			if off == symbolSize {
				shard++
				off = 0
			}
		}
	}
}
