package fec

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
)

func testChunk(n int) []byte {
	chunk := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n)))
	rng.Read(chunk)
	return chunk
}

func TestEncodeShape(t *testing.T) {
	t.Parallel()

	chunk := testChunk(5000)
	params := Configure(len(chunk))
	if err := params.Validate(); err != nil {
		t.Fatal(err)
	}

	block, err := NewEngine().Encode(params, chunk, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if block.K != params.SourceSymbols() {
		t.Fatalf("K = %d, want %d", block.K, params.SourceSymbols())
	}
	if block.R < 1 {
		t.Fatalf("R = %d, want >= 1", block.R)
	}
	if len(block.Symbols) != block.K+block.R {
		t.Fatalf("symbols = %d, want %d", len(block.Symbols), block.K+block.R)
	}
	for i, s := range block.Symbols {
		if len(s) != int(params.SymbolSize) {
			t.Fatalf("symbol %d is %d bytes, want %d", i, len(s), params.SymbolSize)
		}
	}
}

// Reconstruction succeeds from any K of the K+R symbols, in any order.
func TestAnyKOfKPlusRReconstructs(t *testing.T) {
	t.Parallel()

	chunk := testChunk(4800)
	params := Configure(len(chunk))
	engine := NewEngine()
	block, err := engine.Encode(params, chunk, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(42))
	total := block.K + block.R

	for trial := 0; trial < 25; trial++ {
		dec, err := NewBlockDecoder(engine, params, block.R)
		if err != nil {
			t.Fatal(err)
		}

		order := rng.Perm(total)[:block.K] // random K-subset, random order
		var got []byte
		for i, idx := range order {
			out, err := dec.Submit(uint32(idx), block.Symbols[idx])
			if err != nil {
				t.Fatalf("trial %d: submit %d: %v", trial, idx, err)
			}
			if i < block.K-1 && out != nil {
				t.Fatalf("trial %d: emitted before K symbols held", trial)
			}
			if out != nil {
				got = out
			}
		}
		if !bytes.Equal(got, chunk) {
			t.Fatalf("trial %d: reconstruction mismatch", trial)
		}
	}
}

func TestFewerThanKNoReconstruction(t *testing.T) {
	t.Parallel()

	chunk := testChunk(3000)
	params := Configure(len(chunk))
	engine := NewEngine()
	block, err := engine.Encode(params, chunk, 1.0)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := NewBlockDecoder(engine, params, block.R)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < block.K-1; i++ {
		out, err := dec.Submit(uint32(i), block.Symbols[i])
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			t.Fatal("reconstructed with fewer than K symbols")
		}
	}
}

func TestAtMostOnceEmission(t *testing.T) {
	t.Parallel()

	chunk := testChunk(2500)
	params := Configure(len(chunk))
	engine := NewEngine()
	block, err := engine.Encode(params, chunk, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := NewBlockDecoder(engine, params, block.R)
	if err != nil {
		t.Fatal(err)
	}

	emissions := 0
	// Deliver every symbol, then every symbol again.
	for pass := 0; pass < 2; pass++ {
		for i, sym := range block.Symbols {
			out, err := dec.Submit(uint32(i), sym)
			if err != nil {
				t.Fatal(err)
			}
			if out != nil {
				emissions++
				if !bytes.Equal(out, chunk) {
					t.Fatal("reconstruction mismatch")
				}
			}
		}
	}
	if emissions != 1 {
		t.Fatalf("emissions = %d, want exactly 1", emissions)
	}
}

func TestInterleavedBlocks(t *testing.T) {
	t.Parallel()

	chunkA := testChunk(2000)
	chunkB := testChunk(2001)
	params := Configure(2100)
	engine := NewEngine()

	blockA, err := engine.Encode(params, chunkA, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	blockB, err := engine.Encode(params, chunkB, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	stride := uint32(blockA.K + blockA.R)
	dec, err := NewBlockDecoder(engine, params, blockA.R)
	if err != nil {
		t.Fatal(err)
	}

	var got [][]byte
	// Alternate symbols from blocks 0 and 1.
	for i := 0; i < len(blockA.Symbols); i++ {
		for _, sub := range []struct {
			seq uint32
			sym []byte
		}{
			{uint32(i), blockA.Symbols[i]},
			{stride + uint32(i), blockB.Symbols[i]},
		} {
			out, err := dec.Submit(sub.seq, sub.sym)
			if err != nil {
				t.Fatal(err)
			}
			if out != nil {
				got = append(got, out)
			}
		}
	}

	if len(got) != 2 {
		t.Fatalf("reconstructed %d chunks, want 2", len(got))
	}
	if !bytes.Equal(got[0], chunkA) || !bytes.Equal(got[1], chunkB) {
		t.Fatal("interleaved reconstruction mismatch")
	}
}

func TestStaleBlockAbandoned(t *testing.T) {
	t.Parallel()

	// Large enough chunk that a block needs several source symbols, so one
	// delivered symbol leaves block 0 incomplete.
	chunk := testChunk(3000)
	params := Configure(len(chunk))
	engine := NewEngine()
	block, err := engine.Encode(params, chunk, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if block.K < 2 {
		t.Fatalf("K = %d, need >= 2 for an incomplete block", block.K)
	}

	dec, err := NewBlockDecoder(engine, params, block.R)
	if err != nil {
		t.Fatal(err)
	}
	stride := uint32(block.K + block.R)

	// One symbol of block 0, then jump far ahead.
	if _, err := dec.Submit(0, block.Symbols[0]); err != nil {
		t.Fatal(err)
	}
	farSeq := stride * (blockWindow + 2)
	if _, err := dec.Submit(farSeq, block.Symbols[0]); err != nil {
		t.Fatal(err)
	}

	if dec.Abandoned() == 0 {
		t.Fatal("stale block not abandoned")
	}
}

func TestEncodeRejectsOversizedChunk(t *testing.T) {
	t.Parallel()
	params := Configure(100)
	if _, err := NewEngine().Encode(params, testChunk(int(params.TransferLength)+1), 0.5); err == nil {
		t.Fatal("accepted chunk larger than transfer length")
	}
}

func TestWorkerCorrelatesByRequestID(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	chunk := testChunk(1500)
	params := Configure(len(chunk))

	encID := NewRequestID()
	if err := w.Enqueue(ctx, Request{ID: encID, Op: OpEncode, Params: params, Chunk: chunk, Redundancy: 0.5}); err != nil {
		t.Fatal(err)
	}
	res := <-w.Results()
	if res.ID != encID {
		t.Fatalf("result ID = %q, want %q", res.ID, encID)
	}
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	block := res.Block

	cfgID := NewRequestID()
	if err := w.Enqueue(ctx, Request{ID: cfgID, Op: OpConfigure, StreamKey: "video_720p", Params: params, Repair: block.R}); err != nil {
		t.Fatal(err)
	}
	if res := <-w.Results(); res.ID != cfgID || res.Err != nil {
		t.Fatalf("configure result = %+v", res)
	}

	// Feed K symbols, skipping one source symbol to force repair use.
	var emitted []byte
	fed := 0
	for i := 1; fed < block.K; i++ {
		id := NewRequestID()
		if err := w.Enqueue(ctx, Request{ID: id, Op: OpDecode, StreamKey: "video_720p", Seq: uint32(i), Symbol: block.Symbols[i]}); err != nil {
			t.Fatal(err)
		}
		res := <-w.Results()
		if res.ID != id || res.Err != nil {
			t.Fatalf("decode result = %+v", res)
		}
		if res.Chunk != nil {
			emitted = res.Chunk
		}
		fed++
	}

	if !bytes.Equal(emitted, chunk) {
		t.Fatal("worker reconstruction mismatch")
	}
}

func TestWorkerDecodeWithoutConfigure(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	if err := w.Enqueue(ctx, Request{ID: "x", Op: OpDecode, StreamKey: "nope", Seq: 0, Symbol: make([]byte, DefaultSymbolSize)}); err != nil {
		t.Fatal(err)
	}
	if res := <-w.Results(); res.Err == nil {
		t.Fatal("decode without configure should error")
	}
}
