package fec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Op selects what a worker request does.
type Op int

const (
	// OpConfigure creates (or replaces) the block decoder for a stream key.
	OpConfigure Op = iota
	// OpEncode builds an FEC block from a source chunk.
	OpEncode
	// OpDecode submits one received symbol to a stream's block decoder.
	OpDecode
)

// Request is one unit of work for the FEC worker. ID is caller-chosen and
// echoed on the matching Result; StreamKey namespaces decoder state so one
// worker serves many channels without leaking state between them.
type Request struct {
	ID        string
	Op        Op
	StreamKey string

	// OpConfigure.
	Params Parameters
	Repair int

	// OpEncode.
	Chunk      []byte
	Redundancy float64

	// OpDecode.
	Seq    uint32
	Symbol []byte
}

// Result carries the asynchronous reply for one Request, correlated by ID.
type Result struct {
	ID        string
	StreamKey string
	Block     *Block // OpEncode
	Chunk     []byte // OpDecode, non-nil at most once per block
	Err       error
}

// NewRequestID returns a fresh correlation ID for callers that do not bring
// their own.
func NewRequestID() string { return uuid.NewString() }

// Worker runs FEC encode/decode off the pipeline goroutines. Requests are
// enqueued without blocking on the erasure-code compute; replies arrive on
// Results in completion order, correlated by request ID.
type Worker struct {
	log      *slog.Logger
	engine   *Engine
	requests chan Request
	results  chan Result
}

// NewWorker creates a Worker with its own Engine. If log is nil,
// slog.Default() is used.
func NewWorker(log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		log:      log.With("component", "fec-worker"),
		engine:   NewEngine(),
		requests: make(chan Request, 256),
		results:  make(chan Result, 256),
	}
}

// Results is the reply stream. It is closed when Run returns.
func (w *Worker) Results() <-chan Result { return w.results }

// Enqueue submits a request, blocking only when the request queue is full.
func (w *Worker) Enqueue(ctx context.Context, req Request) error {
	select {
	case w.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes requests until ctx is cancelled. Decoder state for every
// stream key lives entirely inside this goroutine; no locking is needed.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.results)

	decoders := make(map[string]*BlockDecoder)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-w.requests:
			res := w.handle(decoders, req)
			select {
			case w.results <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) handle(decoders map[string]*BlockDecoder, req Request) Result {
	res := Result{ID: req.ID, StreamKey: req.StreamKey}

	switch req.Op {
	case OpConfigure:
		dec, err := NewBlockDecoder(w.engine, req.Params, req.Repair)
		if err != nil {
			res.Err = err
			return res
		}
		decoders[req.StreamKey] = dec
		w.log.Debug("decoder configured",
			"stream", req.StreamKey,
			"sourceSymbols", req.Params.SourceSymbols(),
			"repairSymbols", req.Repair,
		)

	case OpEncode:
		res.Block, res.Err = w.engine.Encode(req.Params, req.Chunk, req.Redundancy)

	case OpDecode:
		dec := decoders[req.StreamKey]
		if dec == nil {
			res.Err = fmt.Errorf("fec: no decoder configured for stream %q", req.StreamKey)
			return res
		}
		res.Chunk, res.Err = dec.Submit(req.Seq, req.Symbol)

	default:
		res.Err = fmt.Errorf("fec: unknown op %d", req.Op)
	}
	return res
}
