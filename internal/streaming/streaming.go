// Package streaming demultiplexes upstream streaming chunks per open
// stream through a fixed worker pool, preserving per-stream chunk order by
// pinning each stream id to a single worker's queue, and enforcing
// backpressure and timeouts, grounded on the teacher's SSE state machine
// generalized out of its per-provider Transform methods.
package streaming

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeffersonwarrior/aimux/internal/providers"
)

var (
	ErrUnknownStream  = errors.New("streaming: unknown stream id")
	ErrStreamTimedOut = errors.New("streaming: stream timed out")
	ErrBackpressure   = errors.New("streaming: backpressure limit exceeded")
)

// Formatter converts one upstream chunk plus accumulator state into
// client-bound bytes, and produces the terminal envelope at end of stream.
// providers.Provider.TransformStream fills this role for the Anthropic
// SSE shape; any transport-specific formatter can implement it.
type Formatter interface {
	TransformStream(chunk []byte, state *providers.StreamState) ([]byte, error)
	Finalize(state *providers.StreamState) ([]byte, error)
}

// Stream is the accumulator state for one open streaming response.
type Stream struct {
	ID         string
	ctx        context.Context
	formatter  Formatter
	state      *providers.StreamState
	startedAt  time.Time
	lastChunk  time.Time
	chunkCount int
	byteCount  int
	finalized  bool
	out        chan []byte
	done       chan struct{}
	mu         sync.Mutex
}

type task struct {
	streamID string
	chunk    []byte
	isFinal  bool
	enqueued time.Time
}

// Config bounds worker-pool size, per-stream/global backpressure
// thresholds and timeouts.
type Config struct {
	Workers             int
	MaxChunksPerStream  int
	MaxActiveStreams    int
	StreamIdleTimeout   time.Duration
	ChunkWaitTimeout    time.Duration
}

// DefaultConfig mirrors SPEC_FULL.md §4.8's defaults.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	} else if workers > 32 {
		workers = 32
	}
	return Config{
		Workers:            workers,
		MaxChunksPerStream: 100000,
		MaxActiveStreams:   1000,
		StreamIdleTimeout:  300 * time.Second,
		ChunkWaitTimeout:   10 * time.Second,
	}
}

// Processor is the worker pool owning every open Stream. Every stream id
// is pinned to exactly one worker's FIFO queue (sharded by hashing the
// stream id), never a shared queue: since ProcessChunk's caller already
// admits chunks for one stream one at a time (single-writer, see
// gateway.Manager.pumpStream), routing them all through the same worker's
// channel means the worker dequeues them in the exact order they were
// enqueued. A shared queue with a per-stream mutex cannot give this
// guarantee, because two workers racing to acquire that mutex for the
// same stream may win it in either order.
type Processor struct {
	cfg Config

	mu      sync.Mutex
	streams map[string]*Stream
	backpressureEvents int

	queues []chan task
}

// NewProcessor builds and starts a Processor with cfg.Workers workers, each
// draining its own shard of the task queue.
func NewProcessor(cfg Config) *Processor {
	workers := max(1, cfg.Workers)
	p := &Processor{
		cfg:     cfg,
		streams: make(map[string]*Stream),
		queues:  make([]chan task, workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan task, 1024/workers+1)
		go p.worker(p.queues[i])
	}
	go p.reaper()
	return p
}

// shardFor deterministically maps a stream id to one of p.queues, so every
// chunk for that stream is always handled by the same worker.
func (p *Processor) shardFor(streamID string) chan task {
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// CreateStream registers a new stream and returns its id.
func (p *Processor) CreateStream(ctx context.Context, formatter Formatter) (string, error) {
	p.mu.Lock()
	if len(p.streams) >= p.cfg.MaxActiveStreams {
		p.mu.Unlock()
		return "", ErrBackpressure
	}
	id := uuid.NewString()
	s := &Stream{
		ID:        id,
		ctx:       ctx,
		formatter: formatter,
		state:     &providers.StreamState{},
		startedAt: time.Now(),
		lastChunk: time.Now(),
		out:       make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	p.streams[id] = s
	p.mu.Unlock()
	return id, nil
}

// ProcessChunk enqueues chunk for stream streamID. It returns false
// (without error) when a backpressure threshold is exceeded, per the
// "future<bool>" contract — the caller must slow down or drop.
func (p *Processor) ProcessChunk(streamID string, chunk []byte, isFinal bool) (bool, error) {
	p.mu.Lock()
	s, ok := p.streams[streamID]
	p.mu.Unlock()
	if !ok {
		return false, ErrUnknownStream
	}

	s.mu.Lock()
	if s.chunkCount >= p.cfg.MaxChunksPerStream {
		s.mu.Unlock()
		p.mu.Lock()
		p.backpressureEvents++
		p.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	select {
	case p.shardFor(streamID) <- task{streamID: streamID, chunk: chunk, isFinal: isFinal, enqueued: time.Now()}:
		return true, nil
	default:
		p.mu.Lock()
		p.backpressureEvents++
		p.mu.Unlock()
		return false, nil
	}
}

func (p *Processor) worker(queue chan task) {
	for t := range queue {
		if time.Since(t.enqueued) > p.cfg.ChunkWaitTimeout {
			p.finalizeWithError(t.streamID, ErrStreamTimedOut)
			continue
		}
		p.handleTask(t)
	}
}

func (p *Processor) handleTask(t task) {
	p.mu.Lock()
	s, ok := p.streams[t.streamID]
	p.mu.Unlock()
	if !ok || s.finalized {
		return
	}

	out, err := s.formatter.TransformStream(t.chunk, s.state)
	s.mu.Lock()
	s.lastChunk = time.Now()
	s.chunkCount++
	s.byteCount += len(t.chunk)
	s.mu.Unlock()

	if err == nil && len(out) > 0 {
		p.deliver(s, out)
	}

	if t.isFinal {
		p.finalize(t.streamID)
	}
}

// deliver sends data to s.out, blocking until the drain side makes room
// rather than dropping it outright, but bounded so a stalled or abandoned
// drain can't wedge the worker forever: it gives up once s.ctx is done or
// ChunkWaitTimeout elapses, matching the per-chunk wait budget §4.8 already
// allots to the waiting side.
func (p *Processor) deliver(s *Stream, data []byte) {
	timer := time.NewTimer(p.cfg.ChunkWaitTimeout)
	defer timer.Stop()
	select {
	case s.out <- data:
	case <-s.ctx.Done():
	case <-timer.C:
	}
}

func (p *Processor) finalize(streamID string) {
	p.mu.Lock()
	s, ok := p.streams[streamID]
	p.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.mu.Unlock()

	if envelope, err := s.formatter.Finalize(s.state); err == nil && len(envelope) > 0 {
		p.deliver(s, envelope)
	}
	close(s.done)
}

func (p *Processor) finalizeWithError(streamID string, _ error) {
	p.finalize(streamID)
}

// GetResult blocks until streamID finalizes (or ctx/timeout elapses),
// returning the accumulated output chunks.
func (p *Processor) GetResult(ctx context.Context, streamID string, timeout time.Duration) ([][]byte, error) {
	p.mu.Lock()
	s, ok := p.streams[streamID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrUnknownStream
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var chunks [][]byte
	for {
		select {
		case c, open := <-s.out:
			if open {
				chunks = append(chunks, c)
			}
		case <-s.done:
			drain := true
			for drain {
				select {
				case c := <-s.out:
					chunks = append(chunks, c)
				default:
					drain = false
				}
			}
			return chunks, nil
		case <-ctx.Done():
			return chunks, ctx.Err()
		case <-deadline.C:
			return chunks, ErrStreamTimedOut
		}
	}
}

// Drain returns the raw output and completion channels for streamID, for a
// caller that wants to forward transformed bytes to its own client as they
// arrive rather than block until the stream finalizes via GetResult.
func (p *Processor) Drain(streamID string) (<-chan []byte, <-chan struct{}, error) {
	p.mu.Lock()
	s, ok := p.streams[streamID]
	p.mu.Unlock()
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	return s.out, s.done, nil
}

// Cancel finalizes streamID immediately without invoking the normal
// is_final path, and evicts it from the registry.
func (p *Processor) Cancel(streamID string) bool {
	p.mu.Lock()
	s, ok := p.streams[streamID]
	if ok {
		delete(p.streams, streamID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	already := s.finalized
	s.finalized = true
	s.mu.Unlock()
	if !already {
		close(s.done)
	}
	return true
}

// reaper evicts streams idle past StreamIdleTimeout.
func (p *Processor) reaper() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		var stale []string
		for id, s := range p.streams {
			s.mu.Lock()
			idle := time.Since(s.lastChunk) > p.cfg.StreamIdleTimeout
			s.mu.Unlock()
			if idle {
				stale = append(stale, id)
			}
		}
		p.mu.Unlock()
		for _, id := range stale {
			p.finalize(id)
			p.mu.Lock()
			delete(p.streams, id)
			p.mu.Unlock()
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
