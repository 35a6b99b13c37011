package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jeffersonwarrior/aimux/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderRecorder records the order chunks arrive, to verify the
// single-writer-per-stream invariant holds under concurrent ProcessChunk
// calls from multiple goroutines.
type orderRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (f *orderRecorder) TransformStream(chunk []byte, _ *providers.StreamState) ([]byte, error) {
	f.mu.Lock()
	f.seen = append(f.seen, string(chunk))
	f.mu.Unlock()
	return chunk, nil
}

func (f *orderRecorder) Finalize(_ *providers.StreamState) ([]byte, error) {
	return []byte("DONE"), nil
}

func TestProcessor_PreservesPerStreamChunkOrder(t *testing.T) {
	// Every chunk for one stream id is sharded to the same worker queue, so
	// order holds even with several workers running: it is not a side
	// effect of running with a single worker.
	p := NewProcessor(Config{Workers: 4, MaxChunksPerStream: 1000, MaxActiveStreams: 10, StreamIdleTimeout: time.Minute, ChunkWaitTimeout: time.Minute})
	f := &orderRecorder{}
	id, err := p.CreateStream(context.Background(), f)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ok, err := p.ProcessChunk(id, []byte{byte('a' + i)}, i == 19)
		require.NoError(t, err)
		require.True(t, ok)
	}

	chunks, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, []byte("DONE"), chunks[len(chunks)-1], "finalize envelope should be the last chunk")

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i < len(f.seen); i++ {
		assert.LessOrEqual(t, f.seen[i-1], f.seen[i], "chunks must be observed in enqueue order")
	}
}

func TestProcessor_PreservesOrderAcrossConcurrentStreams(t *testing.T) {
	// Several streams fed concurrently on a multi-worker pool must each
	// keep their own enqueue order, even though they interleave on the
	// shared set of worker queues.
	p := NewProcessor(Config{Workers: 4, MaxChunksPerStream: 1000, MaxActiveStreams: 10, StreamIdleTimeout: time.Minute, ChunkWaitTimeout: time.Minute})

	const streams = 6
	const chunksPerStream = 30
	formatters := make([]*orderRecorder, streams)
	ids := make([]string, streams)
	for i := range formatters {
		formatters[i] = &orderRecorder{}
		id, err := p.CreateStream(context.Background(), formatters[i])
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for c := 0; c < chunksPerStream; c++ {
				_, err := p.ProcessChunk(ids[idx], []byte{byte('a' + c)}, c == chunksPerStream-1)
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < streams; i++ {
		_, err := p.GetResult(context.Background(), ids[i], time.Second)
		require.NoError(t, err)

		formatters[i].mu.Lock()
		seen := append([]string(nil), formatters[i].seen...)
		formatters[i].mu.Unlock()
		for j := 1; j < len(seen); j++ {
			assert.LessOrEqual(t, seen[j-1], seen[j], "stream %d must observe chunks in enqueue order", i)
		}
	}
}

func TestProcessor_BackpressureOnMaxChunksPerStream(t *testing.T) {
	p := NewProcessor(Config{Workers: 1, MaxChunksPerStream: 1, MaxActiveStreams: 10, StreamIdleTimeout: time.Minute, ChunkWaitTimeout: time.Minute})
	f := &orderRecorder{}
	id, err := p.CreateStream(context.Background(), f)
	require.NoError(t, err)

	ok, err := p.ProcessChunk(id, []byte("a"), false)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond) // let the worker bump chunkCount

	ok, err = p.ProcessChunk(id, []byte("b"), false)
	require.NoError(t, err)
	assert.False(t, ok, "exceeding MaxChunksPerStream should report backpressure")
}

func TestProcessor_UnknownStreamErrors(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	_, err := p.ProcessChunk("nope", []byte("x"), false)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestProcessor_CancelFinalizesImmediately(t *testing.T) {
	p := NewProcessor(Config{Workers: 2, MaxChunksPerStream: 100, MaxActiveStreams: 10, StreamIdleTimeout: time.Minute, ChunkWaitTimeout: time.Minute})
	f := &orderRecorder{}
	id, err := p.CreateStream(context.Background(), f)
	require.NoError(t, err)

	assert.True(t, p.Cancel(id))
	assert.False(t, p.Cancel(id), "cancelling twice should report the second as a no-op")
}

func TestProcessor_MaxActiveStreamsEnforced(t *testing.T) {
	p := NewProcessor(Config{Workers: 1, MaxChunksPerStream: 10, MaxActiveStreams: 1, StreamIdleTimeout: time.Minute, ChunkWaitTimeout: time.Minute})
	_, err := p.CreateStream(context.Background(), &orderRecorder{})
	require.NoError(t, err)

	_, err = p.CreateStream(context.Background(), &orderRecorder{})
	assert.ErrorIs(t, err, ErrBackpressure)
}
