package transport

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr := New(Config{Dir: t.TempDir(), Prefix: "blackbox", PollInterval: time.Millisecond})
	require.NoError(t, tr.Initialize())
	return tr
}

// respond writes a response envelope matching id to the service's out path.
func respond(t *testing.T, tr *Transport, service string, id uint64, result map[string]any, errMsg string) {
	t.Helper()
	env := map[string]any{"id": id}
	if errMsg != "" {
		env["error"] = errMsg
	} else {
		env["result"] = result
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tr.paths[service].out, data, 0o644))
}

func TestInitializeIsIdempotent(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Initialize())

	for _, p := range tr.paths {
		for _, path := range []string{p.in, p.out} {
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Empty(t, data)
		}
	}
}

func TestCallWritesRequestAndMatchesResponse(t *testing.T) {
	tr := newTestTransport(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			raw, err := os.ReadFile(tr.paths[ServiceASR].in)
			if err == nil && len(raw) > 0 {
				var req request
				if json.Unmarshal(raw, &req) == nil {
					respond(t, tr, ServiceASR, req.ID, map[string]any{"text": "hello"}, "")
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := tr.Call(ctx, ServiceASR, "transcribe", map[string]any{"audio_data": "x"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["text"])
	<-done
}

func TestMismatchedIDIsIgnored(t *testing.T) {
	tr := newTestTransport(t)

	go func() {
		time.Sleep(5 * time.Millisecond)
		respond(t, tr, ServiceASR, 9999, map[string]any{"text": "wrong"}, "")
		time.Sleep(10 * time.Millisecond)
		respond(t, tr, ServiceASR, 1, map[string]any{"text": "right"}, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := tr.Call(ctx, ServiceASR, "transcribe", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "right", result["text"])
}

func TestWorkerErrorSurfaces(t *testing.T) {
	tr := newTestTransport(t)

	go func() {
		time.Sleep(2 * time.Millisecond)
		respond(t, tr, ServiceLLM, 1, nil, "model not loaded")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Call(ctx, ServiceLLM, "generate", map[string]any{})
	require.Error(t, err)
	var werr *WorkerError
	assert.ErrorAs(t, err, &werr)
}

func TestTimeoutWhenWorkerNeverResponds(t *testing.T) {
	tr := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Call(ctx, ServiceTTS, "synthesize", map[string]any{})
	elapsed := time.Since(start)

	require.Error(t, err)
	var terr *TimeoutError
	assert.ErrorAs(t, err, &terr)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestRequestIDsAreUniqueAndMonotonic(t *testing.T) {
	tr := newTestTransport(t)

	var wg sync.WaitGroup
	seen := make(chan uint64, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- tr.requestID.Add(1)
		}()
	}
	wg.Wait()
	close(seen)

	ids := make(map[uint64]bool)
	for id := range seen {
		assert.False(t, ids[id], "duplicate request id")
		ids[id] = true
	}
	assert.Len(t, ids, 10)
	for i := uint64(1); i <= 10; i++ {
		assert.True(t, ids[i], "ids must be handed out consecutively from 1")
	}
}

func TestPerServiceSerialization(t *testing.T) {
	tr := newTestTransport(t)

	var mu sync.Mutex
	overlap := false
	active := false

	respondLoop := func() {
		for i := 0; i < 500; i++ {
			raw, err := os.ReadFile(tr.paths[ServiceASR].in)
			if err == nil && len(raw) > 0 {
				var req request
				if json.Unmarshal(raw, &req) == nil {
					mu.Lock()
					if active {
						overlap = true
					}
					active = true
					mu.Unlock()

					time.Sleep(2 * time.Millisecond)
					respond(t, tr, ServiceASR, req.ID, map[string]any{"ok": true}, "")

					mu.Lock()
					active = false
					mu.Unlock()
				}
			}
			time.Sleep(time.Millisecond)
		}
	}
	go respondLoop()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = tr.Call(ctx, ServiceASR, "transcribe", map[string]any{})
		}()
	}
	wg.Wait()

	assert.False(t, overlap, "two calls to the same service overlapped")
}
