package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RunAndWait(t *testing.T) {
	m, err := NewManager(context.Background(), DefaultConfig())
	require.NoError(t, err)
	defer m.Close(context.Background())

	assert.Equal(t, ModeNone, m.Mode())

	var chunks []Chunk
	result, err := m.RunAndWait(context.Background(), Request{
		Command: "echo",
		Args:    []string{"streamed"},
	}, func(c Chunk) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "streamed\n", string(result.Stdout))
	require.NotEmpty(t, chunks)
	assert.Equal(t, StreamStdout, chunks[0].Stream)
}

func TestManager_SerializesExecutions(t *testing.T) {
	m, err := NewManager(context.Background(), DefaultConfig())
	require.NoError(t, err)
	defer m.Close(context.Background())

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			exe, err := m.Run(context.Background(), Request{
				Command: "sh",
				Args:    []string{"-c", "sleep 0.05"},
			})
			if err != nil {
				return
			}

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			_, _ = exe.Wait()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	// The boundary is exclusive: one live execution at a time.
	assert.Equal(t, 1, maxActive)
}

func TestManager_InvalidConfigIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "jail"

	_, err := NewManager(context.Background(), cfg)
	assert.Error(t, err)
}

func TestManager_RunErrorReleasesBoundary(t *testing.T) {
	m, err := NewManager(context.Background(), DefaultConfig())
	require.NoError(t, err)
	defer m.Close(context.Background())

	_, err = m.Run(context.Background(), Request{Command: ""})
	require.Error(t, err)

	// A failed launch must not leave the boundary held.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.RunAndWait(context.Background(), Request{Command: "true"}, nil)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("boundary still held after failed launch")
	}
}
