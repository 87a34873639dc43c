package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const chunkSize = 4096

// Execution is one live sandboxed command: a finite, non-restartable
// stream of output chunks plus a terminal result. Cancel the context
// passed to Run to terminate it out-of-band.
type Execution struct {
	chunks chan Chunk
	done   chan struct{}

	result Result
	err    error

	release func()
	once    sync.Once
}

// Output returns the stream of output chunks. The channel is closed
// once both pipes drain.
func (e *Execution) Output() <-chan Chunk {
	return e.chunks
}

// Wait blocks until the command terminates and returns its result.
// Unconsumed output chunks are drained; they still appear in the
// result's accumulated stdout/stderr.
func (e *Execution) Wait() (Result, error) {
	for range e.chunks {
	}
	<-e.done
	e.once.Do(func() {
		if e.release != nil {
			e.release()
		}
	})
	return e.result, e.err
}

// runStreaming starts cmd and wires it into an Execution. On context
// cancellation the process receives SIGTERM, then SIGKILL after the
// grace period.
func runStreaming(ctx context.Context, cmd *exec.Cmd, req Request, killGrace time.Duration) (*Execution, error) {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	exe := &Execution{
		chunks: make(chan Chunk, 16),
		done:   make(chan struct{}),
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, StreamStdout, stdout, &outBuf, exe.chunks)
	go pump(&wg, StreamStderr, stderr, &errBuf, exe.chunks)

	go func() {
		wg.Wait()
		close(exe.chunks)

		waitErr := cmd.Wait()
		exe.result = Result{
			Stdout:   outBuf.Bytes(),
			Stderr:   errBuf.Bytes(),
			Duration: time.Since(start),
		}

		switch {
		case waitErr == nil:
			exe.result.ExitCode = 0
		case ctx.Err() != nil:
			exe.result.ExitCode = -1
			exe.err = ctx.Err()
		default:
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exe.result.ExitCode = exitErr.ExitCode()
			} else {
				exe.result.ExitCode = -1
				exe.err = fmt.Errorf("%w: %v", ErrEnvironmentLost, waitErr)
			}
		}

		close(exe.done)
	}()

	return exe, nil
}

// pump copies one pipe into the chunk stream, accumulating into buf
// for the final result.
func pump(wg *sync.WaitGroup, stream Stream, r io.Reader, buf *bytes.Buffer, out chan<- Chunk) {
	defer wg.Done()

	for {
		chunk := make([]byte, chunkSize)
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			out <- Chunk{Stream: stream, Data: chunk[:n]}
		}
		if err != nil {
			return
		}
	}
}
