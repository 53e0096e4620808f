package workerpool

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lateofrederick/volnux/internal/codec"
)

// WorkerHandle executes one task at a time against a live worker, however
// it is implemented. The real implementation below backs it with an OS
// subprocess; tests back it with an in-process fake.
type WorkerHandle interface {
	Execute(event string, args map[string]any, correlationID string) (*codec.EventResult, error)
	Close() error
}

// Spawner creates a fresh WorkerHandle, one per live worker slot.
type Spawner interface {
	Spawn() (WorkerHandle, error)
}

// SubprocessSpawner spawns real github.com/lateofrederick/volnux/cmd/taskworker
// child processes, matching the original's requirement that workers be
// actual OS processes (so internal/sysmonitor has real per-child CPU/RSS
// to sample) rather than goroutines.
type SubprocessSpawner struct {
	// BinaryPath is the path to the compiled taskworker binary.
	BinaryPath string
	// Args are extra arguments passed to each spawned worker (e.g. the
	// shared secret flag).
	Args []string
	// Secret is the HMAC key used to frame requests/responses to the
	// worker, the same key the ingress transports verify client frames
	// with.
	Secret []byte
}

// Spawn starts the worker binary, retrying a handful of times with
// exponential backoff if the OS fork/exec itself fails (e.g. a transient
// "resource temporarily unavailable" under process-count pressure). A
// worker that starts but then misbehaves is Resize's problem, not this
// retry's.
func (s *SubprocessSpawner) Spawn() (WorkerHandle, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = time.Second

	var worker *subprocessWorker
	spawn := func() error {
		cmd := exec.Command(s.BinaryPath, s.Args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("workerpool: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("workerpool: stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("workerpool: spawn: %w", err)
		}
		worker = &subprocessWorker{
			cmd:    cmd,
			stdin:  stdin,
			stdout: bufio.NewReader(stdout),
			secret: s.Secret,
		}
		return nil
	}

	if err := backoff.Retry(spawn, b); err != nil {
		return nil, err
	}
	return worker, nil
}

type subprocessWorker struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	secret []byte
}

// Execute writes one framed TaskMessage to the subprocess's stdin and
// blocks for one framed EventResult on its stdout, matching the
// read-execute-write loop cmd/taskworker runs.
func (w *subprocessWorker) Execute(event string, args map[string]any, correlationID string) (*codec.EventResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := map[string]any{
		"event":          event,
		"args":           args,
		"correlation_id": correlationID,
	}
	frame, err := codec.Encode(payload, w.secret)
	if err != nil {
		return nil, fmt.Errorf("workerpool: encode request: %w", err)
	}
	if err := writeFrame(w.stdin, frame); err != nil {
		return nil, fmt.Errorf("workerpool: write request: %w", err)
	}

	respFrame, err := readFrame(w.stdout)
	if err != nil {
		return nil, fmt.Errorf("workerpool: read response: %w", err)
	}
	decoded, err := codec.Decode(respFrame, w.secret)
	if err != nil {
		return nil, fmt.Errorf("workerpool: decode response: %w", err)
	}

	result := &codec.EventResult{}
	if status, ok := decoded["status"].(string); ok {
		result.Status = status
	}
	if v, ok := decoded["result"]; ok {
		result.Result = v
	}
	if cid, ok := decoded["correlation_id"].(string); ok {
		result.CorrelationID = cid
	}
	if msg, ok := decoded["message"].(string); ok {
		result.Message = msg
	}
	if code, ok := decoded["code"].(string); ok {
		result.Code = code
	}
	return result, nil
}

// Close closes stdin (signaling the subprocess to exit its read loop) and
// waits for it to terminate.
func (w *subprocessWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.stdin.Close()
	return w.cmd.Wait()
}

// writeFrame/readFrame implement the same 4-byte big-endian length-prefix
// framing the TCP ingress uses, so cmd/taskworker shares one wire format
// with the network-facing transports.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
