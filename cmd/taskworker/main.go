// Command taskworker is the subprocess entrypoint workerpool.SubprocessSpawner
// forks one of per live worker slot. It reads one framed TaskMessage at a
// time from stdin, resolves the event against the same eventregistry
// construction the server validates against, executes it, and writes back
// one framed EventResult — the real-OS-process analogue of the original
// DynamicProcessPoolExecutor's worker_main loop, kept as an actual child
// process (not a goroutine) so internal/sysmonitor has real per-child
// CPU/RSS to sample.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lateofrederick/volnux/internal/codec"
	"github.com/lateofrederick/volnux/internal/eventregistry"
	"github.com/lateofrederick/volnux/internal/taskevents"
)

func main() {
	secretFlag := flag.String("secret", "", "HMAC key shared with the parent server (required)")
	flag.Parse()

	if *secretFlag == "" {
		fmt.Fprintln(os.Stderr, "taskworker: -secret is required")
		os.Exit(1)
	}
	secret := []byte(*secretFlag)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "taskworker", "pid", os.Getpid())

	events := eventregistry.NewRegistry(func(name, msg string) {
		logger.Warn("event_registration_warning", "event", name, "detail", msg)
	})
	taskevents.RegisterDefaults(events)
	events.SetReady()

	in := bufio.NewReader(os.Stdin)

	for {
		frame, err := readFrame(in)
		if err != nil {
			if err != io.EOF {
				logger.Error("read_request_failed", "error", err)
			}
			return
		}

		response := handleFrame(events, secret, frame, logger)

		respFrame, err := codec.Encode(response, secret)
		if err != nil {
			logger.Error("encode_response_failed", "error", err)
			return
		}
		if err := writeFrame(os.Stdout, respFrame); err != nil {
			logger.Error("write_response_failed", "error", err)
			return
		}
	}
}

func handleFrame(events *eventregistry.Registry, secret []byte, frame []byte, logger *slog.Logger) map[string]any {
	payload, err := codec.Decode(frame, secret)
	if err != nil {
		return map[string]any{"status": "error", "code": "INVALID_FRAME", "message": err.Error()}
	}

	eventName, _ := payload["event"].(string)
	args, _ := payload["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	correlationID, _ := payload["correlation_id"].(string)

	execCtx := eventregistry.ExecutionContext{CorrelationID: correlationID}
	event, err := events.Construct(eventName, execCtx, args)
	if err != nil {
		return map[string]any{
			"status":         "error",
			"code":           "INVALID_ARGS",
			"message":        err.Error(),
			"correlation_id": correlationID,
		}
	}

	result, err := event.Execute(execCtx)
	if err != nil {
		logger.Warn("task_execute_failed", "correlation_id", correlationID, "event", eventName, "error", err)
		return map[string]any{
			"status":         "error",
			"code":           "EXECUTION_ERROR",
			"message":        err.Error(),
			"correlation_id": correlationID,
		}
	}

	return map[string]any{
		"status":         "completed",
		"result":         result,
		"correlation_id": correlationID,
	}
}

// writeFrame/readFrame implement the same 4-byte big-endian length-prefix
// framing used everywhere else in the wire format, so this binary's stdio
// protocol matches what workerpool.subprocessWorker writes and reads.
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
