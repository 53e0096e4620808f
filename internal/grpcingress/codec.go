// Package grpcingress is the gRPC ingress transport (C10): a TaskExecutor
// service exposing unary Execute and server-streaming ExecuteStream RPCs.
// There is no protoc in this environment, so wire messages are plain Go
// structs carrying the same signed/compressed frame the TCP ingress uses,
// marshaled through a JSON grpc codec registered below instead of
// hand-authored protobuf descriptors (see DESIGN.md for the rationale).
package grpcingress

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcingress: json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// TaskRequest mirrors the original grpc_manager's Execute request message:
// a plain event name plus two independently signed/compressed blobs —
// ArgsBlob and KwargsBlob, each a codec-encoded map[string]any — instead
// of one opaque frame. dispatch decodes both and merges them into the
// manager's args mapping, with KwargsBlob taking precedence on collision.
type TaskRequest struct {
	TaskID     string `json:"task_id,omitempty"`
	EventName  string `json:"event_name"`
	ArgsBlob   []byte `json:"args_blob,omitempty"`
	KwargsBlob []byte `json:"kwargs_blob,omitempty"`
}

// TaskResponse carries the signed/compressed result frame.
type TaskResponse struct {
	Success bool   `json:"success"`
	Frame   []byte `json:"frame,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskStatus is the single message ExecuteStream yields before returning,
// mirroring the original ExecuteStream's one-shot COMPLETED/FAILED status.
type TaskStatus struct {
	CorrelationID string `json:"correlation_id"`
	State         string `json:"state"` // "completed" or "failed"
	Frame         []byte `json:"frame,omitempty"`
	Error         string `json:"error,omitempty"`
}
