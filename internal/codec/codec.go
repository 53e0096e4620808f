// Package codec implements the signed, compressed wire format used by both
// ingress transports: canonical sorted-key JSON, HMAC-SHA256 signing, and
// zlib compression of the signed envelope.
package codec

import (
	"bytes"
	"compress/zlib"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

const (
	signatureField = "_signature"
	algorithmField = "_algorithm"
	algorithmValue = "sha256"
)

var (
	// ErrInvalidFrame is returned when a frame cannot be decompressed or
	// parsed as JSON.
	ErrInvalidFrame = errors.New("codec: invalid frame")
	// ErrInvalidChecksum is returned when a frame's HMAC signature does not
	// match the payload, or the signature field is missing entirely.
	ErrInvalidChecksum = errors.New("codec: invalid checksum")
	// ErrNotSerializable is returned when a payload value cannot be encoded
	// as JSON.
	ErrNotSerializable = errors.New("codec: value is not JSON serializable")
)

// TaskMessage is the decoded shape of an inbound task submission.
type TaskMessage struct {
	Event         string         `json:"event"`
	Args          map[string]any `json:"args"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
}

// EventResult is the decoded shape of a task's outcome, parked or routed
// back to a client.
type EventResult struct {
	Status        string `json:"status"`
	Result        any    `json:"result,omitempty"`
	CorrelationID string `json:"correlation_id"`
	CompletedAt   string `json:"completed_at,omitempty"`
	Message       string `json:"message,omitempty"`
	Code          string `json:"code,omitempty"`
}

// Sign computes the base64-encoded HMAC-SHA256 signature over the canonical
// (sorted-key) JSON encoding of payload. payload must not already contain
// the signature/algorithm fields.
func Sign(payload map[string]any, secret []byte) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Encode signs payload, attaches the signature fields, and compresses the
// resulting canonical JSON with zlib. The signature is computed before the
// signature/algorithm fields are attached, matching the original
// checksum.py generate_signature → serialize order.
func Encode(payload map[string]any, secret []byte) ([]byte, error) {
	sig, err := Sign(payload, secret)
	if err != nil {
		return nil, err
	}

	signed := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		signed[k] = v
	}
	signed[signatureField] = sig
	signed[algorithmField] = algorithmValue

	canonical, err := canonicalJSON(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(canonical); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrInvalidFrame, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrInvalidFrame, err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses frame, verifies its HMAC signature in constant time,
// and returns the payload with the signature/algorithm fields stripped.
func Decode(frame []byte, secret []byte) (map[string]any, error) {
	zr, err := zlib.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrInvalidFrame, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrInvalidFrame, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidFrame, err)
	}

	if err := Verify(payload, secret); err != nil {
		return nil, err
	}

	delete(payload, signatureField)
	delete(payload, algorithmField)
	return payload, nil
}

// Verify checks payload's _signature field against a freshly computed HMAC
// over the payload with the signature fields stripped. Comparison is
// constant-time via hmac.Equal.
func Verify(payload map[string]any, secret []byte) error {
	rawSig, ok := payload[signatureField]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrInvalidChecksum, signatureField)
	}
	sigStr, ok := rawSig.(string)
	if !ok {
		return fmt.Errorf("%w: %s is not a string", ErrInvalidChecksum, signatureField)
	}
	want, err := base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		return fmt.Errorf("%w: undecodable signature: %v", ErrInvalidChecksum, err)
	}

	stripped := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == signatureField || k == algorithmField {
			continue
		}
		stripped[k] = v
	}

	canonical, err := canonicalJSON(stripped)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	got := mac.Sum(nil)

	if !hmac.Equal(got, want) {
		return ErrInvalidChecksum
	}
	return nil
}

// DecodeTaskMessage decodes and verifies frame, then attempts to coerce the
// resulting payload into a TaskMessage. It returns the raw payload, the
// TaskMessage (nil if coercion failed), and whether coercion succeeded —
// mirroring the original deserialize_message (value, is_task_message) pair.
func DecodeTaskMessage(frame []byte, secret []byte) (map[string]any, *TaskMessage, bool, error) {
	payload, err := Decode(frame, secret)
	if err != nil {
		return nil, nil, false, err
	}

	event, ok := payload["event"].(string)
	if !ok || event == "" {
		return payload, nil, false, nil
	}
	args, _ := payload["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	msg := &TaskMessage{Event: event, Args: args}
	if cid, ok := payload["correlation_id"].(string); ok && cid != "" {
		msg.CorrelationID = &cid
	}
	return payload, msg, true, nil
}

// canonicalJSON marshals v with all object keys sorted at every nesting
// level, matching json.dumps(data, sort_keys=True) in the original codec.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize converts maps into sortedMap so encoding/json emits their keys
// in sorted order, recursing through slices and nested maps.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(sortedMap, 0, len(keys))
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, sortedEntry{key: k, value: nv})
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return val, nil
	}
}

type sortedEntry struct {
	key   string
	value any
}

// sortedMap marshals as a JSON object with entries written in the order
// they appear in the slice (already sorted by normalize).
type sortedMap []sortedEntry

func (m sortedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
