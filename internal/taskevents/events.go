// Package taskevents holds the sample events registered by default in both
// cmd/server (for allowlist/registry-lookup checks) and cmd/taskworker (for
// actual execution), grounded on the original repo's bundled example event
// classes (Echo, Sleep) that ship alongside the real RemoteTaskManager.
package taskevents

import (
	"fmt"
	"time"

	"github.com/lateofrederick/volnux/internal/eventregistry"
)

const moduleLabel = "taskevents"

// Echo returns its args' "extras" field unchanged, the minimal
// round-trip event used to exercise the wire format end to end.
type Echo struct {
	extras any
}

func (Echo) Name() string { return "Echo" }

func (e Echo) Execute(eventregistry.ExecutionContext) (any, error) {
	return e.extras, nil
}

func newEcho(_ eventregistry.ExecutionContext, args map[string]any) (eventregistry.Event, error) {
	return Echo{extras: args["extras"]}, nil
}

// Slow sleeps for a caller-supplied duration before returning, standing in
// for a long-running CPU/IO-bound job. It is what the queue-overflow and
// poll-after-disconnect scenarios drive.
type Slow struct {
	duration time.Duration
}

func (Slow) Name() string { return "Slow" }

func (s Slow) Execute(eventregistry.ExecutionContext) (any, error) {
	time.Sleep(s.duration)
	return "done", nil
}

func newSlow(_ eventregistry.ExecutionContext, args map[string]any) (eventregistry.Event, error) {
	seconds, ok := args["seconds"].(float64)
	if !ok {
		seconds = 1
	}
	if seconds < 0 {
		return nil, fmt.Errorf("taskevents: seconds must be non-negative, got %v", seconds)
	}
	return Slow{duration: time.Duration(seconds * float64(time.Second))}, nil
}

// Fail always errors, used to exercise the gRPC streaming termination
// scenario (one terminal status frame, not a retry loop).
type Fail struct {
	reason string
}

func (Fail) Name() string { return "Fail" }

func (f Fail) Execute(eventregistry.ExecutionContext) (any, error) {
	return nil, fmt.Errorf("taskevents: %s", f.reason)
}

func newFail(_ eventregistry.ExecutionContext, args map[string]any) (eventregistry.Event, error) {
	reason, _ := args["reason"].(string)
	if reason == "" {
		reason = "forced failure"
	}
	return Fail{reason: reason}, nil
}

// RegisterDefaults registers Echo, Slow, and Fail on reg. cmd/server and
// cmd/taskworker both call this so the event names a submission resolves
// against are identical across the process boundary.
func RegisterDefaults(reg *eventregistry.Registry) {
	reg.MustRegister(moduleLabel, "Echo", newEcho)
	reg.MustRegister(moduleLabel, "Slow", newSlow)
	reg.MustRegister(moduleLabel, "Fail", newFail)
}
