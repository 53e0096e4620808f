// Package eventregistry is the shared class registry from which every
// ingress transport and the task manager resolve an incoming event name to
// a constructible task instance. It is modeled on the teacher repo's
// internal/plugin operation registry, generalized with the module-label
// index and monotonic-readiness semantics of the Python class registry it
// was distilled from.
package eventregistry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ExecutionContext carries whatever a task constructor needs to run: the
// correlation id it was submitted under and caller-supplied options.
type ExecutionContext struct {
	CorrelationID string
	Options       Options
}

// Options mirrors RemoteTaskOptions from the original manager: most of its
// fields are consumed by the task manager before constructing the event,
// but RetryAttempt is plumbed through for constructors that want to tell a
// fresh submission from a replay.
type Options struct {
	ClientID     string
	Protocol     string
	RetryAttempt int
}

// Event is anything constructible from the registry that can execute to a
// result.
type Event interface {
	Name() string
	Execute(ctx ExecutionContext) (any, error)
}

// Constructor builds a fresh Event instance for one task invocation.
type Constructor func(ctx ExecutionContext, args map[string]any) (Event, error)

// RegistrationError describes why Register failed.
type RegistrationError struct {
	Name    string
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("eventregistry: register %q: %s", e.Name, e.Message)
}

// ErrNotReady is returned by operations that require the registry to have
// completed startup registration (see SetReady).
type ErrNotReady struct{}

func (ErrNotReady) Error() string { return "eventregistry: not ready" }

type entry struct {
	ctor  Constructor
	label string
}

// Registry maps event names to constructors, with an optional secondary
// index by module label (the Go analogue of the Python registry's
// module-qualified class map).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	byLabel map[string][]string
	ready   bool
	onWarn  func(name, msg string)
}

// NewRegistry returns an empty registry. onWarn, if non-nil, is called for
// tolerated same-identity re-registrations (defaults to a no-op).
func NewRegistry(onWarn func(name, msg string)) *Registry {
	if onWarn == nil {
		onWarn = func(string, string) {}
	}
	return &Registry{
		entries: make(map[string]entry),
		byLabel: make(map[string][]string),
		onWarn:  onWarn,
	}
}

// Register binds name to ctor under the given module label. Re-registering
// the exact same constructor under the same name is tolerated (logged via
// onWarn); registering a different constructor under a name already in use
// is rejected.
func (r *Registry) Register(label, name string, ctor Constructor) error {
	if name == "" {
		return &RegistrationError{Name: name, Message: "event name cannot be empty"}
	}
	if ctor == nil {
		return &RegistrationError{Name: name, Message: "constructor cannot be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		if sameFunc(existing.ctor, ctor) {
			r.onWarn(name, "event already registered with the same constructor, ignoring")
			return nil
		}
		return &RegistrationError{Name: name, Message: "a different constructor is already registered under this name"}
	}

	r.entries[name] = entry{ctor: ctor, label: label}
	r.byLabel[label] = append(r.byLabel[label], name)
	return nil
}

// MustRegister registers ctor, panicking on error. Intended for init().
func (r *Registry) MustRegister(label, name string, ctor Constructor) {
	if err := r.Register(label, name, ctor); err != nil {
		panic(err)
	}
}

// Get returns the constructor registered under name.
func (r *Registry) Get(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.ctor, true
}

// ListNames returns every registered event name, sorted.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByModule returns the event names registered under label, sorted.
func (r *Registry) ListByModule(label string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.byLabel[label]...)
	sort.Strings(names)
	return names
}

// IsRegistered reports whether name has a constructor bound.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// SetReady marks the registry ready. Readiness is monotonic: once set it
// cannot be unset.
func (r *Registry) SetReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = true
}

// CheckReady returns ErrNotReady if SetReady has not yet been called.
func (r *Registry) CheckReady() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return ErrNotReady{}
	}
	return nil
}

// Construct resolves name and builds a fresh Event for this invocation.
func (r *Registry) Construct(name string, ctx ExecutionContext, args map[string]any) (Event, error) {
	ctor, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("eventregistry: no event registered under %q", name)
	}
	return ctor(ctx, args)
}

func sameFunc(a, b Constructor) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
