package eventregistry

import "testing"

type noopEvent struct{ name string }

func (e *noopEvent) Name() string                        { return e.name }
func (e *noopEvent) Execute(ExecutionContext) (any, error) { return "ok", nil }

func newNoop(ctx ExecutionContext, args map[string]any) (Event, error) {
	return &noopEvent{name: "Noop"}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("demo", "Noop", newNoop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctor, ok := r.Get("Noop")
	if !ok {
		t.Fatal("expected Noop to be registered")
	}
	ev, err := ctor(ExecutionContext{}, nil)
	if err != nil {
		t.Fatalf("ctor: %v", err)
	}
	if ev.Name() != "Noop" {
		t.Errorf("Name() = %q, want Noop", ev.Name())
	}
}

func TestRegisterSameConstructorTolerated(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("demo", "Noop", newNoop); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("demo", "Noop", newNoop); err != nil {
		t.Fatalf("re-register of identical constructor should be tolerated: %v", err)
	}
}

func TestRegisterConflictingConstructorRejected(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("demo", "Noop", newNoop); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	other := func(ctx ExecutionContext, args map[string]any) (Event, error) {
		return &noopEvent{name: "Noop"}, nil
	}
	if err := r.Register("demo", "Noop", other); err == nil {
		t.Fatal("expected conflicting registration to fail")
	}
}

func TestListByModuleAndReadiness(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.CheckReady(); err == nil {
		t.Fatal("expected CheckReady to fail before SetReady")
	}
	r.MustRegister("demo", "Noop", newNoop)
	r.SetReady()
	if err := r.CheckReady(); err != nil {
		t.Fatalf("CheckReady after SetReady: %v", err)
	}
	names := r.ListByModule("demo")
	if len(names) != 1 || names[0] != "Noop" {
		t.Errorf("ListByModule(demo) = %v, want [Noop]", names)
	}
}

func TestConstructUnknownEvent(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Construct("Missing", ExecutionContext{}, nil); err == nil {
		t.Fatal("expected Construct of unknown event to fail")
	}
}
