package streams

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegister(t *testing.T) {
	r := NewRegistry()
	info, err := r.Register(Info{Tool: "claude", Model: "sonnet"}, func(error) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID == "" || info.Status != StatusRunning || info.Transport != TransportSSE {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got, ok := r.Get(info.ID); !ok || got.Tool != "claude" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(Info{}, func(error) {}); err == nil {
		t.Fatal("expected error for missing tool")
	}
	if _, err := r.Register(Info{Tool: "claude"}, nil); err == nil {
		t.Fatal("expected error for missing cancel")
	}
	if _, err := r.Register(Info{ID: "s1", Tool: "claude"}, func(error) {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Register(Info{ID: "s1", Tool: "gemini"}, func(error) {}); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancelCause(context.Background())
	calls := 0
	info, _ := r.Register(Info{Tool: "claude"}, func(err error) {
		calls++
		cancel(err)
	})

	got, err := r.Cancel(info.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCanceling {
		t.Fatalf("status = %s", got.Status)
	}
	if !errors.Is(context.Cause(ctx), ErrCanceledByOperator) {
		t.Fatalf("cause = %v", context.Cause(ctx))
	}

	// Second cancel does not invoke the function again.
	if _, err := r.Cancel(info.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if calls != 1 {
		t.Fatalf("cancel called %d times", calls)
	}

	if _, err := r.Cancel("missing"); err == nil {
		t.Fatal("expected error for unknown stream")
	}
}

func TestCompleteAndList(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	a, _ := r.Register(Info{Tool: "a"}, func(error) {})
	b, _ := r.Register(Info{Tool: "b"}, func(error) {})
	c, _ := r.Register(Info{Tool: "c"}, func(error) {})

	r.Complete(b.ID)
	list := r.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != c.ID {
		t.Fatalf("List = %+v", list)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d", r.Len())
	}
	r.Complete("unknown")
}

func TestCancelAll(t *testing.T) {
	r := NewRegistry()
	var causes []error
	for _, tool := range []string{"a", "b"} {
		r.Register(Info{Tool: tool}, func(err error) { causes = append(causes, err) })
	}
	shutdown := errors.New("shutdown")
	if n := r.CancelAll(shutdown); n != 2 {
		t.Fatalf("CancelAll = %d", n)
	}
	if n := r.CancelAll(shutdown); n != 0 {
		t.Fatalf("second CancelAll = %d", n)
	}
	for _, c := range causes {
		if !errors.Is(c, shutdown) {
			t.Fatalf("cause = %v", c)
		}
	}
}
