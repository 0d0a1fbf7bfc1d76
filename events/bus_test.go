package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	calls []string
}

func (r *recorder) callback(name string) Callback {
	return func(ctx context.Context, args []any) error {
		r.calls = append(r.calls, fmt.Sprintf("%s%v", name, args))
		return nil
	}
}

func TestFire(t *testing.T) {
	ctx := context.Background()
	b := New()
	r := &recorder{}
	if b.IsNeeded(PlayerConnects) {
		t.Errorf("got needed, want not needed")
	}
	b.Fire(ctx, PlayerConnects, "nobody")
	b.Subscribe(PlayerConnects, "a", r.callback("a"))
	b.Subscribe(PlayerConnects, "b", r.callback("b"))
	b.Subscribe(PlayerConnects, "a", r.callback("a2"))
	b.Fire(ctx, PlayerConnects, "alice")
	if diff := cmp.Diff([]string{"a2[alice]", "b[alice]"}, r.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveAllHostEvents(t *testing.T) {
	ctx := context.Background()
	b := New()
	r := &recorder{}
	b.Subscribe(Start, "a", r.callback("a"))
	b.Subscribe(Shutdown, "a", r.callback("a"))
	b.Subscribe(Shutdown, "b", r.callback("b"))
	b.Schedule("a", 1, func(context.Context) error {
		r.calls = append(r.calls, "scheduled a")
		return nil
	})
	b.Schedule("b", 1, func(context.Context) error {
		r.calls = append(r.calls, "scheduled b")
		return nil
	})
	b.RemoveAllHostEvents("a")
	if b.IsNeeded(Start) {
		t.Errorf("start still needed")
	}
	b.Fire(ctx, Shutdown)
	b.Dispatch(ctx)
	if diff := cmp.Diff([]string{"b[]", "scheduled b"}, r.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduleOrder(t *testing.T) {
	ctx := context.Background()
	b := New()
	got := []string{}
	add := func(s string) func(context.Context) error {
		return func(ctx context.Context) error {
			got = append(got, s)
			return nil
		}
	}
	b.Schedule("h", 2, add("second"))
	b.Schedule("h", 0, add("first"))
	b.Schedule("h", 2, add("second again"))
	b.Dispatch(ctx)
	if diff := cmp.Diff([]string{"first"}, got); diff != "" {
		t.Errorf("tick 1 mismatch (-want +got):\n%s", diff)
	}
	b.Dispatch(ctx)
	if diff := cmp.Diff([]string{"first", "second", "second again"}, got); diff != "" {
		t.Errorf("tick 2 mismatch (-want +got):\n%s", diff)
	}
	if b.Tick() != 2 || b.Pending() != 0 {
		t.Errorf("got tick %v, pending %v", b.Tick(), b.Pending())
	}
}

func TestFireWhileDisabled(t *testing.T) {
	ctx := context.Background()
	b := New()
	r := &recorder{}
	b.Subscribe(Start, "a", r.callback("a"))
	b.Schedule("a", 1, func(ctx context.Context) error {
		b.Fire(ctx, Start, "from schedule")
		return nil
	})
	b.WhileDisabled(func() {
		b.Dispatch(ctx)
	})
	if len(r.calls) != 0 {
		t.Errorf("got %v, want delivery postponed", r.calls)
	}
	b.WhileDisabled(func() {
		b.Dispatch(ctx)
	})
	if diff := cmp.Diff([]string{"a[from schedule]"}, r.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorsReported(t *testing.T) {
	ctx := context.Background()
	b := New()
	reported := []string{}
	b.OnError = func(host string, err error) {
		reported = append(reported, host+": "+err.Error())
	}
	b.Subscribe(Start, "a", func(context.Context, []any) error {
		return fmt.Errorf("boom")
	})
	b.Subscribe(Start, "b", func(context.Context, []any) error {
		reported = append(reported, "b ran")
		return nil
	})
	b.Fire(ctx, Start)
	if diff := cmp.Diff([]string{"a: boom", "b ran"}, reported); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyDispatch(t *testing.T) {
	b := New()
	b.WhileDisabled(func() {
		b.Dispatch(context.Background())
	})
	if b.Pending() != 0 {
		t.Errorf("got %v pending", b.Pending())
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("__on_Player_Connects"); got != PlayerConnects {
		t.Errorf("got %q, want %q", got, PlayerConnects)
	}
}
