// Package events dispatches named lifecycle events and scheduled calls to
// app hosts.
//
// A Bus is owned by the tick goroutine and is not safe for concurrent use.
package events

import (
	"context"
	"log"
	"strings"
)

type Event string

const (
	Start             Event = "start"
	Shutdown          Event = "shutdown"
	PlayerConnects    Event = "player_connects"
	PlayerDisconnects Event = "player_disconnects"
)

// Normalize turns a script supplied event name into an Event.
func Normalize(name string) Event {
	return Event(strings.ToLower(strings.TrimPrefix(name, "__on_")))
}

type Callback func(ctx context.Context, args []any) error

type subscription struct {
	host     string
	callback Callback
}

type entry struct {
	due  int64
	seq  uint64
	host string
	run  func(ctx context.Context) error
}

type Bus struct {
	// OnError receives failures from callbacks. Defaults to logging.
	OnError func(host string, err error)

	subscriptions map[Event][]subscription
	scheduled     *queue[*entry]
	tick          int64
	seq           uint64
	disabled      int
}

func New() *Bus {
	return &Bus{
		subscriptions: map[Event][]subscription{},
		scheduled: newQueue(func(a, b *entry) bool {
			if a.due != b.due {
				return a.due < b.due
			}
			return a.seq < b.seq
		}),
	}
}

func (b *Bus) report(host string, err error) {
	if b.OnError != nil {
		b.OnError(host, err)
		return
	}
	log.Printf("event callback in %q: %v", host, err)
}

// Subscribe makes host receive event through cb, replacing any earlier
// subscription host had to the same event.
func (b *Bus) Subscribe(event Event, host string, cb Callback) {
	subs := b.subscriptions[event]
	for i := range subs {
		if subs[i].host == host {
			subs[i].callback = cb
			return
		}
	}
	b.subscriptions[event] = append(subs, subscription{host: host, callback: cb})
}

func (b *Bus) Unsubscribe(event Event, host string) {
	subs := b.subscriptions[event]
	kept := subs[:0]
	for _, sub := range subs {
		if sub.host != host {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subscriptions, event)
	} else {
		b.subscriptions[event] = kept
	}
}

// RemoveAllHostEvents drops every subscription and scheduled call owned by host.
func (b *Bus) RemoveAllHostEvents(host string) {
	for event := range b.subscriptions {
		b.Unsubscribe(event, host)
	}
	b.scheduled.Filter(func(e *entry) bool {
		return e.host != host
	})
}

// IsNeeded returns whether anyone subscribes to event.
func (b *Bus) IsNeeded(event Event) bool {
	return len(b.subscriptions[event]) > 0
}

func (b *Bus) push(delay int64, host string, run func(ctx context.Context) error) {
	if delay < 1 {
		delay = 1
	}
	b.seq++
	b.scheduled.Push(&entry{
		due:  b.tick + delay,
		seq:  b.seq,
		host: host,
		run:  run,
	})
}

func (b *Bus) deliver(ctx context.Context, event Event, args []any) {
	subs := append([]subscription{}, b.subscriptions[event]...)
	for _, sub := range subs {
		if err := sub.callback(ctx, args); err != nil {
			b.report(sub.host, err)
		}
	}
}

// Fire delivers event to its subscribers. While dispatch is disabled the
// event is queued for the next tick instead.
func (b *Bus) Fire(ctx context.Context, event Event, args ...any) {
	if !b.IsNeeded(event) {
		return
	}
	if b.disabled > 0 {
		b.push(1, "", func(ctx context.Context) error {
			b.deliver(ctx, event, args)
			return nil
		})
		return
	}
	b.deliver(ctx, event, args)
}

// Schedule runs f on behalf of host after delay ticks. Delays below one
// tick run on the next tick.
func (b *Bus) Schedule(host string, delay int64, f func(ctx context.Context) error) {
	b.push(delay, host, f)
}

// WhileDisabled runs f with immediate delivery suppressed.
func (b *Bus) WhileDisabled(f func()) {
	b.disabled++
	defer func() {
		b.disabled--
	}()
	f()
}

// Dispatch advances the tick counter and runs every scheduled call that is
// due. Calls scheduled while dispatching run no earlier than the next tick.
func (b *Bus) Dispatch(ctx context.Context) {
	b.tick++
	for {
		top, found := b.scheduled.Peek()
		if !found || top.due > b.tick {
			return
		}
		b.scheduled.Pop()
		if err := top.run(ctx); err != nil {
			b.report(top.host, err)
		}
	}
}

func (b *Bus) Tick() int64 {
	return b.tick
}

// Pending returns the number of scheduled calls.
func (b *Bus) Pending() int {
	return b.scheduled.Size()
}
