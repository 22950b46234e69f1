package session

import (
	"context"
	"errors"
	"sync"

	"github.com/voxgate/voxgate/pkg/upstream"
)

// EventStream iterates the upstream events of a single turn. It is obtained
// from [Manager.Receive] and yields events until one carries the
// turn-complete flag; after that, Next returns [ErrTurnComplete] and the
// caller opens a fresh stream for the next turn.
//
// Iteration applies the manager's side effects for each event before
// returning it: barge-in transitions, resumption-token storage and history
// accumulation all happen in delivery order.
//
// An EventStream expects exactly one consuming goroutine. Close may be
// called from any goroutine and unblocks a pending Next.
type EventStream struct {
	m      *Manager
	src    upstream.Stream
	events <-chan upstream.Event

	done      chan struct{}
	closeOnce sync.Once
	terminal  error
}

// Next blocks until the next upstream event is available and returns it.
//
// It returns [ErrTurnComplete] once the turn has ended, [ErrStreamClosed]
// after Close, [ErrUpstreamClosed] (joined with the stream's terminal error,
// if any) when the upstream connection ended, or ctx.Err() when the caller's
// context expires. The turn-complete and upstream-closed conditions are
// sticky: once reached, every further Next reports the same error.
func (es *EventStream) Next(ctx context.Context) (upstream.Event, error) {
	if es.terminal != nil {
		return upstream.Event{}, es.terminal
	}

	select {
	case <-es.done:
		return upstream.Event{}, ErrStreamClosed
	case <-ctx.Done():
		return upstream.Event{}, ctx.Err()
	case ev, ok := <-es.events:
		if !ok {
			es.m.markUpstreamClosed(es.src)
			es.terminal = ErrUpstreamClosed
			if err := es.src.Err(); err != nil {
				es.terminal = errors.Join(ErrUpstreamClosed, err)
			}
			return upstream.Event{}, es.terminal
		}
		es.m.observeEvent(ev)
		if ev.TurnComplete {
			es.terminal = ErrTurnComplete
		}
		return ev, nil
	}
}

// Close releases the iterator. Pending and subsequent Next calls return
// [ErrStreamClosed]. The underlying upstream stream is not touched; it
// belongs to the Manager.
func (es *EventStream) Close() error {
	es.closeOnce.Do(func() {
		close(es.done)
	})
	return nil
}
