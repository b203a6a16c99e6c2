package ledger

import (
	"context"
	"fmt"
	"sync"
)

type loader func(ctx context.Context) ([]Document, error)

// Subscription is a live, filtered view over one collection. Updates carries
// full snapshots; when the consumer falls behind only the latest snapshot is
// kept. The channel is closed once the subscription ends.
type Subscription struct {
	updates chan Snapshot
	trigger chan struct{}
	failed  chan error
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// newSubscription starts the delivery goroutine. unregister is called once
// when the subscription ends.
func newSubscription(parent context.Context, load loader, unregister func()) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{
		updates: make(chan Snapshot, 1),
		trigger: make(chan struct{}, 1),
		failed:  make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx, load, unregister)
	return s
}

// Updates returns the snapshot stream.
func (s *Subscription) Updates() <-chan Snapshot {
	return s.updates
}

// Done is closed after the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended, nil while it is live or after a
// regular Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// notify schedules a reload; bursts collapse into one.
func (s *Subscription) notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// fail ends the subscription with a backend error.
func (s *Subscription) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

func (s *Subscription) run(ctx context.Context, load loader, unregister func()) {
	defer close(s.done)
	defer close(s.updates)
	defer unregister()

	s.reload(ctx, load)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.failed:
			err = fmt.Errorf("%w: %v", ErrSubscriptionClosed, err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.deliver(Snapshot{Err: err})
			return
		case <-s.trigger:
			s.reload(ctx, load)
		}
	}
}

func (s *Subscription) reload(ctx context.Context, load loader) {
	docs, err := load(ctx)
	if ctx.Err() != nil {
		return
	}
	s.deliver(Snapshot{Documents: docs, Err: err})
}

func (s *Subscription) deliver(snap Snapshot) {
	select {
	case s.updates <- snap:
		return
	default:
	}
	// Drop the stale snapshot the consumer has not read yet.
	select {
	case <-s.updates:
	default:
	}
	s.updates <- snap
}
