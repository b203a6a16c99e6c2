package ledger

import "sync"

// FeedUpdate is one decoded snapshot of a Feed.
type FeedUpdate[T any] struct {
	Items []T
	Err   error
}

// Feed decodes the snapshots of a Subscription into domain values.
type Feed[T any] struct {
	sub  *Subscription
	out  chan FeedUpdate[T]
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewFeed starts decoding sub. decode returns false for documents that must
// be left out of the update. wrapErr, when set, maps snapshot errors.
func NewFeed[T any](sub *Subscription, decode func(Document) (T, bool), wrapErr func(error) error) *Feed[T] {
	f := &Feed[T]{
		sub:  sub,
		out:  make(chan FeedUpdate[T], 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go f.run(decode, wrapErr)
	return f
}

func (f *Feed[T]) run(decode func(Document) (T, bool), wrapErr func(error) error) {
	defer close(f.done)
	defer close(f.out)

	for {
		select {
		case <-f.stop:
			return
		case snap, ok := <-f.sub.Updates():
			if !ok {
				return
			}
			update := FeedUpdate[T]{Items: make([]T, 0, len(snap.Documents))}
			if snap.Err != nil {
				update.Err = snap.Err
				if wrapErr != nil {
					update.Err = wrapErr(snap.Err)
				}
			}
			for _, doc := range snap.Documents {
				if item, keep := decode(doc); keep {
					update.Items = append(update.Items, item)
				}
			}
			select {
			case f.out <- update:
			case <-f.stop:
				return
			}
		}
	}
}

// Updates is closed when the feed ends.
func (f *Feed[T]) Updates() <-chan FeedUpdate[T] {
	return f.out
}

// Done is closed after the feed has shut down.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.done
}

// Err reports why the underlying subscription ended.
func (f *Feed[T]) Err() error {
	return f.sub.Err()
}

// Close tears down the feed and its subscription.
func (f *Feed[T]) Close() {
	f.once.Do(func() { close(f.stop) })
	f.sub.Close()
	<-f.done
}
