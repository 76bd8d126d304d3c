package upload

import (
	"sync"

	"github.com/bitrise-io/go-artifactupload/artifact"
)

// CancelSignal is a one way flag observed by any number of goroutines.
// Cancel may be called any number of times.
type CancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelSignal ...
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Cancel sets the flag.
func (c *CancelSignal) Cancel() {
	c.once.Do(func() { close(c.ch) })
}

// Done is closed once the flag is set.
func (c *CancelSignal) Done() <-chan struct{} {
	return c.ch
}

// Cancelled ...
func (c *CancelSignal) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// ProgressBroadcaster fans progress updates out to subscribers without ever blocking the publisher.
// A subscriber that falls behind loses its oldest buffered updates. Subscribers only see
// updates published after they subscribed.
type ProgressBroadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan artifact.UploadProgress
	nextID int
	closed bool
}

// NewProgressBroadcaster ...
func NewProgressBroadcaster() *ProgressBroadcaster {
	return &ProgressBroadcaster{subs: map[int]chan artifact.UploadProgress{}}
}

// Subscribe returns a channel of future updates and a function that ends the subscription.
// The channel is closed when the broadcaster is closed or the subscription ends.
func (b *ProgressBroadcaster) Subscribe(buffer int) (<-chan artifact.UploadProgress, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan artifact.UploadProgress, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() { b.unsubscribe(id) }
}

// Publish implements chunkuploader.ProgressPublisher.
func (b *ProgressBroadcaster) Publish(p artifact.UploadProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- p:
			continue
		default:
		}

		// full: drop the oldest update
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

// Close ends every subscription. Later publishes are dropped.
func (b *ProgressBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *ProgressBroadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}
