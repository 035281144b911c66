package fsevent

import (
	"fmt"
	"sync"
	"time"
)

// Source opens native change-notification subscriptions. The production
// implementation is FSNotifySource; tests substitute their own.
type Source interface {
	// Subscribe starts delivering batches of events under path whose ids
	// are at or after sinceID, coalesced over the latency window. On
	// error the source must have torn down any partial state before
	// returning.
	Subscribe(path string, sinceID uint64, latency time.Duration) (Subscription, error)
}

// Subscription is one live native stream.
type Subscription interface {
	// Device identifies the filesystem the stream's event ids belong to.
	Device() DeviceID
	// Batches yields event batches until the subscription is closed.
	Batches() <-chan []RawEvent
	// Close stops the stream and releases native resources.
	Close() error
}

// Watcher owns a subscription and forwards its batches without ever
// applying backpressure to the native stream: a slow consumer buffers in
// process memory instead of stalling the OS delivery thread.
type Watcher struct {
	dev       DeviceID
	events    chan []RawEvent
	cancel    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Spawn subscribes to path and starts forwarding. A subscription failure
// returns an error with nothing left running.
func Spawn(source Source, path string, sinceID uint64, latency time.Duration) (*Watcher, error) {
	sub, err := source.Subscribe(path, sinceID, latency)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", path, err)
	}
	w := &Watcher{
		dev:    sub.Device(),
		events: make(chan []RawEvent),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.forward(sub)
	return w, nil
}

// Noop returns a watcher that is already stopped: its channel is already
// closed and Close is a no-op. Callers that conditionally watch can hold a
// *Watcher unconditionally.
func Noop() *Watcher {
	w := &Watcher{
		events: make(chan []RawEvent),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.closeOnce.Do(func() { close(w.cancel) })
	close(w.events)
	close(w.done)
	return w
}

// Events yields forwarded batches. The channel closes when the watcher
// stops, so a consumer ranging over it unblocks on Close.
func (w *Watcher) Events() <-chan []RawEvent {
	return w.events
}

// Device identifies the filesystem the watcher's event ids belong to.
// Zero for a noop watcher.
func (w *Watcher) Device() DeviceID {
	return w.dev
}

// Stopped reports whether the forwarding goroutine has exited.
func (w *Watcher) Stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Close stops forwarding and tears down the subscription. Idempotent; it
// returns once teardown has completed, even if the consumer stopped
// reading first.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.cancel) })
	<-w.done
	return nil
}

func (w *Watcher) forward(sub Subscription) {
	defer close(w.done)
	defer sub.Close()
	defer close(w.events)

	in := sub.Batches()
	var pending [][]RawEvent
	for {
		if in == nil && len(pending) == 0 {
			return
		}
		var out chan []RawEvent
		var head []RawEvent
		if len(pending) > 0 {
			out = w.events
			head = pending[0]
		}
		select {
		case <-w.cancel:
			return
		case batch, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, batch)
		case out <- head:
			pending = pending[1:]
		}
	}
}
