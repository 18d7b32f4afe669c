// Package distributor fans human-readable chat lines out to local
// subscribers (the UI, the WebSocket bridge, loggers) from a single worker.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/aeolun/mchat/pkg/protocol"
)

// DefaultQueueSize is the number of lines buffered before Publish blocks
const DefaultQueueSize = 256

var ErrClosed = errors.New("distributor closed")

// Subscriber receives every published line
type Subscriber interface {
	Deliver(line string) error
}

// SubscriberFunc adapts a function to the Subscriber interface
type SubscriberFunc func(line string) error

// Deliver calls f(line)
func (f SubscriberFunc) Deliver(line string) error {
	return f(line)
}

// Distributor is a FIFO queue drained by one worker goroutine which calls
// each subscriber in registration order.
type Distributor struct {
	queue chan string

	mu          sync.RWMutex
	subscribers []Subscriber

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a distributor with the given queue size
func New(queueSize int) *Distributor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Distributor{
		queue: make(chan string, queueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the worker. It stops when ctx is cancelled or Close is called.
func (d *Distributor) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		d.wg.Add(1)
		go d.run(ctx)
	})
}

// Subscribe appends a subscriber. Subscribers live until the distributor is closed.
func (d *Distributor) Subscribe(s Subscriber) {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, s)
	d.mu.Unlock()
}

// Publish enqueues a line for delivery. Empty lines are ignored. It blocks
// while the queue is full.
func (d *Distributor) Publish(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	select {
	case d.queue <- line:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishProtocolMessage renders an Incoming wire message as "<id>: <text>"
// and publishes it. Other kinds and malformed messages are ignored.
func (d *Distributor) PublishProtocolMessage(ctx context.Context, raw string) error {
	if protocol.Classify(raw) != protocol.KindIncoming {
		return nil
	}
	fields, ok := protocol.Tokenize(protocol.KindIncoming, raw)
	if !ok {
		return nil
	}
	return d.Publish(ctx, protocol.UILine(fields.ID, fields.Text))
}

// Close stops the worker and waits for it to exit. Queued lines that were
// not yet delivered are discarded.
func (d *Distributor) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		if d.cancel != nil {
			d.cancel()
		}
	})
	d.wg.Wait()
}

func (d *Distributor) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case line := <-d.queue:
			d.deliver(line)
		}
	}
}

func (d *Distributor) deliver(line string) {
	d.mu.RLock()
	subs := make([]Subscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.RUnlock()

	for i, s := range subs {
		if err := safeDeliver(s, line); err != nil {
			log.Printf("distributor: subscriber %d failed: %v", i, err)
		}
	}
}

func safeDeliver(s Subscriber, line string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Deliver(line)
}
