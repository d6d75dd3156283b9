package capture

import (
	"context"
	"sync"
)

// ChanSource is an in-process source fed through Send. It suits tests and
// programs embedding the engine directly.
type ChanSource struct {
	name string
	ch   chan Signal

	closeOnce sync.Once
	done      chan struct{}
}

// NewChanSource returns a source with a buffer of size buf.
func NewChanSource(name string, buf int) *ChanSource {
	return &ChanSource{
		name: name,
		ch:   make(chan Signal, buf),
		done: make(chan struct{}),
	}
}

func (c *ChanSource) Name() string { return c.name }

// Send queues a signal of kind k. It returns false if the source is closed
// or the buffer is full.
func (c *ChanSource) Send(k Kind) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ch <- Signal{Kind: k, Source: c.name}:
		return true
	default:
		return false
	}
}

// Close makes Run return once the buffer is drained.
func (c *ChanSource) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *ChanSource) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-c.ch:
			sink.HandleSignal(s)
		case <-c.done:
			for {
				select {
				case s := <-c.ch:
					sink.HandleSignal(s)
				default:
					return nil
				}
			}
		}
	}
}
