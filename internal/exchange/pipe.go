package exchange

import (
	"context"
	"sync"
)

// Pipe is a Stream backed by a buffered channel. The producer calls Send and
// finally Finish; the consumer reads Updates and calls Close.
type Pipe[T any] struct {
	ch         chan T
	done       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
	onClose    func()
}

// NewPipe creates a pipe; onClose runs once when the consumer closes it
func NewPipe[T any](buffer int, onClose func()) *Pipe[T] {
	return &Pipe[T]{
		ch:      make(chan T, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (p *Pipe[T]) Updates() <-chan T {
	return p.ch
}

// Done is closed once the consumer has closed the pipe
func (p *Pipe[T]) Done() <-chan struct{} {
	return p.done
}

// Send blocks until the value is queued, the pipe is closed or ctx ends
func (p *Pipe[T]) Send(ctx context.Context, v T) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.ch <- v:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish closes the updates channel. Only the producer may call it, and
// never concurrently with Send.
func (p *Pipe[T]) Finish() {
	p.finishOnce.Do(func() { close(p.ch) })
}

func (p *Pipe[T]) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}
