// Package signaling defines the append-only message log that carries call
// negotiation between peers, and the subscription feed used to read it.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/healthbridge/internal/models"
)

// ErrClosed is reported by a subscription that was closed by its owner
var ErrClosed = errors.New("subscription closed")

// Log is the persistence collaborator used as a signaling transport.
// Messages of one session are totally ordered and never mutated.
type Log interface {
	// Append stores msg and returns it with ID and CreatedAt assigned.
	Append(ctx context.Context, msg models.SignalingMessage) (models.SignalingMessage, error)
	// List returns the session's messages in append order, skipping those
	// sent by excludeSender (if non-empty).
	List(ctx context.Context, sessionID, excludeSender string) ([]models.SignalingMessage, error)
	// Subscribe delivers every message appended to the session after the
	// call returns, in append order.
	Subscribe(ctx context.Context, sessionID string) (*Subscription, error)
}

// Compactor is implemented by logs that can drop old messages of a session
type Compactor interface {
	Compact(ctx context.Context, sessionID string, retain time.Duration) error
}

// Subscription is a live feed of newly appended messages
type Subscription struct {
	messages chan models.SignalingMessage
	done     chan struct{}
	stop     func()

	closeOnce  sync.Once
	finishOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewSubscription is used by Log implementations. stop is invoked once when
// the consumer closes the subscription and should make the producer call
// Finish.
func NewSubscription(buffer int, stop func()) *Subscription {
	return &Subscription{
		messages: make(chan models.SignalingMessage, buffer),
		done:     make(chan struct{}),
		stop:     stop,
	}
}

// Messages returns the feed. It is closed when the subscription ends.
func (s *Subscription) Messages() <-chan models.SignalingMessage {
	return s.messages
}

// Done is closed once the consumer has closed the subscription
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the feed. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

// Err returns the reason the feed ended, or nil while it is live
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send hands msg to the consumer. It returns false once the subscription
// has been closed.
func (s *Subscription) Send(msg models.SignalingMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.messages <- msg:
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the feed from the producer side. Only the producer goroutine
// may call it.
func (s *Subscription) Finish(err error) {
	s.finishOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.messages)
	})
}
