package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/healthbridge/internal/models"
)

// MemoryLog is an in-process Log. It is used by tests and by single-node
// deployments that do not need the log to survive a restart.
type MemoryLog struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	last     time.Time
	now      func() time.Time
}

type memorySession struct {
	messages []models.SignalingMessage
	// dropped counts messages removed by Compact; cursors are absolute
	dropped int
	changed chan struct{}
}

// NewMemoryLog creates an empty log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func (l *MemoryLog) session(id string) *memorySession {
	s, ok := l.sessions[id]
	if !ok {
		s = &memorySession{changed: make(chan struct{})}
		l.sessions[id] = s
	}
	return s
}

// Append stores msg. CreatedAt is strictly increasing across the log.
func (l *MemoryLog) Append(ctx context.Context, msg models.SignalingMessage) (models.SignalingMessage, error) {
	if err := ctx.Err(); err != nil {
		return models.SignalingMessage{}, err
	}
	if msg.SessionID == "" {
		return models.SignalingMessage{}, fmt.Errorf("session id is required")
	}
	if !msg.Type.Valid() {
		return models.SignalingMessage{}, fmt.Errorf("invalid message type %q", msg.Type)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	l.last = ts

	msg.ID = uuid.New().String()
	msg.CreatedAt = ts

	s := l.session(msg.SessionID)
	s.messages = append(s.messages, msg)
	close(s.changed)
	s.changed = make(chan struct{})

	return msg, nil
}

// List returns a copy of the session's messages in append order
func (l *MemoryLog) List(ctx context.Context, sessionID, excludeSender string) ([]models.SignalingMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]models.SignalingMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if excludeSender != "" && m.SenderID == excludeSender {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Subscribe starts a feed positioned at the current end of the session
func (l *MemoryLog) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	first := l.session(sessionID)
	cursor := first.dropped + len(first.messages)
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sub := NewSubscription(64, cancel)

	go func() {
		defer cancel()
		for {
			l.mu.Lock()
			s := l.session(sessionID)
			start := cursor - s.dropped
			if start < 0 {
				cursor = s.dropped
				start = 0
			}
			pending := append([]models.SignalingMessage(nil), s.messages[start:]...)
			changed := s.changed
			l.mu.Unlock()

			for _, m := range pending {
				if !sub.Send(m) {
					sub.Finish(nil)
					return
				}
				cursor++
			}

			select {
			case <-changed:
			case <-ctx.Done():
				sub.Finish(ctx.Err())
				return
			}
		}
	}()

	return sub, nil
}

// Compact drops messages older than retain. A zero retain keeps everything.
func (l *MemoryLog) Compact(ctx context.Context, sessionID string, retain time.Duration) error {
	if retain <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return nil
	}
	cutoff := l.now().UTC().Add(-retain)
	n := 0
	for n < len(s.messages) && s.messages[n].CreatedAt.Before(cutoff) {
		n++
	}
	if n == 0 {
		return nil
	}
	s.messages = append([]models.SignalingMessage(nil), s.messages[n:]...)
	s.dropped += n
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}
