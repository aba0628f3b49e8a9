package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/signaling"
)

// NotifyChannel is the LISTEN channel the insert trigger publishes on. The
// notification payload is the session ID.
const NotifyChannel = "signaling_messages"

const (
	messageColumns = `id, session_id, sender_id, message_type, payload, created_at`

	// rows can commit out of created_at order; the feed re-reads this far
	// back and skips what it already delivered
	feedLookback = 2 * time.Second
	feedPoll     = 5 * time.Second
)

// SignalingStore is a signaling.Log on the signaling_messages table. The
// live feed uses LISTEN/NOTIFY.
type SignalingStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func NewSignalingStore(pool *pgxpool.Pool, logger *log.Logger) *SignalingStore {
	if logger == nil {
		logger = log.Default()
	}
	return &SignalingStore{pool: pool, logger: logger.With("component", "pg-signaling")}
}

func scanMessage(row pgx.Row) (models.SignalingMessage, error) {
	var (
		m   models.SignalingMessage
		typ string
		raw []byte
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &typ, &raw, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Type = models.MessageType(typ)
	p, err := models.DecodePayload(m.Type, raw)
	if err != nil {
		return m, err
	}
	m.Payload = p
	return m, nil
}

func (s *SignalingStore) Append(ctx context.Context, msg models.SignalingMessage) (models.SignalingMessage, error) {
	if !msg.Type.Valid() {
		return models.SignalingMessage{}, fmt.Errorf("invalid message type %q", msg.Type)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return models.SignalingMessage{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO signaling_messages (id, session_id, sender_id, message_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + messageColumns

	saved, err := scanMessage(s.pool.QueryRow(ctx, query,
		uuid.New().String(),
		msg.SessionID,
		msg.SenderID,
		string(msg.Type),
		payload,
	))
	if err != nil {
		return models.SignalingMessage{}, wrapErr(ctx, "append message", err)
	}
	return saved, nil
}

func (s *SignalingStore) List(ctx context.Context, sessionID, excludeSender string) ([]models.SignalingMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM signaling_messages
		WHERE session_id = $1 AND ($2::text = '' OR sender_id <> $2::text)
		ORDER BY created_at, id
	`
	rows, err := s.pool.Query(ctx, query, sessionID, excludeSender)
	if err != nil {
		return nil, wrapErr(ctx, "list messages", err)
	}
	defer rows.Close()

	var out []models.SignalingMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			s.logger.Warn("Skipping malformed signaling row", "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(ctx, "list messages", err)
	}
	return out, nil
}

// Subscribe holds one pooled connection in LISTEN mode for the lifetime
// of the subscription
func (s *SignalingStore) Subscribe(ctx context.Context, sessionID string) (*signaling.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapErr(ctx, "acquire listener", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, wrapErr(ctx, "listen", err)
	}

	f := &feed{
		store:     s,
		sessionID: sessionID,
		delivered: make(map[string]time.Time),
	}
	// everything already stored counts as delivered
	if err := f.prime(ctx); err != nil {
		s.unlisten(conn)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := signaling.NewSubscription(64, cancel)

	go func() {
		defer cancel()
		defer s.unlisten(conn)

		pending := true
		for {
			if pending {
				if err := f.deliver(ctx, sub); err != nil {
					if errors.Is(err, signaling.ErrClosed) {
						sub.Finish(nil)
					} else if ctx.Err() != nil {
						sub.Finish(ctx.Err())
					} else {
						sub.Finish(err)
					}
					return
				}
			}

			waitCtx, waitCancel := context.WithTimeout(ctx, feedPoll)
			n, err := conn.Conn().WaitForNotification(waitCtx)
			waitCancel()
			if err != nil {
				if ctx.Err() != nil {
					sub.Finish(ctx.Err())
					return
				}
				if errors.Is(err, context.DeadlineExceeded) {
					// poll anyway in case a notification was lost
					pending = true
					continue
				}
				sub.Finish(fmt.Errorf("failed to wait for notification: %w", err))
				return
			}
			pending = n.Payload == sessionID
		}
	}()

	return sub, nil
}

// unlisten returns the connection to the pool with LISTEN cleared
func (s *SignalingStore) unlisten(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		conn.Conn().Close(ctx)
	}
	conn.Release()
}

// Compact deletes the session's messages older than retain
func (s *SignalingStore) Compact(ctx context.Context, sessionID string, retain time.Duration) error {
	if retain <= 0 {
		return nil
	}
	query := `
		DELETE FROM signaling_messages
		WHERE session_id = $1 AND created_at < now() - make_interval(secs => $2)
	`
	tag, err := s.pool.Exec(ctx, query, sessionID, retain.Seconds())
	if err != nil {
		return wrapErr(ctx, "compact messages", err)
	}
	s.logger.Debug("Compacted signaling messages", "session", sessionID, "deleted", tag.RowsAffected())
	return nil
}

// feed remembers what it delivered within the lookback window
type feed struct {
	store     *SignalingStore
	sessionID string
	cursor    time.Time
	delivered map[string]time.Time
}

func (f *feed) prime(ctx context.Context) error {
	var now time.Time
	if err := f.store.pool.QueryRow(ctx, "SELECT clock_timestamp()").Scan(&now); err != nil {
		return wrapErr(ctx, "read clock", err)
	}
	f.cursor = now
	msgs, err := f.since(ctx, now.Add(-feedLookback))
	if err != nil {
		return err
	}
	for _, m := range msgs {
		f.delivered[m.ID] = m.CreatedAt
	}
	return nil
}

func (f *feed) since(ctx context.Context, from time.Time) ([]models.SignalingMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM signaling_messages
		WHERE session_id = $1 AND created_at >= $2
		ORDER BY created_at, id
	`
	rows, err := f.store.pool.Query(ctx, query, f.sessionID, from)
	if err != nil {
		return nil, wrapErr(ctx, "read new messages", err)
	}
	defer rows.Close()

	var out []models.SignalingMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			f.store.logger.Warn("Skipping malformed signaling row", "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(ctx, "read new messages", err)
	}
	return out, nil
}

func (f *feed) deliver(ctx context.Context, sub *signaling.Subscription) error {
	msgs, err := f.since(ctx, f.cursor.Add(-feedLookback))
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if _, ok := f.delivered[m.ID]; ok {
			continue
		}
		if !sub.Send(m) {
			return signaling.ErrClosed
		}
		f.delivered[m.ID] = m.CreatedAt
		if m.CreatedAt.After(f.cursor) {
			f.cursor = m.CreatedAt
		}
	}

	horizon := f.cursor.Add(-2 * feedLookback)
	for id, at := range f.delivered {
		if at.Before(horizon) {
			delete(f.delivered, id)
		}
	}
	return nil
}
