// Package redis stores signaling messages in Redis Streams and tracks
// session presence in Redis sets.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/signaling"
	"github.com/redis/go-redis/v9"
)

const (
	fieldSender  = "sender_id"
	fieldType    = "message_type"
	fieldPayload = "payload"

	readBlock = 5 * time.Second
)

// StreamLog is a signaling.Log backed by one Redis stream per session.
// The stream entry ID is the message ID.
type StreamLog struct {
	client redis.Cmdable
	logger *log.Logger
	block  time.Duration
}

func NewStreamLog(client redis.Cmdable, logger *log.Logger) *StreamLog {
	if logger == nil {
		logger = log.Default()
	}
	return &StreamLog{client: client, logger: logger.With("component", "redis-stream"), block: readBlock}
}

func streamKey(sessionID string) string {
	return "signal:" + sessionID
}

func (s *StreamLog) Append(ctx context.Context, msg models.SignalingMessage) (models.SignalingMessage, error) {
	if msg.SessionID == "" {
		return models.SignalingMessage{}, errors.New("session id is required")
	}
	if !msg.Type.Valid() {
		return models.SignalingMessage{}, fmt.Errorf("invalid message type %q", msg.Type)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return models.SignalingMessage{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(msg.SessionID),
		Values: map[string]any{
			fieldSender:  msg.SenderID,
			fieldType:    string(msg.Type),
			fieldPayload: string(payload),
		},
	}).Result()
	if err != nil {
		return models.SignalingMessage{}, fmt.Errorf("failed to append message: %w", err)
	}

	createdAt, err := streamTime(id)
	if err != nil {
		return models.SignalingMessage{}, err
	}
	msg.ID = id
	msg.CreatedAt = createdAt
	return msg, nil
}

func (s *StreamLog) List(ctx context.Context, sessionID, excludeSender string) ([]models.SignalingMessage, error) {
	entries, err := s.client.XRange(ctx, streamKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	out := make([]models.SignalingMessage, 0, len(entries))
	for _, e := range entries {
		m, err := decodeEntry(sessionID, e)
		if err != nil {
			s.logger.Warn("Skipping malformed stream entry", "id", e.ID, "error", err)
			continue
		}
		if excludeSender != "" && m.SenderID == excludeSender {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Subscribe resolves the current end of the stream before returning, so
// nothing appended afterwards is missed.
func (s *StreamLog) Subscribe(ctx context.Context, sessionID string) (*signaling.Subscription, error) {
	key := streamKey(sessionID)

	last := "0-0"
	tail, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if len(tail) > 0 {
		last = tail[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := signaling.NewSubscription(64, cancel)

	go func() {
		defer cancel()
		for {
			if ctx.Err() != nil {
				sub.Finish(ctx.Err())
				return
			}
			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, last},
				Block:   s.block,
				Count:   100,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					sub.Finish(ctx.Err())
					return
				}
				sub.Finish(fmt.Errorf("failed to read stream: %w", err))
				return
			}

			for _, st := range streams {
				for _, e := range st.Messages {
					last = e.ID
					m, err := decodeEntry(sessionID, e)
					if err != nil {
						s.logger.Warn("Skipping malformed stream entry", "id", e.ID, "error", err)
						continue
					}
					if !sub.Send(m) {
						sub.Finish(nil)
						return
					}
				}
			}
		}
	}()

	return sub, nil
}

// Compact trims entries older than retain and expires the stream after
// retain so an ended session's log disappears on its own
func (s *StreamLog) Compact(ctx context.Context, sessionID string, retain time.Duration) error {
	if retain <= 0 {
		return nil
	}
	key := streamKey(sessionID)
	minID := strconv.FormatInt(time.Now().Add(-retain).UnixMilli(), 10) + "-0"

	pipe := s.client.TxPipeline()
	pipe.XTrimMinID(ctx, key, minID)
	pipe.Expire(ctx, key, retain)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to compact stream: %w", err)
	}
	return nil
}

// streamTime maps a stream ID "ms-seq" to a timestamp that preserves the
// stream order: the sequence number is added as nanoseconds.
func streamTime(id string) (time.Time, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid stream id %q", id)
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return time.UnixMilli(ms).UTC().Add(time.Duration(seq)), nil
}

func decodeEntry(sessionID string, e redis.XMessage) (models.SignalingMessage, error) {
	sender, _ := e.Values[fieldSender].(string)
	typ, _ := e.Values[fieldType].(string)
	raw, _ := e.Values[fieldPayload].(string)

	t := models.MessageType(typ)
	p, err := models.DecodePayload(t, json.RawMessage(raw))
	if err != nil {
		return models.SignalingMessage{}, err
	}
	createdAt, err := streamTime(e.ID)
	if err != nil {
		return models.SignalingMessage{}, err
	}
	return models.SignalingMessage{
		ID:        e.ID,
		SessionID: sessionID,
		SenderID:  sender,
		Type:      t,
		Payload:   p,
		CreatedAt: createdAt,
	}, nil
}
