package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceTTL = 24 * time.Hour

// Presence tracks which users are connected to a session's signaling
// relay
type Presence struct {
	client redis.Cmdable
}

func NewPresence(client redis.Cmdable) *Presence {
	return &Presence{client: client}
}

func presenceKey(sessionID string) string {
	return "session:" + sessionID + ":peers"
}

// Join adds userID to the session's peer set
func (p *Presence) Join(ctx context.Context, sessionID, userID string) error {
	key := presenceKey(sessionID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add peer: %w", err)
	}
	return nil
}

// Leave removes userID from the session's peer set
func (p *Presence) Leave(ctx context.Context, sessionID, userID string) error {
	if err := p.client.SRem(ctx, presenceKey(sessionID), userID).Err(); err != nil {
		return fmt.Errorf("failed to remove peer: %w", err)
	}
	return nil
}

// Count returns how many users are connected to the session
func (p *Presence) Count(ctx context.Context, sessionID string) (int, error) {
	n, err := p.client.SCard(ctx, presenceKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count peers: %w", err)
	}
	return int(n), nil
}

// Clear drops the session's peer set
func (p *Presence) Clear(ctx context.Context, sessionID string) error {
	if err := p.client.Del(ctx, presenceKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear peers: %w", err)
	}
	return nil
}
