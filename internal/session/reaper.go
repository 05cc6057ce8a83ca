package session

import (
	"context"
	"time"
)

// ReapCallback is called after the reaper closes an idle session.
type ReapCallback func(sessionID string)

// StartIdleReaper closes live sessions that have been idle longer than ttl,
// checking every interval until ctx ends. A session in the middle of a turn
// is never reaped.
func (c *Coordinator) StartIdleReaper(ctx context.Context, ttl, interval time.Duration, onReap ReapCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		c.logger.Info("Idle reaper started", "interval", interval, "ttl", ttl)
		for {
			select {
			case <-ticker.C:
				c.reapIdle(ctx, ttl, onReap)
			case <-ctx.Done():
				c.logger.Info("Idle reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reapIdle closes expired sessions and returns how many it closed.
func (c *Coordinator) reapIdle(ctx context.Context, ttl time.Duration, onReap ReapCallback) int {
	cutoff := time.Now().Add(-ttl)

	c.mu.Lock()
	var expired []*Session
	for _, s := range c.active {
		if since, idle := s.IdleSince(); idle && since.Before(cutoff) {
			expired = append(expired, s)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		if err := s.Close(ctx); err != nil {
			c.logger.Warn("Idle session close failed", "session_id", s.id, "error", err)
		}
		c.logger.Info("Idle session reaped", "session_id", s.id)
		if onReap != nil {
			onReap(s.id)
		}
	}
	return len(expired)
}
