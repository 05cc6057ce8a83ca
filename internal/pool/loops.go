package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/deskmate/internal/agent"
)

func (p *Pool) startLoopsLocked() {
	ctx, cancel := context.WithCancel(p.lifetime)
	p.stopLoops = cancel
	p.loopsGroup.Add(2)
	go p.runLoop(ctx, "health_check", p.cfg.HealthCheckInterval, p.checkHealth)
	go p.runLoop(ctx, "idle_shrink", p.cfg.IdleTimeout, p.shrinkIdle)
}

// runLoop calls fn every interval until ctx ends. A failing iteration is
// logged and the loop keeps going.
func (p *Pool) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer p.loopsGroup.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.logger.Info("Pool loop started", "loop", name, "interval", interval)

	for {
		select {
		case <-ticker.C:
			if err := p.runIteration(ctx, fn); err != nil {
				p.logger.Error("Pool loop iteration failed", "loop", name, "error", err)
			}
		case <-ctx.Done():
			p.logger.Info("Pool loop shutting down", "loop", name, "reason", ctx.Err())
			return
		}
	}
}

func (p *Pool) runIteration(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// checkHealth removes idle entries whose client is no longer usable.
// Leased entries are left alone; their holders see the failure directly.
func (p *Pool) checkHealth(ctx context.Context) error {
	var suspects []*entry
	for _, e := range p.snapshot() {
		if ctx.Err() != nil {
			return nil
		}
		if p.isIdle(e) && !p.probe(e) {
			suspects = append(suspects, e)
		}
	}
	if len(suspects) == 0 {
		return nil
	}

	var reaped []*entry
	p.mu.Lock()
	for _, e := range suspects {
		if e.acquired {
			continue
		}
		if p.removeLocked(e) {
			e.errorCount++
			reaped = append(reaped, e)
		}
	}
	if len(reaped) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, e := range reaped {
		p.disconnect(e, "unhealthy")
	}
	if len(reaped) > 0 {
		p.logger.Info("Reaped unhealthy agent clients", "count", len(reaped))
	}
	return nil
}

func (p *Pool) isIdle(e *entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !e.acquired
}

// probe prefers the client's own liveness flag and falls back to a
// ServerInfo round trip.
func (p *Pool) probe(e *entry) bool {
	if hr, ok := e.client.(agent.HealthReporter); ok {
		return hr.Connected()
	}
	ctx, cancel := context.WithTimeout(p.lifetime, p.cfg.CallTimeout)
	defer cancel()
	if _, err := e.client.ServerInfo(ctx); err != nil {
		p.logger.Debug("Agent client health probe failed", "entry_id", e.id, "error", err)
		return false
	}
	return true
}

// shrinkIdle disconnects entries idle for longer than IdleTimeout, keeping at
// least InitialSize entries.
func (p *Pool) shrinkIdle(_ context.Context) error {
	now := time.Now()

	p.mu.Lock()
	excess := len(p.entries) - p.cfg.InitialSize
	var victims []*entry
	for _, e := range append([]*entry(nil), p.entries...) {
		if excess <= 0 {
			break
		}
		if e.acquired || now.Sub(e.lastReleasedAt) < p.cfg.IdleTimeout {
			continue
		}
		p.removeLocked(e)
		victims = append(victims, e)
		excess--
	}
	p.mu.Unlock()

	for _, e := range victims {
		p.disconnect(e, "idle")
	}
	if len(victims) > 0 {
		p.logger.Info("Shrank idle agent pool", "removed", len(victims))
	}
	return nil
}
