package preflight

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller re-runs a balance check on a fixed interval until its context ends.
// Ticks are skipped while suspended.
type Poller struct {
	interval time.Duration
	check    func(ctx context.Context)
	log      *zap.Logger

	mu        sync.Mutex
	suspended bool
}

// NewPoller polls by calling check every interval. check should deliver its
// own result; the poller only schedules it.
func NewPoller(interval time.Duration, check func(ctx context.Context), log *zap.Logger) *Poller {
	return &Poller{interval: interval, check: check, log: log}
}

func (p *Poller) Suspend() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}

func (p *Poller) Resume() {
	p.mu.Lock()
	p.suspended = false
	p.mu.Unlock()
}

func (p *Poller) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Debug("balance poller started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("balance poller stopped")
			return
		case <-ticker.C:
			if p.Suspended() {
				continue
			}
			p.check(ctx)
		}
	}
}
