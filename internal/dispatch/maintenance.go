package dispatch

import (
	"context"
	"log"
	"time"
)

const (
	stuckAge         = 5 * time.Minute
	maintenanceEvery = time.Minute
	cleanEvery       = time.Hour
	keepSentItems    = 1000
)

// maintenanceLoop recovers stuck items, resets due quotas, and applies
// queue retention. Runs until the pool is stopped. With multiple worker
// processes, the distributed lock elects one maintainer per cycle.
func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	cleaner := time.NewTicker(cleanEvery)
	defer cleaner.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.asLeader(p.runMaintenance)
		case <-cleaner.C:
			p.asLeader(p.runClean)
		}
	}
}

// asLeader runs fn only while holding the maintenance lock. A nil lock
// means single-process deployment; fn runs unconditionally.
func (p *Pool) asLeader(fn func()) {
	if p.lock == nil {
		fn()
		return
	}
	ok, err := p.lock.Acquire(p.ctx)
	if err != nil {
		log.Printf("[Dispatch] maintenance lock error: %v", err)
		return
	}
	if !ok {
		return
	}
	defer p.lock.Release(p.ctx)
	fn()
}

func (p *Pool) runMaintenance() {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	if n, err := p.queue.ReleaseStuck(ctx, stuckAge); err != nil {
		log.Printf("[Dispatch] stuck item recovery error: %v", err)
	} else if n > 0 {
		log.Printf("[Dispatch] released %d stuck items for retry", n)
	}

	if n, err := p.quotas.ResetDue(ctx, time.Now()); err != nil {
		log.Printf("[Dispatch] quota reset error: %v", err)
	} else if n > 0 {
		log.Printf("[Dispatch] reset daily quota for %d accounts", n)
	}
}

func (p *Pool) runClean() {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	if n, err := p.queue.Clean(ctx, keepSentItems); err != nil {
		log.Printf("[Dispatch] queue clean error: %v", err)
	} else if n > 0 {
		log.Printf("[Dispatch] cleaned %d expired queue items", n)
	}
}
