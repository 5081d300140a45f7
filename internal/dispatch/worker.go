// Package dispatch runs the send workers: claim queue items, resolve
// the sending account, enforce quota, decrypt credentials, and hand
// the message to the backend adapter.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/distlock"
	"github.com/relaymail/dispatch/internal/provider"
	"github.com/relaymail/dispatch/internal/queue"
	"github.com/relaymail/dispatch/internal/quota"
	"github.com/relaymail/dispatch/internal/secrets"
	"github.com/relaymail/dispatch/internal/store"
)

// DefaultConcurrency is the worker count when the config does not set one.
const DefaultConcurrency = 5

// Pool claims queue items and dispatches them through backend adapters.
// Concurrency is bounded by the worker count; each worker claims a
// batch, processes it sequentially, then polls again.
type Pool struct {
	queue    *queue.Queue
	store    *store.Store
	quotas   *quota.Manager
	throttle *quota.Throttle
	cipher   *secrets.Cipher
	registry *provider.Registry
	lock     distlock.DistLock

	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration

	totalSent   int64
	totalFailed int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// PoolOptions configures a dispatch pool. Zero values fall back to
// defaults; Throttle may be nil to disable hourly throttling, and Lock
// may be nil when only one worker process runs maintenance.
type PoolOptions struct {
	Queue        *queue.Queue
	Store        *store.Store
	Quotas       *quota.Manager
	Throttle     *quota.Throttle
	Cipher       *secrets.Cipher
	Registry     *provider.Registry
	Lock         distlock.DistLock
	WorkerID     string
	NumWorkers   int
	BatchSize    int
	PollInterval time.Duration
}

// NewPool creates a dispatch pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = DefaultConcurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.WorkerID == "" {
		opts.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	return &Pool{
		queue:        opts.Queue,
		store:        opts.Store,
		quotas:       opts.Quotas,
		throttle:     opts.Throttle,
		cipher:       opts.Cipher,
		registry:     opts.Registry,
		lock:         opts.Lock,
		workerID:     opts.WorkerID,
		numWorkers:   opts.NumWorkers,
		batchSize:    opts.BatchSize,
		pollInterval: opts.PollInterval,
	}
}

// Start launches the workers and the maintenance loop.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[Dispatch] Starting %d workers (batch_size=%d, id=%s)",
		p.numWorkers, p.batchSize, p.workerID)

	go p.maintenanceLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels claiming and waits for in-flight items to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[Dispatch] Stopping workers...")
	p.wg.Wait()
	log.Printf("[Dispatch] Stopped. Total sent: %d, failed: %d",
		atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed))
}

// Stats returns lifetime counters for this pool instance.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":   atomic.LoadInt64(&p.totalSent),
		"total_failed": atomic.LoadInt64(&p.totalFailed),
	}
}

func (p *Pool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			items, err := p.queue.Claim(p.ctx, p.workerID, p.batchSize)
			if err != nil {
				log.Printf("[Dispatch] Worker %d: claim error: %v", workerNum, err)
				time.Sleep(time.Second)
				continue
			}
			if len(items) == 0 {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.pollInterval):
				}
				continue
			}
			for _, item := range items {
				if err := p.processItem(item); err != nil {
					log.Printf("[Dispatch] Worker %d: item %s: %v", workerNum, item.ID, err)
				}
			}
		}
	}
}

// processItem runs one delivery attempt end to end. Any pre-send gate
// failure (inactive account, spent quota, bad credentials) counts as a
// failed attempt and goes back through the retry policy.
func (p *Pool) processItem(item *domain.QueueItem) error {
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()

	account, err := p.store.GetActiveAccount(ctx, item.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAccountNotActive) {
			return p.fail(ctx, item, err.Error())
		}
		return err
	}

	ok, err := p.quotas.Check(ctx, account.ID)
	if err != nil {
		return err
	}
	if !ok {
		return p.fail(ctx, item, domain.ErrQuotaExceeded.Error())
	}

	if p.throttle != nil && account.Quota.Hourly > 0 {
		allowed, wait, err := p.throttle.Allow(ctx, account.ID, account.Quota.Hourly)
		if err != nil {
			log.Printf("[Dispatch] throttle check error for %s: %v", account.ID, err)
		} else if !allowed {
			return p.fail(ctx, item, fmt.Sprintf("hourly throttle exceeded, window resets in %s", wait.Round(time.Second)))
		}
	}

	creds, err := p.cipher.DecryptMap(account.Credentials)
	if err != nil {
		return p.fail(ctx, item, fmt.Sprintf("decrypt credentials: %v", err))
	}
	if !provider.ValidateCredentials(account.Backend, provider.Credentials(creds)) {
		return p.fail(ctx, item, domain.ErrInvalidCredentials.Error())
	}

	adapter, err := p.registry.Adapter(account.Backend, provider.Credentials(creds))
	if err != nil {
		return p.fail(ctx, item, err.Error())
	}

	msg := &provider.Message{
		From:        account.Email,
		FromName:    account.DisplayName,
		To:          item.To,
		CC:          item.CC,
		BCC:         item.BCC,
		Subject:     item.Subject,
		HTMLBody:    item.HTMLBody,
		TextBody:    item.TextBody,
		Attachments: item.Attachments,
		Metadata:    item.Metadata,
	}

	result, err := adapter.Send(ctx, msg)
	if err != nil {
		return p.fail(ctx, item, err.Error())
	}
	if !result.Success {
		return p.fail(ctx, item, result.Error)
	}

	if err := p.queue.MarkSent(ctx, item.ID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	logRow := &domain.DeliveryLog{
		QueueID:   item.ID,
		AccountID: account.ID,
		Backend:   account.Backend,
		MessageID: result.MessageID,
		To:        item.To,
		CC:        item.CC,
		BCC:       item.BCC,
		Subject:   item.Subject,
		Status:    domain.LogSent,
		SentAt:    result.SentAt,
	}
	if err := p.store.CreateDeliveryLog(ctx, logRow); err != nil {
		log.Printf("[Dispatch] delivery log write failed for %s: %v", item.ID, err)
	}

	if err := p.quotas.Consume(ctx, account.ID); err != nil && !errors.Is(err, domain.ErrQuotaExceeded) {
		log.Printf("[Dispatch] quota consume failed for %s: %v", account.ID, err)
	}

	atomic.AddInt64(&p.totalSent, 1)
	return nil
}

func (p *Pool) fail(ctx context.Context, item *domain.QueueItem, reason string) error {
	status, err := p.queue.RecordFailure(ctx, item, reason)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if status == domain.QueueFailed {
		atomic.AddInt64(&p.totalFailed, 1)
		log.Printf("[Dispatch] item %s failed permanently after %d attempts: %s",
			item.ID, item.RetryCount, reason)
	}
	return nil
}
