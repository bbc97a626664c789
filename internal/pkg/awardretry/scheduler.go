package awardretry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/contest"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultMaxAttempts = 3

	attemptTimeout = 30 * time.Second
)

var errPanic = errors.New("award panicked")

// Options configures a Scheduler. Reconciler and Store are optional.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Reconciler  Reconciler
	Store       Store
}

// Scheduler retries failed ticket awards on a fixed interval. Entries are
// keyed by (userRef, orderId) and dropped after MaxAttempts attempts.
type Scheduler struct {
	awarder     Awarder
	reconciler  Reconciler
	store       Store
	interval    time.Duration
	maxAttempts int
	now         func() time.Time

	mu        sync.Mutex
	queue     map[string]*Entry
	dropped   map[string]struct{}
	lastRunAt time.Time

	busy atomic.Bool

	lifecycle sync.Mutex
	ticker    *time.Ticker
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

func NewScheduler(awarder Awarder, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	s := &Scheduler{
		awarder:     awarder,
		reconciler:  opts.Reconciler,
		store:       opts.Store,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		queue:       make(map[string]*Entry),
		dropped:     make(map[string]struct{}),
	}
	s.restore()
	return s
}

func (s *Scheduler) restore() {
	if s.store == nil {
		return
	}
	entries, err := s.store.Load()
	if err != nil {
		log.Warnf("[AwardRetry] Could not load persisted queue: %v", err)
		return
	}
	s.mu.Lock()
	for i := range entries {
		e := entries[i]
		s.queue[e.Key()] = &e
	}
	s.mu.Unlock()
	if len(entries) > 0 {
		log.Infof("[AwardRetry] Restored %d queued awards", len(entries))
	}
}

// Enqueue inserts a failed award with attempt 1, or bumps the attempt
// count and last error of an existing entry.
func (s *Scheduler) Enqueue(req contest.AwardRequest, cause error) {
	s.mu.Lock()
	key := entryKey(req.UserRef, req.OrderID)
	e, ok := s.queue[key]
	if ok {
		e.AttemptCount++
	} else {
		e = &Entry{
			UserRef:        req.UserRef,
			OrderID:        req.OrderID,
			PlanID:         req.PlanID,
			OrderCreatedAt: req.OrderCreatedAt,
			AttemptCount:   1,
		}
		s.queue[key] = e
		delete(s.dropped, key)
	}
	e.LastError = errString(cause)
	e.LastAttemptAt = s.now()
	snapshot := *e
	s.mu.Unlock()

	s.persist(snapshot)
	log.Infof("[AwardRetry] Added to retry queue: %s (attempt %d)", key, snapshot.AttemptCount)
}

// Stats returns a copy of the queue ordered by order id.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Entry, 0, len(s.queue))
	for _, e := range s.queue {
		items = append(items, *e)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].OrderID < items[j].OrderID })
	return Stats{
		QueueSize:   len(items),
		Dropped:     len(s.dropped),
		Running:     s.busy.Load(),
		LastRunAt:   s.lastRunAt,
		MaxAttempts: s.maxAttempts,
		Items:       items,
	}
}

// RunOnce processes the queue once. A call made while another pass is still
// running returns immediately with Skipped set.
func (s *Scheduler) RunOnce(ctx context.Context) RunResult {
	if !s.busy.CompareAndSwap(false, true) {
		log.Info("[AwardRetry] Previous run still in progress, skipping")
		return RunResult{Skipped: true}
	}
	defer s.busy.Store(false)

	var res RunResult
	res.Reconciled = s.reconcile(ctx)

	var due []Entry
	var expired []string
	s.mu.Lock()
	for key, e := range s.queue {
		if e.AttemptCount > s.maxAttempts {
			log.Warnf("[AwardRetry] Max attempts (%d) reached for %s, removing from queue", s.maxAttempts, key)
			s.dropLocked(key)
			expired = append(expired, key)
			continue
		}
		due = append(due, *e)
	}
	s.mu.Unlock()
	for _, key := range expired {
		s.unpersist(key)
	}
	res.Dropped = len(expired)
	sort.Slice(due, func(i, j int) bool { return due[i].LastAttemptAt.Before(due[j].LastAttemptAt) })

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		ok, err := s.attempt(ctx, e)
		switch {
		case err == nil && ok:
			log.Infof("[AwardRetry] Successfully awarded tickets for %s", e.Key())
			s.remove(e.Key())
			res.Awarded++
		case err != nil:
			log.Errorf("[AwardRetry] Error retrying %s: %v", e.Key(), err)
			if s.bump(e.Key(), err) {
				res.Dropped++
			}
		default:
			log.Infof("[AwardRetry] Award for %s not applicable yet (no contest or outside period)", e.Key())
			if s.bump(e.Key(), nil) {
				res.Dropped++
			}
		}
	}

	s.mu.Lock()
	s.lastRunAt = s.now()
	res.Remaining = len(s.queue)
	s.mu.Unlock()

	if res.Attempted > 0 || res.Dropped > 0 {
		log.Infof("[AwardRetry] Processed retry queue: attempted %d, awarded %d, dropped %d, remaining %d",
			res.Attempted, res.Awarded, res.Dropped, res.Remaining)
	}
	return res
}

// reconcile enqueues paid orders missing from the ledger. Existing entries
// are not bumped and dropped keys stay dropped.
func (s *Scheduler) reconcile(ctx context.Context) int {
	if s.reconciler == nil {
		return 0
	}
	missing, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		log.Warnf("[AwardRetry] Reconciliation scan failed: %v", err)
		return 0
	}

	var added []Entry
	s.mu.Lock()
	for _, req := range missing {
		key := entryKey(req.UserRef, req.OrderID)
		if _, queued := s.queue[key]; queued {
			continue
		}
		if _, gone := s.dropped[key]; gone {
			continue
		}
		e := &Entry{
			UserRef:        req.UserRef,
			OrderID:        req.OrderID,
			PlanID:         req.PlanID,
			OrderCreatedAt: req.OrderCreatedAt,
			AttemptCount:   1,
			LastError:      "missing ledger entry",
			LastAttemptAt:  s.now(),
		}
		s.queue[key] = e
		added = append(added, *e)
	}
	s.mu.Unlock()

	for _, e := range added {
		s.persist(e)
	}
	if len(added) > 0 {
		log.Infof("[AwardRetry] Reconciliation queued %d paid orders without tickets", len(added))
	}
	return len(added)
}

func (s *Scheduler) attempt(ctx context.Context, e Entry) (ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[AwardRetry] Panic while awarding %s: %v", e.Key(), r)
			ok, err = false, errPanic
		}
	}()
	return s.awarder.AwardTicketsForPayment(ctx, e.request())
}

// bump records a failed attempt and reports whether the entry was dropped.
func (s *Scheduler) bump(key string, cause error) bool {
	s.mu.Lock()
	e, ok := s.queue[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.AttemptCount++
	e.LastAttemptAt = s.now()
	if cause != nil {
		e.LastError = cause.Error()
	}
	if e.AttemptCount > s.maxAttempts {
		log.Warnf("[AwardRetry] Removing %s from queue after %d attempts", key, s.maxAttempts)
		s.dropLocked(key)
		s.mu.Unlock()
		s.unpersist(key)
		return true
	}
	snapshot := *e
	s.mu.Unlock()
	s.persist(snapshot)
	return false
}

func (s *Scheduler) remove(key string) {
	s.mu.Lock()
	delete(s.queue, key)
	s.mu.Unlock()
	s.unpersist(key)
}

func (s *Scheduler) dropLocked(key string) {
	delete(s.queue, key)
	s.dropped[key] = struct{}{}
}

func (s *Scheduler) persist(e Entry) {
	if s.store == nil {
		return
	}
	if err := s.store.Put(e); err != nil {
		log.Warnf("[AwardRetry] Could not persist %s: %v", e.Key(), err)
	}
}

func (s *Scheduler) unpersist(key string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(key); err != nil {
		log.Warnf("[AwardRetry] Could not delete %s from store: %v", key, err)
	}
}

// Start launches the background worker. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.ticker = time.NewTicker(s.interval)
	s.running = true

	s.wg.Add(1)
	go s.worker(ctx, s.ticker, s.stopCh)
	log.Infof("[AwardRetry] Retry scheduler started (interval: %s, max attempts: %d)", s.interval, s.maxAttempts)
}

// Stop halts the worker and waits for an in-flight run. The store stays
// open; its owner closes it.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.running {
		return
	}

	s.ticker.Stop()
	close(s.stopCh)
	s.cancel()
	s.running = false
	s.wg.Wait()
	log.Info("[AwardRetry] Retry scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, ticker *time.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
