package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type DelivererConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      Backoff
}

// Deliverer drains the delivery queue with a pool of workers.
type Deliverer struct {
	cfg    DelivererConfig
	queue  Queue
	store  Store
	client *http.Client
	clock  util.Clock
	log    *zap.Logger
	owner  string
	wake   <-chan struct{}
}

// NewDeliverer creates a deliverer. wake may be nil, the queue is then
// polled only.
func NewDeliverer(cfg DelivererConfig, queue Queue, store Store, client *http.Client, clock util.Clock, logger *zap.Logger, wake <-chan struct{}) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 10
	}
	// a lease must outlive the attempt it covers
	if cfg.Lease < 2*cfg.Timeout {
		cfg.Lease = 2 * cfg.Timeout
	}
	return &Deliverer{
		cfg:    cfg,
		queue:  queue,
		store:  store,
		client: client,
		clock:  clock,
		log:    logger,
		owner:  "worker-" + uuid.NewString(),
		wake:   wake,
	}
}

// Run delivers until ctx is cancelled. Tasks are claimed only for workers
// that are idle, so every attempt starts right after its lease is taken.
func (d *Deliverer) Run(ctx context.Context) error {
	d.log.Info("DeliveryWorker: starting", zap.Int("workers", d.cfg.Workers), zap.String("owner", d.owner))

	g, ctx := errgroup.WithContext(ctx)
	tasks := make(chan *domain.DeliveryTask)
	idle := make(chan struct{}, d.cfg.Workers)

	g.Go(func() error {
		defer close(tasks)
		d.claimLoop(ctx, tasks, idle)
		return nil
	})
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				idle <- struct{}{}
				task, ok := <-tasks
				if !ok {
					return nil
				}
				d.deliver(ctx, task)
			}
		})
	}

	err := g.Wait()
	d.log.Info("DeliveryWorker: stopped")
	return err
}

func (d *Deliverer) claimLoop(ctx context.Context, out chan<- *domain.DeliveryTask, idle chan struct{}) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ready, ok := acquireIdle(ctx, idle)
		if !ok {
			return
		}
		limit := min(ready, d.cfg.BatchSize)

		claimed, err := d.queue.Claim(ctx, d.owner, d.clock.Now(), d.cfg.Lease, limit)
		if err != nil && ctx.Err() == nil {
			d.log.Error("DeliveryWorker: failed to claim tasks", zap.Error(err))
		}
		for _, task := range claimed {
			select {
			case out <- task:
			case <-ctx.Done():
				return
			}
		}
		// workers that got nothing are still waiting on out
		for i := len(claimed); i < ready; i++ {
			idle <- struct{}{}
		}

		// a full claim means more may be due
		if len(claimed) == limit {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// acquireIdle blocks until one worker is idle and then takes every other idle
// worker as well.
func acquireIdle(ctx context.Context, idle <-chan struct{}) (int, bool) {
	select {
	case <-idle:
	case <-ctx.Done():
		return 0, false
	}
	n := 1
	for {
		select {
		case <-idle:
			n++
		default:
			return n, true
		}
	}
}

// RunOnce delivers up to one batch of due tasks and returns the number of
// tasks attempted. Tasks are claimed in rounds no larger than the worker
// pool.
func (d *Deliverer) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for total < d.cfg.BatchSize {
		limit := min(d.cfg.Workers, d.cfg.BatchSize-total)
		claimed, err := d.queue.Claim(ctx, d.owner, d.clock.Now(), d.cfg.Lease, limit)
		if err != nil {
			return total, fmt.Errorf("claim: %w", err)
		}

		var g errgroup.Group
		for _, task := range claimed {
			g.Go(func() error {
				d.deliver(ctx, task)
				return nil
			})
		}
		_ = g.Wait()
		total += len(claimed)

		if len(claimed) < limit || ctx.Err() != nil {
			break
		}
	}
	return total, nil
}

func (d *Deliverer) deliver(ctx context.Context, task *domain.DeliveryTask) {
	err := d.attempt(ctx, task)
	if ctx.Err() != nil {
		// shutting down, the lease runs out and the task is picked up again
		return
	}

	log := d.log.With(zap.String("activity", task.ActivityURI), zap.String("inbox", task.InboxURI))
	if err == nil {
		if err := d.queue.Complete(ctx, task.Id); err != nil {
			log.Error("DeliveryWorker: failed to complete task", zap.Error(err))
			return
		}
		log.Info("DeliveryWorker: delivered")
		return
	}

	task.Attempts++
	task.LastError = err.Error()

	if !IsRetryable(err) {
		d.deadLetter(ctx, log, task, err.Error())
		return
	}
	if task.Attempts >= d.cfg.MaxAttempts {
		d.deadLetter(ctx, log, task, fmt.Sprintf("giving up after %d attempts: %v", task.Attempts, err))
		return
	}

	delay := d.cfg.Backoff.Next(task.Attempts)
	if err := d.queue.Reschedule(ctx, task.Id, task.Attempts, d.clock.Now().Add(delay), task.LastError); err != nil {
		log.Error("DeliveryWorker: failed to reschedule task", zap.Error(err))
		return
	}
	log.Info("DeliveryWorker: delivery failed, retrying", zap.Int("attempt", task.Attempts), zap.Duration("delay", delay), zap.Error(err))
}

func (d *Deliverer) deadLetter(ctx context.Context, log *zap.Logger, task *domain.DeliveryTask, reason string) {
	if err := d.queue.DeadLetter(ctx, task, reason); err != nil {
		log.Error("DeliveryWorker: failed to dead-letter task", zap.Error(err))
	}
}

// attempt signs and posts the task once.
func (d *Deliverer) attempt(ctx context.Context, task *domain.DeliveryTask) error {
	key, err := d.store.LocalKeyPair(ctx, task.ActorURI)
	if err != nil {
		return &ValidationError{Msg: "no signing key for " + task.ActorURI, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.InboxURI, bytes.NewReader(task.ActivityJSON))
	if err != nil {
		return &ValidationError{Msg: "invalid inbox " + task.InboxURI, Err: err}
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	if err := SignRequest(req, task.ActivityJSON, key, d.clock.Now()); err != nil {
		return &ValidationError{Msg: "cannot sign for " + task.ActorURI, Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &TransportError{URL: task.InboxURI, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &TransportError{URL: task.InboxURI, Status: resp.StatusCode}
}
