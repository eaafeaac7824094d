package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"qms/queue-engine/internal/models"
)

type Claimer interface {
	ClaimDueTimeouts(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.TimeoutJob, error)
}

type TimeoutHandler interface {
	HandleCallTimeout(ctx context.Context, job models.TimeoutJob) error
}

type PollerConfig struct {
	Interval  time.Duration
	Lease     time.Duration
	BatchSize int
}

// Poller fires due call-timeouts. A job whose handler fails stays leased and is
// claimed again once the lease runs out.
type Poller struct {
	claimer Claimer
	handler TimeoutHandler
	cfg     PollerConfig
	now     func() time.Time
	running int32
}

func NewPoller(claimer Claimer, handler TimeoutHandler, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Poller{
		claimer: claimer,
		handler: handler,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce claims one batch and handles it. It returns how many jobs were handled
// without error.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&p.running, 0)

	jobs, err := p.claimer.ClaimDueTimeouts(ctx, p.now(), p.cfg.Lease, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, job := range jobs {
		if err := p.handler.HandleCallTimeout(ctx, job); err != nil {
			log.Printf("call timeout error token=%s: %v", job.TokenID, err)
			continue
		}
		handled++
	}
	return handled, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			count, err := p.RunOnce(runCtx)
			cancel()
			if err != nil {
				log.Printf("call timeout scan error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("call timeout processed %d tokens", count)
			}
		}
	}
}
