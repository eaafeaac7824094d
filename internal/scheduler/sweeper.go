package scheduler

import (
	"context"
	"log"
	"time"
)

type Expirer interface {
	ExpireAll(ctx context.Context, cutoff time.Time) (int, error)
	StartOfToday() time.Time
}

// Sweeper expires non-terminal tokens left over from previous days.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
}

func NewSweeper(expirer Expirer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{expirer: expirer, interval: interval}
}

func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.expirer.ExpireAll(ctx, s.expirer.StartOfToday())
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			count, err := s.RunOnce(runCtx)
			cancel()
			if err != nil {
				log.Printf("expiry sweep error: %v", err)
			}
			if count > 0 {
				log.Printf("expiry sweep expired %d tokens", count)
			}
		}
	}
}
