package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/saintsal/gateway/config"
	"github.com/saintsal/gateway/internal/store"
)

// Sweeper periodically removes audit rows past the retention window. A
// short-lived redis lock keeps multiple gateway instances from sweeping
// the same window at once.
type Sweeper struct {
	store  *store.Store
	rdb    *redis.Client
	cron   string
	maxAge time.Duration
	logger *log.Logger
	stop   chan struct{}
}

func NewSweeper(cfg config.RetentionConfig, st *store.Store, rdb *redis.Client, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	return &Sweeper{
		store:  st,
		rdb:    rdb,
		cron:   cfg.Cron,
		maxAge: cfg.MaxAge,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called. Ticks once a minute and
// fires when the cron expression matches the current minute.
func (s *Sweeper) Start() {
	if s.maxAge <= 0 {
		s.logger.Printf("retention disabled (max_age not set)")
		return
	}
	expr, err := cronexpr.Parse(s.cron)
	if err != nil {
		s.logger.Printf("bad retention cron %q: %v", s.cron, err)
		return
	}
	go s.loop(expr)
}

func (s *Sweeper) Stop() { close(s.stop) }

func (s *Sweeper) loop(expr *cronexpr.Expression) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			if !isDue(expr, now) {
				continue
			}
			s.sweep(now)
		}
	}
}

// isDue reports whether the expression fires within the current minute.
func isDue(expr *cronexpr.Expression, now time.Time) bool {
	min := now.Truncate(time.Minute)
	next := expr.Next(min.Add(-time.Second))
	return !next.IsZero() && !next.After(min.Add(59*time.Second))
}

func (s *Sweeper) sweep(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.rdb != nil {
		key := fmt.Sprintf("gateway:sweep:%d", now.Truncate(time.Minute).Unix())
		ok, err := s.rdb.SetNX(ctx, key, "1", 2*time.Minute).Result()
		if err != nil {
			s.logger.Printf("sweep lock: %v (proceeding)", err)
		} else if !ok {
			return // another instance holds this window
		}
	}

	cutoff := now.Add(-s.maxAge)
	n, err := s.store.DeleteAuthEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Printf("sweep auth events: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("swept %d auth events older than %s", n, cutoff.Format(time.RFC3339))
	}
}
