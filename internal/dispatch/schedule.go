package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultDrainSpec is the drain interval used when none is configured.
const DefaultDrainSpec = "@every 30s"

// Schedule periodically drains every device with staged work. It adds a
// timer on top of the pull-based retry; each run is a plain DrainAll.
type Schedule struct {
	d       *Dispatcher
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	c       *cron.Cron
	running bool
}

// NewSchedule registers d.DrainAll under spec, a standard cron expression or
// an @every descriptor. An empty spec means DefaultDrainSpec.
func NewSchedule(d *Dispatcher, spec string, logger zerolog.Logger) (*Schedule, error) {
	if spec == "" {
		spec = DefaultDrainSpec
	}
	s := &Schedule{
		d:       d,
		log:     logger,
		timeout: 5 * time.Minute,
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("dispatch: drain schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Schedule) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	if err := s.d.DrainAll(ctx); err != nil {
		s.log.Warn().Err(err).Msg("scheduled drain failed")
		return
	}
	s.log.Debug().Dur("took", time.Since(start)).Msg("scheduled drain")
}

// Start begins firing. Calling Start twice is a no-op.
func (s *Schedule) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	s.log.Info().Msg("drain schedule started")
}

// Stop stops firing and waits for a running drain, or for ctx.
func (s *Schedule) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.c.Stop().Done()
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
