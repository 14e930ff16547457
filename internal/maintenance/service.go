// Package maintenance runs cron-driven housekeeping: snapshot retention and
// a periodic config resync that catches file changes the watcher missed.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"execguard/internal/clock"
	"execguard/internal/config"
)

// Pruner applies snapshot retention. *snapshot.Manager satisfies it.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) ([]string, error)
}

type Options struct {
	Config *config.Versioned
	// ConfigPath enables the resync job. Empty disables it.
	ConfigPath string
	// Snapshots enables the prune job. Nil disables it.
	Snapshots Pruner
	Clock     clock.Clock
	Logger    *zerolog.Logger
}

type JobStatus struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
	Runs uint64    `json:"runs"`
}

type job struct {
	name string
	spec string
	id   cron.EntryID
}

type Service struct {
	cron    *cron.Cron
	vc      *config.Versioned
	path    string
	pruner  Pruner
	clk     clock.Clock
	log     zerolog.Logger
	stop    chan struct{}
	stopped sync.Once

	mu   sync.Mutex
	jobs []job
	runs map[string]uint64
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("maintenance requires a config")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	l := logger.With().Str("component", "maintenance").Logger()
	cl := cronLogger{l}
	s := &Service{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		vc:     opts.Config,
		path:   opts.ConfigPath,
		pruner: opts.Snapshots,
		clk:    opts.Clock,
		log:    l,
		stop:   make(chan struct{}),
		runs:   make(map[string]uint64),
	}

	cfg, _ := opts.Config.Get()
	if s.pruner != nil {
		if err := s.add("snapshot_prune", cfg.Maintenance.SnapshotPrune, func() { _, _ = s.PruneSnapshots(context.Background()) }); err != nil {
			return nil, err
		}
	}
	if s.path != "" {
		if err := s.add("config_resync", cfg.Maintenance.ConfigResync, func() { _, _ = s.ResyncConfig() }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) add(name, spec string, fn func()) error {
	if spec == "" {
		s.log.Info().Str("job", name).Msg("job disabled")
		return nil
	}
	if err := ValidateCronExpression(spec); err != nil {
		return fmt.Errorf("maintenance.%s: %w", name, err)
	}
	id, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		s.runs[name]++
		s.mu.Unlock()
		fn()
	})
	if err != nil {
		return fmt.Errorf("maintenance.%s: %w", name, err)
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, id: id})
	return nil
}

// Start runs the jobs until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.cron.Start()
	log := s.log.Info()
	for _, j := range s.jobs {
		log = log.Str(j.name, j.spec)
	}
	log.Msg("maintenance service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	s.log.Info().Msg("maintenance service stopped")
}

func (s *Service) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

// PruneSnapshots applies snapshot retention once.
func (s *Service) PruneSnapshots(ctx context.Context) ([]string, error) {
	if s.pruner == nil {
		return nil, nil
	}
	removed, err := s.pruner.Prune(ctx, s.clk.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot prune failed")
		return nil, err
	}
	if len(removed) > 0 {
		s.log.Info().Int("removed", len(removed)).Strs("snapshot_ids", removed).Msg("pruned snapshots")
	}
	return removed, nil
}

// ResyncConfig re-reads the config file and publishes it if it changed.
func (s *Service) ResyncConfig() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	return config.Reload(s.path, s.vc)
}

// Jobs lists the registered jobs. Before the cron loop has scheduled a job,
// Next is computed from the spec and the service clock.
func (s *Service) Jobs() []JobStatus {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.cron.Entry(j.id)
		st := JobStatus{Name: j.name, Spec: j.spec, Next: e.Next, Prev: e.Prev, Runs: s.runs[j.name]}
		if st.Next.IsZero() {
			if next, err := NextRunTime(j.spec, now); err == nil {
				st.Next = next
			}
		}
		out = append(out, st)
	}
	return out
}

// ValidateCronExpression accepts standard five-field specs and descriptors
// such as "@every 10m" or "@hourly".
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime reports when expr fires next after from.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron spec %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
