package sweep

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
)

// Pruner drops document sessions that no longer have members and reports
// how many it removed.
type Pruner interface {
	PruneEmpty() int
}

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// Service periodically removes empty sessions left behind by the last leave.
type Service struct {
	pruner  Pruner
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(pruner Pruner, config Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		pruner:  pruner,
		config:  config,
		logger:  logger.With(slog.String("component", "sweep")),
		metrics: m,
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("sweeper started", slog.Duration("interval", s.config.Interval))
}

// Stop waits for an in-flight sweep to finish. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.logger.Info("sweeper stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

// SweepNow prunes immediately and returns the number of sessions removed.
func (s *Service) SweepNow() int {
	n := s.pruner.PruneEmpty()
	if n > 0 {
		s.metrics.Pruned(n)
		s.logger.Debug("pruned empty sessions", slog.Int("count", n))
	}
	return n
}
