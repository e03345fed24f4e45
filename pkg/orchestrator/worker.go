package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/loopmind/ctxcache/pkg/cache"
)

// runWorker is the background maintenance loop, grounded on
// dotsetgreg-dotagent/pkg/memory/service.go's runWorker: a ticker-driven
// loop selecting between stopCh and a tick, except the tick interval here
// is a fixed poll against a cron expression rather than the job's own
// lease-poll duration, since gronx evaluates "is this minute due" rather
// than scheduling an absolute next-fire time.
func (s *Service) runWorker() {
	defer s.wg.Done()

	const pollInterval = 5 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			due, err := s.cron.IsDue(s.cfg.SweepCron)
			if err != nil {
				s.log.Warn("invalid sweep cron expression", zap.Error(err))
				continue
			}
			if due {
				s.sweep()
			}
		}
	}
}

func (s *Service) sweep() {
	s.immediateTier.List(nil) // lazily evicts expired immediate-tier items as a side effect

	if mc, ok := s.responseCache.(*cache.MemoryCache); ok {
		if n := mc.Sweep(); n > 0 {
			s.log.Debug("swept expired cache entries", zap.Int("count", n))
		}
	}

	consolidated := s.sessionTier.ConsolidateAll()
	if consolidated > 0 {
		s.log.Info("consolidated session conversations", zap.Int("conversations", consolidated))
	}
}
