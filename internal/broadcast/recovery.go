package broadcast

import (
	"context"
	"errors"

	"blastbot/internal/storage"
	logx "blastbot/pkg/logx"
)

// Recover re-arms persisted jobs after a restart. It runs before the
// operator UI starts accepting new jobs.
//
// Jobs whose run_at is strictly in the past are discarded: firing a stale
// broadcast hours late surprises recipients more than dropping it, and the
// operator sees the expiry in the log and the counters. Everything else is
// re-armed at its original run_at. Contacts already sent before a crash
// are not tracked, so a recovered job repeats its whole list by design of
// the at-least-once model.
func (s *Service) Recover(ctx context.Context) error {
	jobs, err := s.jobs.List()
	if err != nil {
		return err
	}

	expired, armed := 0, 0
	now := s.now()
	for _, j := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if j.RunAt.Before(now) {
			if rerr := s.jobs.Remove(j.ID); rerr != nil && !errors.Is(rerr, storage.ErrJobNotFound) {
				s.log.Error("failed removing expired job", logx.String("job", j.ID), logx.Err(rerr))
				continue
			}
			s.met.Expired()
			expired++
			s.log.Warn("job expired during downtime; discarded",
				logx.String("job", j.ID),
				logx.Time("run_at", j.RunAt),
			)
			continue
		}
		s.Arm(j)
		armed++
	}

	s.log.Info("recovery finished",
		logx.Int("armed", armed),
		logx.Int("expired", expired),
	)
	return nil
}
