package broadcast

import (
	"context"
	"errors"
	"time"

	"blastbot/internal/storage"
	logx "blastbot/pkg/logx"
)

// dispatch sends one job to its full contact list.
//
// Contacts are processed strictly in list order. Every contact produces
// exactly one delivery row, SUCCESS or FAILED. The job is removed from the
// store only after the last contact; an interrupted run leaves it in place
// so restart recovery retries the whole list.
func (s *Service) dispatch(ctx context.Context, job storage.Job) {
	log := s.log.With(logx.String("job", job.ID))

	defer func() {
		s.mu.Lock()
		delete(s.flags, job.ID)
		s.mu.Unlock()
	}()

	contacts, err := LoadContacts(job.ContactsPath)
	if err != nil {
		if errors.Is(err, ErrContactsMissing) {
			// The snapshot is gone; retrying later can't help. Abandon.
			log.Error("contacts snapshot missing; abandoning job",
				logx.String("path", job.ContactsPath))
			if rerr := s.jobs.Remove(job.ID); rerr != nil && !errors.Is(rerr, storage.ErrJobNotFound) {
				log.Error("failed removing abandoned job", logx.Err(rerr))
			}
			return
		}
		// Unexpected read failure: leave the job stored for a restart retry.
		log.Error("contacts snapshot unreadable; job left for retry", logx.Err(err))
		return
	}

	window, err := ParseWindow(
		fallback(job.DayFrom, s.cfg.DayFrom),
		fallback(job.DayUntil, s.cfg.DayUntil),
	)
	if err != nil {
		// Window strings were validated at schedule time; a bad stored value
		// means manual edits. Run unwindowed rather than wedge the job.
		log.Warn("invalid sending window; ignoring", logx.Err(err))
		window = Window{}
	}

	log.Info("dispatch started",
		logx.Int("contacts", len(contacts)),
		logx.String("window", window.String()),
		logx.String("template", job.TemplateID),
	)

	sent, failed := 0, 0
	for i, c := range contacts {
		if s.jobCanceled(job.ID) {
			log.Info("dispatch canceled", logx.Int("sent", sent), logx.Int("failed", failed))
			return
		}
		if err := s.waitForWindow(ctx, window); err != nil {
			log.Info("dispatch interrupted; job left for retry",
				logx.Int("sent", sent), logx.Int("failed", failed))
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				log.Info("dispatch interrupted; job left for retry",
					logx.Int("sent", sent), logx.Int("failed", failed))
				return
			}
		}

		text := FillName(job.Body, c.Name)
		status, body, serr := s.sender.Send(ctx, OutboundMessage{
			Dest:       c.Phone,
			TemplateID: job.TemplateID,
			Lang:       job.TemplateLang,
			Text:       text,
			MediaURL:   job.MediaURL,
		})

		row := storage.Delivery{
			At:         s.now(),
			Phone:      c.Phone,
			TemplateID: job.TemplateID,
			Funnel:     job.Funnel,
		}
		if serr == nil && status == 202 {
			row.Status = storage.StatusSuccess
			row.Excerpt = body
			sent++
		} else {
			row.Status = storage.StatusFailed
			if serr != nil {
				row.Excerpt = serr.Error()
			} else {
				row.Excerpt = body
			}
			failed++
			log.Warn("send failed",
				logx.String("phone", c.Phone),
				logx.Int("http_status", status),
				logx.Err(serr),
			)
		}
		if err := s.deliveries.Append(ctx, row); err != nil {
			log.Error("delivery log append failed", logx.Err(err))
		}
		s.met.Send(row.Status)

		if i < len(contacts)-1 {
			if err := s.randomPause(ctx); err != nil {
				log.Info("dispatch interrupted during pause; job left for retry",
					logx.Int("sent", sent), logx.Int("failed", failed))
				return
			}
		}
	}

	if err := s.jobs.Remove(job.ID); err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		log.Error("failed removing completed job", logx.Err(err))
		return
	}
	s.met.Completed()
	log.Info("dispatch finished", logx.Int("sent", sent), logx.Int("failed", failed))
}

func (s *Service) jobCanceled(id string) bool {
	s.mu.Lock()
	f := s.flags[id]
	s.mu.Unlock()
	return f != nil && f.isCanceled()
}

// waitForWindow blocks until the wall clock enters the sending window,
// re-checking once a minute.
func (s *Service) waitForWindow(ctx context.Context, w Window) error {
	if w.Contains(s.now()) {
		return nil
	}
	s.log.Debug("outside sending window; waiting", logx.String("window", w.String()))
	t := time.NewTicker(s.windowPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if w.Contains(s.now()) {
				return nil
			}
		}
	}
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
