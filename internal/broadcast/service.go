// Package broadcast arms scheduled jobs on deadline timers and dispatches
// them over a worker pool with paced, windowed sends.
package broadcast

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"blastbot/internal/metrics"
	rtsup "blastbot/internal/runtime/supervisor"
	"blastbot/internal/storage"
	logx "blastbot/pkg/logx"
)

var ErrNotRunning = errors.New("broadcast service not running")

// cancelFlag lets CancelJob stop an in-flight dispatch between contacts.
type cancelFlag struct {
	mu       sync.Mutex
	canceled bool
}

func (f *cancelFlag) cancel() {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
}

func (f *cancelFlag) isCanceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

type Service struct {
	cfg        Config
	log        logx.Logger
	jobs       *storage.JobStore
	deliveries *storage.DeliveryLog
	sender     Sender
	met        *metrics.Metrics

	// now and windowPoll are swappable for tests.
	now        func() time.Time
	windowPoll time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	queue   chan storage.Job
	ver     map[string]uint64
	timers  map[string]*time.Timer
	flags   map[string]*cancelFlag
}

func New(cfg Config, jobs *storage.JobStore, deliveries *storage.DeliveryLog, sender Sender, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	s := &Service{
		cfg:        cfg,
		log:        log,
		jobs:       jobs,
		deliveries: deliveries,
		sender:     sender,
		met:        met,
		now:        time.Now,
		windowPoll: time.Minute,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		ver:        map[string]uint64{},
		timers:     map[string]*time.Timer{},
		flags:      map[string]*cancelFlag{},
	}
	if cfg.RatePerMin > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), 1)
	}
	return s
}

// Start spins up the dispatch worker pool. Timers are armed separately,
// via Recover() for persisted jobs and Schedule() for new ones.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.queue = make(chan storage.Job, 64)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "broadcast"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		s.sup.Go0("dispatch.worker", func(c context.Context) {
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.runWorker(c)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		})
	}
	s.log.Info("service started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("delay_min", s.cfg.DelayMin),
		logx.Duration("delay_max", s.cfg.DelayMax),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.met.ArmedDelta(-float64(len(s.ver)))
	s.ver = map[string]uint64{}
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

// Schedule persists a new job and arms its deadline timer.
func (s *Service) Schedule(j storage.Job) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.mu.Unlock()

	if err := s.jobs.Append(j); err != nil {
		return err
	}
	s.Arm(j)
	s.log.Info("job scheduled",
		logx.String("job", j.ID),
		logx.Time("run_at", j.RunAt),
		logx.String("template", j.TemplateID),
	)
	return nil
}

// Arm sets (or replaces) the one-shot timer for a job. A job whose run_at
// already passed fires immediately. Each armed job is disarmed exactly
// once, when its dispatch is enqueued.
func (s *Service) Arm(j storage.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	// Bump version so stale callbacks from a replaced timer are ignored.
	ver := s.ver[j.ID] + 1
	fresh := ver == 1
	s.ver[j.ID] = ver
	if t, ok := s.timers[j.ID]; ok {
		t.Stop()
	}

	delay := j.RunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	localVer := ver
	job := j
	s.timers[j.ID] = time.AfterFunc(delay, func() {
		// If the job was canceled or re-armed, ignore this callback.
		s.mu.Lock()
		if !s.running || s.ver[job.ID] != localVer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, job.ID)
		delete(s.ver, job.ID)
		flag := &cancelFlag{}
		s.flags[job.ID] = flag
		queue := s.queue
		sup := s.sup
		s.mu.Unlock()

		s.met.ArmedDelta(-1)
		// Hand off to the pool without blocking the timer goroutine.
		sup.Go0("dispatch.enqueue", func(c context.Context) {
			select {
			case queue <- job:
			case <-c.Done():
			}
		})
	})
	if fresh {
		s.met.ArmedDelta(1)
	}
}

// Disarm stops a pending timer without touching the store.
// Returns false if the job was not armed.
func (s *Service) Disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, armed := s.ver[id]
	if !armed {
		return false
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.ver, id)
	s.met.ArmedDelta(-1)
	return true
}

// Armed lists job ids currently waiting on a timer.
func (s *Service) Armed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ver))
	for id := range s.ver {
		out = append(out, id)
	}
	return out
}

// CancelJob disarms a job, flags any in-flight dispatch to stop at the next
// contact boundary, and removes the job from the store.
func (s *Service) CancelJob(id string) error {
	s.Disarm(id)

	s.mu.Lock()
	if f, ok := s.flags[id]; ok {
		f.cancel()
	}
	s.mu.Unlock()

	err := s.jobs.Remove(id)
	if errors.Is(err, storage.ErrJobNotFound) {
		// Already dispatched to completion, or never stored. Either way
		// there's nothing left to cancel.
		return nil
	}
	if err == nil {
		s.log.Info("job canceled", logx.String("job", id))
	}
	return err
}

func (s *Service) runWorker(ctx context.Context) {
	for {
		s.mu.Lock()
		queue := s.queue
		s.mu.Unlock()
		if queue == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			s.dispatch(ctx, j)
		}
	}
}

// randomPause sleeps a uniformly random duration in [DelayMin, DelayMax].
// Fresh randomness per call so the pacing never settles into a pattern.
func (s *Service) randomPause(ctx context.Context) error {
	min, max := s.cfg.DelayMin, s.cfg.DelayMax
	if max <= 0 || max < min {
		return nil
	}
	s.rngMu.Lock()
	d := min + time.Duration(s.rng.Int63n(int64(max-min)+1))
	s.rngMu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
