// Package scheduler runs the refresh jobs of every (asset, job type) on its
// own fixed-rate timer. A runner is Idle, Running or Cooling; a tick that
// arrives while Running is dropped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

type JobType string

const (
	JobUnderlying JobType = "underlying"
	JobIV         JobType = "iv"
	JobVolume     JobType = "volume"
	JobChain      JobType = "chain"
)

// Ticks may arrive up to Interval/jitterDivisor early relative to the
// recorded start, for example after a run-on-start cycle.
const jitterDivisor = 10

type RunState int

const (
	Idle RunState = iota
	Running
	Cooling
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cooling:
		return "cooling"
	default:
		return "unknown"
	}
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RunState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "cooling":
		*s = Cooling
	default:
		return fmt.Errorf("unknown run state %q", text)
	}
	return nil
}

// RunFunc is one job cycle for one asset.
type RunFunc func(ctx context.Context, asset models.Asset) error

type Job struct {
	Asset    models.Asset
	Type     JobType
	Interval time.Duration
	Run      RunFunc
}

func (j Job) key() string {
	return fmt.Sprintf("%s/%s", j.Asset, j.Type)
}

type Options struct {
	RunOnStart      bool
	StaleTolerance  float64
	ShutdownTimeout time.Duration
}

// JobStatus is a read-only view of one runner.
type JobStatus struct {
	Asset        models.Asset  `json:"asset"`
	Job          JobType       `json:"job"`
	State        RunState      `json:"state"`
	Interval     time.Duration `json:"interval"`
	LastStart    time.Time     `json:"lastStart"`
	LastEnd      time.Time     `json:"lastEnd"`
	LastSuccess  time.Time     `json:"lastSuccess"`
	LastError    string        `json:"lastError,omitempty"`
	LastRunID    string        `json:"lastRunId,omitempty"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	DroppedTicks int64         `json:"droppedTicks"`
	Stale        bool          `json:"stale"`
}

type runner struct {
	job Job

	mu          sync.Mutex
	state       RunState
	lastStart   time.Time
	lastEnd     time.Time
	lastSuccess time.Time
	lastErr     string
	lastRunID   string
	runs        int64
	failures    int64
	dropped     int64
}

type Scheduler struct {
	clock   Clock
	opts    Options
	log     *logger.Log
	runners []*runner
	keys    map[string]struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopCh   chan struct{}
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

func New(clock Clock, opts Options) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if opts.StaleTolerance <= 0 {
		opts.StaleTolerance = 3
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Scheduler{
		clock:  clock,
		opts:   opts,
		log:    logger.GetLogger(),
		keys:   make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.key())
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s interval must be greater than 0", job.key())
	}
	if _, dup := s.keys[job.key()]; dup {
		return fmt.Errorf("job %s already registered", job.key())
	}
	s.keys[job.key()] = struct{}{}
	s.runners = append(s.runners, &runner{job: job})
	return nil
}

// Start creates one timer per registered job. ctx stops the timers; runs
// already in flight are not cancelled by it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	log := s.log.WithComponent("scheduler")
	for _, r := range s.runners {
		ticker := s.clock.NewTicker(r.job.Interval)
		s.loops.Add(1)
		go s.loop(ctx, r, ticker)
		log.WithFields(logger.Fields{
			"asset":    r.job.Asset,
			"job":      r.job.Type,
			"interval": r.job.Interval.String(),
		}).Info("job scheduled")
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, r *runner, ticker Ticker) {
	defer s.loops.Done()
	defer ticker.Stop()

	runCtx := context.WithoutCancel(ctx)
	if s.opts.RunOnStart {
		s.fire(runCtx, r, s.clock.Now())
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C():
			s.fire(runCtx, r, now)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, r *runner, now time.Time) {
	r.mu.Lock()
	if r.state == Cooling && now.Sub(r.lastStart) >= r.job.Interval-r.job.Interval/jitterDivisor {
		r.state = Idle
	}
	switch r.state {
	case Running:
		r.dropped++
		r.mu.Unlock()
		metrics.TickDropped(r.job.Asset.String(), string(r.job.Type))
		logger.RecordDroppedTick()
		s.log.WithComponent("scheduler").WithFields(logger.Fields{
			"asset": r.job.Asset,
			"job":   r.job.Type,
		}).Warn("previous cycle still running, tick dropped")
		return
	case Cooling:
		r.mu.Unlock()
		return
	}

	runID := uuid.New().String()
	r.state = Running
	r.lastStart = now
	r.lastRunID = runID
	s.inflight.Add(1)
	r.mu.Unlock()

	go s.run(ctx, r, runID)
}

func (s *Scheduler) run(ctx context.Context, r *runner, runID string) {
	defer s.inflight.Done()
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"asset":  r.job.Asset,
		"job":    r.job.Type,
		"run_id": runID,
	})

	start := s.clock.Now()
	err := r.job.Run(ctx, r.job.Asset)
	end := s.clock.Now()

	r.mu.Lock()
	r.state = Cooling
	r.lastEnd = end
	r.runs++
	if err == nil {
		r.lastSuccess = end
		r.lastErr = ""
	} else {
		r.failures++
		r.lastErr = err.Error()
	}
	r.mu.Unlock()

	metrics.JobCycle(r.job.Asset.String(), string(r.job.Type), err == nil, end.Sub(start), end)
	logger.RecordCycle(err == nil)

	if err != nil {
		entry := log.WithError(err).WithField("duration", end.Sub(start).String())
		if errors.Is(err, models.ErrAggregationInvariant) {
			entry.Error("job cycle failed")
		} else {
			entry.Warn("job cycle failed")
		}
		return
	}
	log.WithField("duration", end.Sub(start).String()).Debug("job cycle finished")
}

// Stop halts every timer and waits for runs in flight, bounded by the
// shutdown timeout.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.WithComponent("scheduler").Info("scheduler stopped")
		return nil
	case <-time.After(s.opts.ShutdownTimeout):
		return fmt.Errorf("timed out after %s waiting for running jobs", s.opts.ShutdownTimeout)
	}
}

// Status reports every runner in registration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	runners := append([]*runner(nil), s.runners...)
	s.mu.Unlock()

	now := s.clock.Now()
	out := make([]JobStatus, 0, len(runners))
	for _, r := range runners {
		r.mu.Lock()
		st := JobStatus{
			Asset:        r.job.Asset,
			Job:          r.job.Type,
			State:        r.state,
			Interval:     r.job.Interval,
			LastStart:    r.lastStart,
			LastEnd:      r.lastEnd,
			LastSuccess:  r.lastSuccess,
			LastError:    r.lastErr,
			LastRunID:    r.lastRunID,
			Runs:         r.runs,
			Failures:     r.failures,
			DroppedTicks: r.dropped,
		}
		r.mu.Unlock()
		limit := time.Duration(float64(st.Interval) * s.opts.StaleTolerance)
		st.Stale = st.LastSuccess.IsZero() || now.Sub(st.LastSuccess) > limit
		out = append(out, st)
	}
	return out
}
