// SPDX-License-Identifier: MIT

// Package scheduler fires registered commands on their cron or interval
// schedules, enforces the global parallelism cap and drives each execution
// through the registry lifecycle.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cmdarr/cmdarr/internal/config"
	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/metrics"
	"github.com/cmdarr/cmdarr/internal/registry"
)

// ErrBusy reports that the global parallel-command cap is reached. Fires
// are skipped, never queued.
var ErrBusy = errors.New("maximum parallel commands reached")

// ErrUnknownCommand reports a trigger for an unregistered command.
var ErrUnknownCommand = errors.New("unknown command")

// Runner is a command implementation. The returned JSON becomes the
// execution's output summary.
type Runner func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error)

// Command is a compile-time command registration. Schedule and timeout are
// seed defaults; the registry row is authoritative once created.
type Command struct {
	Name          string
	DisplayName   string
	Description   string
	Schedule      string  // cron expression
	IntervalHours float64 // fallback when Schedule is empty
	TimeoutMin    int
	Internal      bool
	Target        string // external service the command writes to
	Run           Runner
}

// Event is broadcast to subscribers on every execution state change.
type Event struct {
	Command     string  `json:"command"`
	ExecutionID int64   `json:"execution_id"`
	Status      string  `json:"status"`
	DurationS   float64 `json:"duration,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Scheduler owns the tick loop and the execution launch path.
type Scheduler struct {
	reg      *registry.Registry
	cfg      *config.Store
	sink     *log.Sink
	logger   zerolog.Logger
	commands map[string]Command
	sem      *semaphore.Weighted

	mu       sync.Mutex
	lastFire map[string]time.Time // minute boundary of the last fire
	subs     map[chan Event]struct{}
	wg       sync.WaitGroup

	// baseCtx parents every execution so Stop can cancel in-flight runs.
	baseCtx   context.Context
	cancelRun context.CancelFunc

	now  func() time.Time
	tick time.Duration
}

// New registers the command table, seeding each command's registry row.
func New(reg *registry.Registry, cfg *config.Store, sink *log.Sink, commands []Command) (*Scheduler, error) {
	maxParallel, err := cfg.Int("MAX_PARALLEL_COMMANDS")
	if err != nil {
		return nil, err
	}
	if maxParallel < 1 {
		maxParallel = 1
	}

	baseCtx, cancelRun := context.WithCancel(context.Background())
	s := &Scheduler{
		reg:       reg,
		cfg:       cfg,
		sink:      sink,
		logger:    log.WithComponent("scheduler"),
		commands:  make(map[string]Command, len(commands)),
		sem:       semaphore.NewWeighted(int64(maxParallel)),
		lastFire:  make(map[string]time.Time),
		subs:      make(map[chan Event]struct{}),
		baseCtx:   baseCtx,
		cancelRun: cancelRun,
		now:       time.Now,
		tick:      time.Second,
	}
	for _, cmd := range commands {
		if cmd.Schedule != "" {
			if _, err := cron.ParseStandard(cmd.Schedule); err != nil {
				return nil, fmt.Errorf("scheduler: command %s: bad schedule %q: %w", cmd.Name, cmd.Schedule, err)
			}
		}
		s.commands[cmd.Name] = cmd
		if err := reg.SeedCommand(registry.CommandConfig{
			Name:          cmd.Name,
			DisplayName:   cmd.DisplayName,
			Description:   cmd.Description,
			Enabled:       true,
			Schedule:      cmd.Schedule,
			IntervalHours: cmd.IntervalHours,
			TimeoutMin:    cmd.TimeoutMin,
			Internal:      cmd.Internal,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info().Str("event", "scheduler.start").Int("commands", len(s.commands)).Msg("scheduler running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(runCtx context.Context) {
	cfgs, err := s.reg.ListCommandConfigs()
	if err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.list_error").Msg("cannot read command configs")
		return
	}
	now := s.now()
	minute := now.Truncate(time.Minute)
	for _, cc := range cfgs {
		cmd, ok := s.commands[cc.Name]
		if !ok || !cc.Enabled {
			continue
		}
		if !s.isDue(cc, minute, now) {
			continue
		}
		s.mu.Lock()
		fired, seen := s.lastFire[cc.Name]
		s.mu.Unlock()
		if seen && fired.Equal(minute) {
			continue
		}

		// A fire refused by the parallelism cap is retried on later ticks in
		// the due minute; a launch (or an already-running refusal) pins it.
		err := s.launch(runCtx, cmd, registry.TriggeredByScheduler)
		if err == nil || errors.Is(err, registry.ErrAlreadyRunning) {
			s.mu.Lock()
			s.lastFire[cc.Name] = minute
			s.mu.Unlock()
		}
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("event", "scheduler.fire_skipped").
				Str("command", cc.Name).
				Msg("scheduled fire skipped")
		}
	}
}

// isDue evaluates the registry row's schedule: cron when set, otherwise the
// interval-hours fallback against last_run.
func (s *Scheduler) isDue(cc registry.CommandConfig, minute, now time.Time) bool {
	if cc.Schedule != "" {
		sched, err := cron.ParseStandard(cc.Schedule)
		if err != nil {
			return false
		}
		return sched.Next(minute.Add(-time.Second)).Equal(minute)
	}
	if cc.IntervalHours > 0 {
		if cc.LastRun == nil {
			return true
		}
		interval := time.Duration(cc.IntervalHours * float64(time.Hour))
		return now.Sub(*cc.LastRun) >= interval
	}
	return false
}

// TriggerNow starts a command outside its schedule. The parallelism cap and
// the per-command running gate still apply; the execution runs in the
// background and its id is returned.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) (int64, error) {
	cmd, ok := s.commands[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return s.start(ctx, cmd, registry.TriggeredByManual)
}

func (s *Scheduler) launch(ctx context.Context, cmd Command, triggeredBy string) error {
	_, err := s.start(ctx, cmd, triggeredBy)
	return err
}

// start acquires the gates, records the execution and spawns the worker.
func (s *Scheduler) start(ctx context.Context, cmd Command, triggeredBy string) (int64, error) {
	if !s.sem.TryAcquire(1) {
		return 0, ErrBusy
	}
	execID, err := s.reg.Begin(ctx, cmd.Name, triggeredBy, cmd.Target)
	if err != nil {
		s.sem.Release(1)
		return 0, err
	}
	s.notify(Event{Command: cmd.Name, ExecutionID: execID, Status: "started"})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.execute(cmd, execID)
	}()
	return execID, nil
}

// execute runs the command body with its timeout and panic guard, then
// closes the registry row.
func (s *Scheduler) execute(cmd Command, execID int64) {
	start := s.now()
	logger := log.ExecutionLogger(s.sink, execID, cmd.Name)

	timeoutMin := 0
	runCtx := s.baseCtx
	cancel := context.CancelFunc(func() {})
	if cc, err := s.reg.CommandConfig(cmd.Name); err == nil && cc.TimeoutMin > 0 {
		timeoutMin = cc.TimeoutMin
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(timeoutMin)*time.Minute)
	}
	defer cancel()

	var output json.RawMessage
	var runErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				runErr = fmt.Errorf("command panicked: %v", rec)
				logger.Error().
					Str("event", "scheduler.panic").
					Str("stack", string(debug.Stack())).
					Msgf("panic in command: %v", rec)
			}
		}()
		logger.Info().Str("event", "command.start").Msg("command starting")
		output, runErr = cmd.Run(runCtx, logger)
	}()

	duration := s.now().Sub(start)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		// The registry's watchdog writes the same sentinel for runs it has
		// to kill; a timeout reads identically whichever side records it.
		if timeoutMin > 0 && errors.Is(runErr, context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("Command timed out after %d minutes", timeoutMin)
		}
		logger.Error().Err(runErr).Str("event", "command.failed").Msg("command failed")
	} else {
		logger.Info().
			Str("event", "command.complete").
			Float64("duration_s", duration.Seconds()).
			Msg("command complete")
	}
	metrics.RecordCommandRun(cmd.Name, runErr == nil, duration)

	if err := s.reg.Complete(context.Background(), execID, runErr == nil, output, errMsg); err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.complete_error").Int64("execution_id", execID).Msg("cannot close execution")
	}

	evt := Event{Command: cmd.Name, ExecutionID: execID, Status: "completed", DurationS: duration.Seconds()}
	if runErr != nil {
		evt.Status = "failed"
		evt.Error = errMsg
	}
	s.notify(evt)
}

// Subscribe registers an event channel; the returned func unsubscribes.
// Slow subscribers drop events rather than block the launch path.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Scheduler) notify(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Commands returns the registered command names.
func (s *Scheduler) Commands() []string {
	out := make([]string, 0, len(s.commands))
	for name := range s.commands {
		out = append(out, name)
	}
	return out
}

// Stop cancels in-flight executions and waits up to the shutdown grace for
// them to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()

	graceSec, err := s.cfg.Int("SHUTDOWN_GRACE_SECONDS")
	if err != nil || graceSec <= 0 {
		graceSec = 30
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(time.Duration(graceSec) * time.Second):
		return fmt.Errorf("scheduler: executions still running after %ds grace", graceSec)
	}
}
