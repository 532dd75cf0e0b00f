// Package supervisor keeps one recurring polling job per device alive,
// restarting jobs that stop completing cycles.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lab_crawler/models"
)

const (
	DefaultWatchdogPoll = time.Second
	DefaultStallGrace   = 10 * time.Minute
	DefaultStartPacing  = 500 * time.Millisecond
	DefaultRestartPoll  = 500 * time.Millisecond
	DefaultRestartWait  = 3 * time.Minute
)

var ErrClosed = errors.New("supervisor: closed")

// Cycler runs one polling cycle for a device.
type Cycler interface {
	RunCycle(ctx context.Context, device models.DeviceTask) models.CycleReport
}

// Jobs is the scheduling substrate: one recurring, non-overlapping job per key.
type Jobs interface {
	Register(key string, interval time.Duration, fn func()) error
	Exists(key string) bool
	Deregister(key string) bool
}

type DeviceToucher interface {
	TouchDevice(ctx context.Context, id string, at time.Time) error
}

type Options struct {
	WatchdogPoll time.Duration
	StallGrace   time.Duration
	StartPacing  time.Duration
	RestartPoll  time.Duration
	RestartWait  time.Duration
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.WatchdogPoll <= 0 {
		o.WatchdogPoll = DefaultWatchdogPoll
	}
	if o.StallGrace <= 0 {
		o.StallGrace = DefaultStallGrace
	}
	if o.StartPacing < 0 {
		o.StartPacing = 0
	} else if o.StartPacing == 0 {
		o.StartPacing = DefaultStartPacing
	}
	if o.RestartPoll <= 0 {
		o.RestartPoll = DefaultRestartPoll
	}
	if o.RestartWait <= 0 {
		o.RestartWait = DefaultRestartWait
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// taskState is the runtime state of one job instance. Replacing the state
// of a device cancels the previous instance.
type taskState struct {
	device  models.DeviceTask
	ctx     context.Context
	cancel  context.CancelFunc
	lastRun atomic.Int64 // unix nanos
	stalled atomic.Bool  // cancelled by the watchdog
	stopped atomic.Bool  // cancelled by StopTask or RestartTask
	running atomic.Bool
	done    chan struct{} // closed when the watchdog exits
}

func (st *taskState) lastRunAt() time.Time {
	return time.Unix(0, st.lastRun.Load())
}

type Supervisor struct {
	cycler  Cycler
	jobs    Jobs
	opts    Options
	toucher DeviceToucher

	tasks sync.Map // device ID -> *taskState
	locks sync.Map // device ID -> *sync.Mutex, held while a task or its job changes

	closeMu  sync.RWMutex
	root     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	restarts atomic.Int64
}

func New(cycler Cycler, jobs Jobs, opts Options) *Supervisor {
	opts.setDefaults()
	root, shutdown := context.WithCancel(context.Background())
	return &Supervisor{
		cycler:   cycler,
		jobs:     jobs,
		opts:     opts,
		root:     root,
		shutdown: shutdown,
	}
}

// SetDeviceToucher records each attempted cycle's time on the device.
func (s *Supervisor) SetDeviceToucher(t DeviceToucher) {
	s.toucher = t
}

// Start creates a task per device, pausing between creations. Failures are
// logged and skipped; it returns how many tasks were created.
func (s *Supervisor) Start(ctx context.Context, devices []models.DeviceTask) int {
	created := 0
	for _, device := range devices {
		if device.Status == models.DeviceDeactivated {
			slog.Info("Skipping deactivated device", "device_id", device.ID)
			continue
		}
		if created > 0 {
			select {
			case <-ctx.Done():
				return created
			case <-time.After(s.opts.StartPacing):
			}
		}
		if err := s.AddTask(device); err != nil {
			slog.Error("Creating task failed", "device_id", device.ID, "error", err)
			continue
		}
		created++
	}
	slog.Info("Supervisor started", "tasks", created, "devices", len(devices))
	return created
}

// AddTask schedules device, superseding any task it already has.
func (s *Supervisor) AddTask(device models.DeviceTask) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if device.Status == models.DeviceDeactivated {
		return fmt.Errorf("device %s is deactivated", device.ID)
	}
	return s.createTask(device)
}

// StopTask cancels the device's task for good. It reports false if the
// device had no task.
func (s *Supervisor) StopTask(deviceID string) bool {
	st := s.current(deviceID)
	if st == nil {
		return false
	}
	st.stopped.Store(true)
	st.cancel()
	slog.Info("Task stopped by request", "device_id", deviceID)
	return true
}

// RestartTask cancels the device's task, waits for its job to be gone and
// creates a fresh one.
func (s *Supervisor) RestartTask(ctx context.Context, device models.DeviceTask) error {
	if err := device.Validate(); err != nil {
		return err
	}
	st := s.current(device.ID)
	if st == nil {
		return s.AddTask(device)
	}

	st.stopped.Store(true)
	st.cancel()
	if err := s.awaitRemoved(ctx, st); err != nil {
		return err
	}
	if err := s.AddTask(device); err != nil {
		return err
	}
	slog.Info("Task restarted by request", "device_id", device.ID)
	return nil
}

func (s *Supervisor) awaitRemoved(ctx context.Context, st *taskState) error {
	deadline := time.NewTimer(s.opts.RestartWait)
	defer deadline.Stop()

	select {
	case <-st.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		s.forceDeregister(st)
		return nil
	}
	return s.awaitJobGone(ctx, st, deadline.C)
}

// awaitJobGone polls until st's job, including a run still in flight, is
// gone. It returns early once another task has replaced st.
func (s *Supervisor) awaitJobGone(ctx context.Context, st *taskState, deadline <-chan time.Time) error {
	ticker := time.NewTicker(s.opts.RestartPoll)
	defer ticker.Stop()
	for s.jobs.Exists(st.device.ID) {
		if s.superseded(st) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			s.forceDeregister(st)
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Supervisor) forceDeregister(st *taskState) {
	unlock := s.lockDevice(st.device.ID)
	defer unlock()
	if s.superseded(st) {
		return
	}
	slog.Warn("Old job still present after wait, replacing it", "device_id", st.device.ID, "waited", s.opts.RestartWait)
	s.jobs.Deregister(st.device.ID)
}

// superseded reports whether a task other than st now owns the device.
func (s *Supervisor) superseded(st *taskState) bool {
	cur := s.current(st.device.ID)
	return cur != nil && cur != st
}

// RunCycleNow runs one cycle and advances the device's last-run time. A
// panicking cycle does not advance it.
func (s *Supervisor) RunCycleNow(ctx context.Context, device models.DeviceTask) models.CycleReport {
	return s.runCycle(ctx, device, s.current(device.ID))
}

// runCycle advances the last-run time of st, the instance that ran the
// cycle, and never that of a task that replaced it meanwhile.
func (s *Supervisor) runCycle(ctx context.Context, device models.DeviceTask, st *taskState) (report models.CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Cycle aborted", "device_id", device.ID, "host", device.HostAddress, "panic", fmt.Sprint(r))
		}
	}()

	slog.Info("Task job starting", "device_id", device.ID)
	report = s.cycler.RunCycle(ctx, device)

	now := s.opts.Now()
	if st != nil {
		st.lastRun.Store(now.UnixNano())
	}
	if s.toucher != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.toucher.TouchDevice(tctx, device.ID, now); err != nil {
			slog.Warn("Recording last run failed", "device_id", device.ID, "error", err)
		}
		cancel()
	}
	slog.Info("Task job done", "device_id", device.ID, "dailies", report.DailyFetched,
		"new", report.DailyNew, "details_saved", report.DetailsSaved, "errors", report.Errors)
	return report
}

// Trigger runs the device's cycle in the background unless one is already
// running. It reports false if the device has no live task.
func (s *Supervisor) Trigger(deviceID string) bool {
	st := s.current(deviceID)
	if st == nil || st.ctx.Err() != nil {
		return false
	}
	return s.goTracked(func() { s.runTask(st) })
}

func (s *Supervisor) runTask(st *taskState) {
	if st.ctx.Err() != nil {
		return
	}
	if !st.running.CompareAndSwap(false, true) {
		slog.Info("Cycle already running, skipping", "device_id", st.device.ID)
		return
	}
	defer st.running.Store(false)
	s.runCycle(st.ctx, st.device, st)
}

// Active lists the device IDs that currently have a task.
func (s *Supervisor) Active() []string {
	var ids []string
	s.tasks.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// LastRun returns the device's last-run time.
func (s *Supervisor) LastRun(deviceID string) (time.Time, bool) {
	st := s.current(deviceID)
	if st == nil {
		return time.Time{}, false
	}
	return st.lastRunAt(), true
}

// Restarts counts watchdog-initiated restarts.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Close cancels every task and waits for the watchdogs to exit.
func (s *Supervisor) Close() {
	s.closeMu.Lock()
	s.shutdown()
	s.closeMu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) current(deviceID string) *taskState {
	v, ok := s.tasks.Load(deviceID)
	if !ok {
		return nil
	}
	return v.(*taskState)
}

func (s *Supervisor) goTracked(fn func()) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.root.Err() != nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Supervisor) lockDevice(deviceID string) (unlock func()) {
	v, _ := s.locks.LoadOrStore(deviceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Supervisor) createTask(device models.DeviceTask) error {
	unlock := s.lockDevice(device.ID)
	defer unlock()
	return s.createTaskLocked(device)
}

// createTaskLocked installs a new task for device and registers its job.
// The caller holds the device lock.
func (s *Supervisor) createTaskLocked(device models.DeviceTask) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.root.Err() != nil {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(s.root)
	st := &taskState{device: device, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	st.lastRun.Store(s.opts.Now().UnixNano())

	if old, loaded := s.tasks.Swap(device.ID, st); loaded {
		old.(*taskState).cancel()
	}

	id := device.ID
	if err := s.jobs.Register(id, device.Interval(), func() { s.runScheduled(id) }); err != nil {
		s.tasks.CompareAndDelete(id, st)
		cancel()
		s.jobs.Deregister(id)
		return fmt.Errorf("register job for %s: %w", id, err)
	}

	s.wg.Add(1)
	go s.watch(st)

	slog.Info("Task created", "device_id", id, "interval", device.Interval())
	return nil
}

// runScheduled is the job body: it always runs against the device's
// current task.
func (s *Supervisor) runScheduled(deviceID string) {
	if st := s.current(deviceID); st != nil {
		s.runTask(st)
	}
}
