package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"lab_crawler/models"
	"lab_crawler/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2022, 8, 5, 12, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeJobs records registrations without running anything on its own.
type fakeJobs struct {
	mu        sync.Mutex
	fns       map[string]func()
	inflight  map[string]bool
	registers int

	// When set, the first Deregister signals deregEntered and waits for
	// deregRelease before removing anything.
	deregEntered chan struct{}
	deregRelease chan struct{}
	deregOnce    sync.Once
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{fns: make(map[string]func()), inflight: make(map[string]bool)}
}

func (j *fakeJobs) holdFirstDeregister() {
	j.deregEntered = make(chan struct{})
	j.deregRelease = make(chan struct{})
}

func (j *fakeJobs) setInflight(key string, v bool) {
	j.mu.Lock()
	j.inflight[key] = v
	j.mu.Unlock()
}

func (j *fakeJobs) Register(key string, _ time.Duration, fn func()) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fns[key] = fn
	j.registers++
	return nil
}

func (j *fakeJobs) Exists(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.fns[key]
	return ok || j.inflight[key]
}

func (j *fakeJobs) Deregister(key string) bool {
	if j.deregEntered != nil {
		j.deregOnce.Do(func() {
			close(j.deregEntered)
			<-j.deregRelease
		})
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.fns[key]
	delete(j.fns, key)
	return ok
}

func (j *fakeJobs) fire(key string) bool {
	j.mu.Lock()
	fn, ok := j.fns[key]
	j.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

func (j *fakeJobs) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.fns)
}

type fakeCycler struct {
	calls atomic.Int32
	panic bool

	// When set, RunCycle signals started and waits for release.
	started chan struct{}
	release chan struct{}
}

func (c *fakeCycler) RunCycle(_ context.Context, device models.DeviceTask) models.CycleReport {
	c.calls.Add(1)
	if c.started != nil {
		c.started <- struct{}{}
		<-c.release
	}
	if c.panic {
		panic("listing exploded")
	}
	return models.CycleReport{DeviceID: device.ID}
}

type fakeToucher struct {
	mu      sync.Mutex
	touched map[string]time.Time
}

func (f *fakeToucher) TouchDevice(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touched == nil {
		f.touched = make(map[string]time.Time)
	}
	f.touched[id] = at
	return nil
}

func testDevice(id string) models.DeviceTask {
	return models.DeviceTask{
		ID:            id,
		LabName:       "lab-a",
		DeviceName:    "xrf-" + id,
		DeviceAddress: "10.0.0.5",
		HostAddress:   "10.0.0.1",
		ScanInterval:  600,
	}
}

func newTestSupervisor(t *testing.T, cycler Cycler, jobs Jobs, clock *fakeClock) *Supervisor {
	t.Helper()
	s := New(cycler, jobs, Options{
		WatchdogPoll: 5 * time.Millisecond,
		StartPacing:  time.Millisecond,
		RestartPoll:  5 * time.Millisecond,
		RestartWait:  time.Second,
		Now:          clock.Now,
	})
	t.Cleanup(s.Close)
	return s
}

func TestAddTaskTwiceKeepsOneLiveTask(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, newFakeClock())

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	first := s.current("dev-1")
	require.NotNil(t, first)

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	second := s.current("dev-1")
	require.NotSame(t, first, second)

	require.Error(t, first.ctx.Err())
	<-first.done

	require.NoError(t, second.ctx.Err())
	require.True(t, jobs.Exists("dev-1"), "superseded watchdog must not remove the new job")
	require.Equal(t, []string{"dev-1"}, s.Active())
	require.Equal(t, 1, jobs.count())
}

func TestWatchdogRestartsStalledTask(t *testing.T) {
	clock := newFakeClock()
	jobs := newFakeJobs()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, clock)

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	old := s.current("dev-1")

	// Interval 600s gives a stall timeout of 10m + 10m.
	clock.Advance(19 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	require.Same(t, old, s.current("dev-1"))

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		st := s.current("dev-1")
		return st != nil && st != old
	}, 2*time.Second, 5*time.Millisecond)

	require.Error(t, old.ctx.Err())
	require.True(t, old.stalled.Load())
	require.EqualValues(t, 1, s.Restarts())

	last, ok := s.LastRun("dev-1")
	require.True(t, ok)
	require.True(t, last.Equal(clock.Now()))
	require.True(t, jobs.Exists("dev-1"))
}

func TestStopTaskUnknownDeviceIsNoop(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, newFakeClock())

	require.False(t, s.StopTask("missing"))
	require.Empty(t, s.Active())
	require.Zero(t, jobs.registers)
}

func TestStopTaskRemovesJobWithoutRestart(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, newFakeClock())

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	require.True(t, s.StopTask("dev-1"))

	require.Eventually(t, func() bool {
		return len(s.Active()) == 0 && !jobs.Exists("dev-1")
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, jobs.registers)
	require.Zero(t, s.Restarts())
}

func TestRestartTaskReplacesState(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, newFakeClock())

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	old := s.current("dev-1")

	updated := testDevice("dev-1")
	updated.ScanInterval = 120
	require.NoError(t, s.RestartTask(context.Background(), updated))

	st := s.current("dev-1")
	require.NotSame(t, old, st)
	require.Equal(t, 120, st.device.ScanInterval)
	require.True(t, jobs.Exists("dev-1"))
	require.Equal(t, 2, jobs.registers)

	// No existing task behaves like AddTask.
	require.NoError(t, s.RestartTask(context.Background(), testDevice("dev-2")))
	require.Equal(t, []string{"dev-1", "dev-2"}, s.Active())
}

func TestScheduledRunAdvancesLastRun(t *testing.T) {
	clock := newFakeClock()
	jobs := newFakeJobs()
	cycler := &fakeCycler{}
	toucher := &fakeToucher{}
	s := newTestSupervisor(t, cycler, jobs, clock)
	s.SetDeviceToucher(toucher)

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	clock.Advance(5 * time.Minute)

	require.True(t, jobs.fire("dev-1"))
	require.EqualValues(t, 1, cycler.calls.Load())

	last, _ := s.LastRun("dev-1")
	require.True(t, last.Equal(clock.Now()))
	require.True(t, toucher.touched["dev-1"].Equal(clock.Now()))
}

func TestRunCycleNowSurvivesPanic(t *testing.T) {
	clock := newFakeClock()
	jobs := newFakeJobs()
	cycler := &fakeCycler{panic: true}
	s := newTestSupervisor(t, cycler, jobs, clock)

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	before, _ := s.LastRun("dev-1")
	clock.Advance(time.Minute)

	require.NotPanics(t, func() { jobs.fire("dev-1") })
	after, _ := s.LastRun("dev-1")
	require.True(t, after.Equal(before))

	// The guard is released after a panic.
	require.NotPanics(t, func() { jobs.fire("dev-1") })
	require.EqualValues(t, 2, cycler.calls.Load())
}

func TestStartSkipsBadAndDeactivatedDevices(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, newFakeClock())

	bad := testDevice("dev-2")
	bad.ScanInterval = 0
	off := testDevice("dev-3")
	off.Status = models.DeviceDeactivated

	n := s.Start(context.Background(), []models.DeviceTask{testDevice("dev-1"), bad, off, testDevice("dev-4")})
	require.Equal(t, 2, n)
	require.Equal(t, []string{"dev-1", "dev-4"}, s.Active())

	require.Error(t, s.AddTask(off))
}

func TestAddTaskAfterCloseFails(t *testing.T) {
	s := New(&fakeCycler{}, newFakeJobs(), Options{Now: newFakeClock().Now})
	s.Close()
	require.ErrorIs(t, s.AddTask(testDevice("dev-1")), ErrClosed)
}

type fakeCommandStore struct {
	mu        sync.Mutex
	devices   map[string]models.DeviceTask
	pending   []models.Command
	processed []int64
}

func (f *fakeCommandStore) enqueue(id int64, cmd models.CommandType, deviceID string) {
	raw, _ := json.Marshal(models.CommandParams{DeviceID: deviceID})
	f.mu.Lock()
	f.pending = append(f.pending, models.Command{ID: id, Command: cmd, Params: raw})
	f.mu.Unlock()
}

func (f *fakeCommandStore) GetPendingCommands(context.Context) ([]models.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := f.pending
	f.pending = nil
	return cmds, nil
}

func (f *fakeCommandStore) MarkCommandProcessed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeCommandStore) GetDevice(_ context.Context, id string) (*models.DeviceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func TestProcessCommands(t *testing.T) {
	jobs := newFakeJobs()
	cycler := &fakeCycler{}
	s := newTestSupervisor(t, cycler, jobs, newFakeClock())
	store := &fakeCommandStore{devices: map[string]models.DeviceTask{"dev-1": testDevice("dev-1")}}
	ctx := context.Background()

	store.enqueue(1, models.CmdAddTask, "dev-1")
	store.enqueue(2, models.CmdAddTask, "ghost")
	store.enqueue(3, models.CommandType("reboot"), "dev-1")
	require.Equal(t, 3, s.ProcessCommands(ctx, store))
	require.Equal(t, []string{"dev-1"}, s.Active())
	require.Equal(t, []int64{1, 2, 3}, store.processed)

	store.enqueue(4, models.CmdRunNow, "dev-1")
	s.ProcessCommands(ctx, store)
	require.Eventually(t, func() bool { return cycler.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	old := s.current("dev-1")
	store.enqueue(5, models.CmdRestartTask, "dev-1")
	s.ProcessCommands(ctx, store)
	require.NotSame(t, old, s.current("dev-1"))

	store.enqueue(6, models.CmdStopTask, "dev-1")
	store.enqueue(7, models.CmdStopTask, "ghost")
	s.ProcessCommands(ctx, store)
	require.Eventually(t, func() bool { return len(s.Active()) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, store.processed, 7)
}

func TestWithCronScheduler(t *testing.T) {
	sched := scheduler.New()
	sched.Start()
	defer sched.Stop(context.Background())

	cycler := &fakeCycler{}
	s := New(cycler, sched, Options{WatchdogPoll: 10 * time.Millisecond})
	defer s.Close()

	device := testDevice("dev-1")
	device.ScanInterval = 1
	require.NoError(t, s.AddTask(device))
	require.Eventually(t, func() bool { return cycler.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.RestartTask(context.Background(), device))
	require.True(t, sched.Exists("dev-1"))
	require.Equal(t, 1, sched.Len())

	require.True(t, s.StopTask("dev-1"))
	require.Eventually(t, func() bool { return !sched.Exists("dev-1") }, 3*time.Second, 20*time.Millisecond)
}

func TestStopThenAddKeepsRegisteredJob(t *testing.T) {
	jobs := newFakeJobs()
	jobs.holdFirstDeregister()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, newFakeClock())

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	require.True(t, s.StopTask("dev-1"))
	<-jobs.deregEntered

	added := make(chan error, 1)
	go func() { added <- s.AddTask(testDevice("dev-1")) }()
	time.Sleep(30 * time.Millisecond)
	close(jobs.deregRelease)
	require.NoError(t, <-added)

	require.Equal(t, []string{"dev-1"}, s.Active())
	require.True(t, jobs.Exists("dev-1"), "the old watchdog must not remove the new job")

	time.Sleep(30 * time.Millisecond)
	require.True(t, jobs.Exists("dev-1"))
	require.NoError(t, s.current("dev-1").ctx.Err())
}

func TestAddDuringWatchdogRestartWins(t *testing.T) {
	clock := newFakeClock()
	jobs := newFakeJobs()
	jobs.holdFirstDeregister()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, clock)

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	old := s.current("dev-1")
	clock.Advance(21 * time.Minute)
	<-jobs.deregEntered

	updated := testDevice("dev-1")
	updated.ScanInterval = 120
	added := make(chan error, 1)
	go func() { added <- s.AddTask(updated) }()
	time.Sleep(30 * time.Millisecond)
	close(jobs.deregRelease)
	require.NoError(t, <-added)
	<-old.done

	st := s.current("dev-1")
	require.NotSame(t, old, st)
	require.Equal(t, 120, st.device.ScanInterval)
	require.True(t, jobs.Exists("dev-1"))
}

func TestLateCycleDoesNotTouchReplacement(t *testing.T) {
	clock := newFakeClock()
	jobs := newFakeJobs()
	cycler := &fakeCycler{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestSupervisor(t, cycler, jobs, clock)

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	fired := make(chan struct{})
	go func() {
		defer close(fired)
		jobs.fire("dev-1")
	}()
	<-cycler.started

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	replacement, _ := s.LastRun("dev-1")

	clock.Advance(5 * time.Minute)
	close(cycler.release)
	<-fired

	last, _ := s.LastRun("dev-1")
	require.True(t, last.Equal(replacement))
}

func TestWatchdogRestartWaitsForInflightRun(t *testing.T) {
	clock := newFakeClock()
	jobs := newFakeJobs()
	s := newTestSupervisor(t, &fakeCycler{}, jobs, clock)

	require.NoError(t, s.AddTask(testDevice("dev-1")))
	old := s.current("dev-1")
	jobs.setInflight("dev-1", true)

	clock.Advance(21 * time.Minute)
	require.Eventually(t, func() bool { return old.ctx.Err() != nil }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Same(t, old, s.current("dev-1"))
	require.Zero(t, s.Restarts())

	jobs.setInflight("dev-1", false)
	require.Eventually(t, func() bool {
		st := s.current("dev-1")
		return st != nil && st != old
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, s.Restarts())
	require.True(t, jobs.Exists("dev-1"))
}
