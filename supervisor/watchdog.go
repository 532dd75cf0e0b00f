package supervisor

import (
	"log/slog"
	"time"
)

// watch cancels st once its last run is older than the device's stall
// timeout. It then deregisters the job and, if the cancellation was its own,
// recreates the task once the old run has cleared. The check that st is
// still current and the job change happen under the device lock.
func (s *Supervisor) watch(st *taskState) {
	defer s.wg.Done()
	defer close(st.done)

	id := st.device.ID
	timeout := st.device.StallTimeout(s.opts.StallGrace)

	ticker := time.NewTicker(s.opts.WatchdogPoll)
	defer ticker.Stop()

	for st.ctx.Err() == nil {
		select {
		case <-st.ctx.Done():
		case <-ticker.C:
			elapsed := s.opts.Now().Sub(st.lastRunAt())
			if elapsed > timeout && st.ctx.Err() == nil {
				slog.Warn("Task stalled, cancelling", "device_id", id,
					"elapsed", elapsed.Round(time.Second), "timeout", timeout)
				st.stalled.Store(true)
				st.cancel()
			}
		}
	}

	unlock := s.lockDevice(id)
	if s.current(id) != st {
		unlock()
		slog.Debug("Task superseded", "device_id", id)
		return
	}
	if !s.jobs.Deregister(id) {
		slog.Debug("Job already removed", "device_id", id)
	}
	if !st.stalled.Load() || st.stopped.Load() || s.root.Err() != nil {
		s.tasks.CompareAndDelete(id, st)
		unlock()
		slog.Info("Task cancelled", "device_id", id)
		return
	}
	unlock()

	// A hung run may still be in flight; its context is already cancelled.
	deadline := time.NewTimer(s.opts.RestartWait)
	defer deadline.Stop()
	if err := s.awaitJobGone(s.root, st, deadline.C); err != nil {
		s.tasks.CompareAndDelete(id, st)
		return
	}

	unlock = s.lockDevice(id)
	defer unlock()
	if s.current(id) != st {
		slog.Debug("Task replaced while restarting", "device_id", id)
		return
	}
	if st.stopped.Load() || s.root.Err() != nil {
		s.tasks.CompareAndDelete(id, st)
		slog.Info("Task cancelled", "device_id", id)
		return
	}

	s.restarts.Add(1)
	if err := s.createTaskLocked(st.device); err != nil {
		slog.Error("Restarting stalled task failed", "device_id", id, "error", err)
		s.tasks.CompareAndDelete(id, st)
		return
	}
	slog.Info("Task restarted by watchdog", "device_id", id)
}
