// Package scheduler registers one recurring job per key on a cron runner.
// A job never overlaps with itself.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	cron     *cron.Cron
	logger   cron.Logger
	mu       sync.Mutex
	entryMap map[string]cron.EntryID
	inflight map[string]int
}

func New() *Scheduler {
	logger := slogLogger{}
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		logger:   logger,
		entryMap: make(map[string]cron.EntryID),
		inflight: make(map[string]int),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts triggering and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Register schedules fn every interval under key, replacing any job already
// registered for it.
func (s *Scheduler) Register(key string, interval time.Duration, fn func()) error {
	if interval < time.Second {
		return fmt.Errorf("job %s: interval %s is below one second", key, interval)
	}

	job := cron.NewChain(cron.SkipIfStillRunning(s.logger)).Then(s.track(key, fn))

	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, exists := s.entryMap[key]; exists {
		s.cron.Remove(entryID)
		delete(s.entryMap, key)
	}
	s.entryMap[key] = s.cron.Schedule(cron.Every(interval), job)
	return nil
}

// Exists reports whether key is registered or still has a run in flight.
func (s *Scheduler) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, registered := s.entryMap[key]
	return registered || s.inflight[key] > 0
}

// Deregister removes key's job. It returns false if nothing was registered.
func (s *Scheduler) Deregister(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, exists := s.entryMap[key]
	if !exists {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.entryMap, key)
	return true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryMap)
}

func (s *Scheduler) track(key string, fn func()) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		s.inflight[key]++
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			if s.inflight[key]--; s.inflight[key] <= 0 {
				delete(s.inflight, key)
			}
			s.mu.Unlock()
		}()

		fn()
	})
}

// slogLogger adapts cron's logger onto slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
