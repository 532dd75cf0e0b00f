package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lab_crawler/models"
)

const DefaultCommandPoll = 2 * time.Second

// CommandStore is the operator command queue plus device lookup.
type CommandStore interface {
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
	GetDevice(ctx context.Context, id string) (*models.DeviceTask, error)
}

// PollCommands drains the command queue every interval until ctx is done.
func (s *Supervisor) PollCommands(ctx context.Context, store CommandStore, every time.Duration) {
	if every <= 0 {
		every = DefaultCommandPoll
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessCommands(ctx, store)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessCommands handles every pending command once. Each command is
// marked processed whether or not it succeeded.
func (s *Supervisor) ProcessCommands(ctx context.Context, store CommandStore) int {
	cmds, err := store.GetPendingCommands(ctx)
	if err != nil {
		slog.Error("Error getting commands", "error", err)
		return 0
	}

	for _, cmd := range cmds {
		slog.Info("Processing command", "command", cmd.Command, "id", cmd.ID)
		if err := s.HandleCommand(ctx, store, &cmd); err != nil {
			slog.Error("Command error", "command", cmd.Command, "id", cmd.ID, "error", err)
		}
		if err := store.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			slog.Error("Error marking command processed", "id", cmd.ID, "error", err)
		}
	}
	return len(cmds)
}

func (s *Supervisor) HandleCommand(ctx context.Context, store CommandStore, cmd *models.Command) error {
	if !cmd.Command.Valid() {
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
	params, err := cmd.ParseParams()
	if err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	if params.DeviceID == "" {
		return fmt.Errorf("%s: device_id is required", cmd.Command)
	}

	switch cmd.Command {
	case models.CmdStopTask:
		if !s.StopTask(params.DeviceID) {
			slog.Info("Stop requested for device without a task", "device_id", params.DeviceID)
		}
		return nil
	case models.CmdRunNow:
		if !s.Trigger(params.DeviceID) {
			return fmt.Errorf("device %s has no active task", params.DeviceID)
		}
		return nil
	}

	device, err := store.GetDevice(ctx, params.DeviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", params.DeviceID, err)
	}
	if device == nil {
		return fmt.Errorf("device %s not found", params.DeviceID)
	}

	if cmd.Command == models.CmdRestartTask {
		return s.RestartTask(ctx, *device)
	}
	return s.AddTask(*device)
}
