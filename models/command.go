package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdAddTask     CommandType = "add_task"
	CmdStopTask    CommandType = "stop_task"
	CmdRestartTask CommandType = "restart_task"
	CmdRunNow      CommandType = "run_now"
)

func (c CommandType) Valid() bool {
	switch c {
	case CmdAddTask, CmdStopTask, CmdRestartTask, CmdRunNow:
		return true
	}
	return false
}

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	DeviceID string `json:"device_id"`
}

func (c *Command) ParseParams() (CommandParams, error) {
	var params CommandParams
	if len(c.Params) == 0 {
		return params, nil
	}
	err := json.Unmarshal(c.Params, &params)
	return params, err
}
