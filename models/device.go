package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type DeviceStatus int

const (
	DeviceReady DeviceStatus = iota
	DeviceInUse
	DeviceDeactivated
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceReady:
		return "ready"
	case DeviceInUse:
		return "in_use"
	case DeviceDeactivated:
		return "deactivated"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseDeviceStatus accepts the status names or their numeric values.
func ParseDeviceStatus(s string) (DeviceStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ready", "0", "":
		return DeviceReady, nil
	case "in_use", "inuse", "1":
		return DeviceInUse, nil
	case "deactivated", "2":
		return DeviceDeactivated, nil
	}
	return DeviceReady, fmt.Errorf("unknown device status %q", s)
}

func (s *DeviceStatus) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseDeviceStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s DeviceStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DeviceTask is a laboratory device polled over a remote shell on its host.
type DeviceTask struct {
	ID            string       `json:"id" yaml:"id" db:"id"`
	LabName       string       `json:"lab_name" yaml:"lab_name" db:"lab_name"`
	DeviceName    string       `json:"device_name" yaml:"device_name" db:"device_name"`
	DeviceAddress string       `json:"device_address" yaml:"device_address" db:"device_address"`
	HostAddress   string       `json:"host_address" yaml:"host_address" db:"host_address"`
	HostPort      int          `json:"host_port" yaml:"host_port" db:"host_port"`
	HostUser      string       `json:"host_user" yaml:"host_user" db:"host_user"`
	HostPassword  string       `json:"-" yaml:"host_password" db:"host_password"`
	ScanInterval  int          `json:"scan_interval" yaml:"scan_interval" db:"scan_interval"` // seconds
	Description   string       `json:"description" yaml:"description" db:"description"`
	Status        DeviceStatus `json:"status" yaml:"status" db:"status"`
	CreatedAt     time.Time    `json:"created_at" yaml:"-" db:"created_at"`
	LastRunAt     *time.Time   `json:"last_run_at" yaml:"-" db:"last_run_at"`
}

func (d DeviceTask) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.ScanInterval <= 0 {
		return fmt.Errorf("device %s: scan interval must be positive, got %d", d.ID, d.ScanInterval)
	}
	if d.DeviceAddress == "" || d.HostAddress == "" {
		return fmt.Errorf("device %s: device and host addresses are required", d.ID)
	}
	return nil
}

func (d DeviceTask) Interval() time.Duration {
	return time.Duration(d.ScanInterval) * time.Second
}

// StallTimeout is how long the device may go without a completed cycle
// before its job is considered stuck: whole interval minutes plus grace.
func (d DeviceTask) StallTimeout(grace time.Duration) time.Duration {
	return time.Duration(d.ScanInterval/60)*time.Minute + grace
}

func (d DeviceTask) Endpoint() HostEndpoint {
	return HostEndpoint{
		Address:  d.HostAddress,
		Port:     d.HostPort,
		User:     d.HostUser,
		Password: d.HostPassword,
	}
}

// HostEndpoint holds what is needed to open a remote session on a device host.
type HostEndpoint struct {
	Address  string
	Port     int
	User     string
	Password string
}

func (h HostEndpoint) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(port))
}
