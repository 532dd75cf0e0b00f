package models

import "time"

// CycleReport summarises one polling cycle of one device.
type CycleReport struct {
	DeviceID       string    `json:"device_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DailyFetched   int       `json:"daily_fetched"`
	DailyNew       int       `json:"daily_new"`
	DailySkipped   int       `json:"daily_skipped"`
	TraceBacks     int       `json:"trace_backs"`
	DetailsFetched int       `json:"details_fetched"`
	DetailsSaved   int       `json:"details_saved"`
	Backfills      int       `json:"backfills"`
	Errors         int       `json:"errors"`
}

func (r CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type TransportStatus string

const (
	TransportFailed  TransportStatus = "failed"
	TransportSuccess TransportStatus = "success"
)

// CrawlLog records the outcome of a remote command against a device.
type CrawlLog struct {
	ID            int64           `json:"id" db:"id"`
	DeviceID      string          `json:"device_id" db:"device_id"`
	HostAddress   string          `json:"host_address" db:"host_address"`
	DeviceAddress string          `json:"device_address" db:"device_address"`
	Status        TransportStatus `json:"status" db:"status"`
	Message       string          `json:"message" db:"message"`
	LoggedAt      time.Time       `json:"logged_at" db:"logged_at"`
}
