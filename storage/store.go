// Package storage persists devices, crawled records, crawl logs and
// operator commands.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"lab_crawler/models"
)

// Store is implemented by SQLiteStore and PostgresStore.
type Store interface {
	ListDevices(ctx context.Context) ([]models.DeviceTask, error)
	GetDevice(ctx context.Context, id string) (*models.DeviceTask, error)
	UpsertDevice(ctx context.Context, d *models.DeviceTask) error
	TouchDevice(ctx context.Context, id string, at time.Time) error

	FindDailyRecords(ctx context.Context, deviceID string, after time.Time) ([]models.DailyRecord, error)
	DailyExists(ctx context.Context, deviceID string, bizDateTime time.Time) (bool, error)
	MaxDetailSequence(ctx context.Context, dailyID uuid.UUID) (*int, error)
	SaveDaily(ctx context.Context, rec *models.DailyRecord, details []models.DetailRecord) (bool, error)
	SaveDetails(ctx context.Context, dailyID uuid.UUID, details []models.DetailRecord) error
	GetDetails(ctx context.Context, dailyID uuid.UUID) ([]models.DetailRecord, error)

	LogCrawl(ctx context.Context, entry *models.CrawlLog) error
	RecentCrawlLogs(ctx context.Context, deviceID string, limit int) ([]models.CrawlLog, error)

	EnqueueCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) (int64, error)
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error

	Close() error
}

// Open picks the store implementation for driver.
func Open(ctx context.Context, driver, sqlitePath, postgresURL string) (Store, error) {
	switch driver {
	case "postgres", "pg":
		return NewPostgresStore(ctx, postgresURL)
	default:
		return NewSQLiteStore(sqlitePath)
	}
}
