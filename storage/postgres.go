package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"lab_crawler/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		lab_name TEXT NOT NULL,
		device_name TEXT NOT NULL,
		device_address TEXT NOT NULL,
		host_address TEXT NOT NULL,
		host_port INTEGER NOT NULL DEFAULT 22,
		host_user TEXT NOT NULL DEFAULT '',
		host_password TEXT NOT NULL DEFAULT '',
		scan_interval INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_run_at TIMESTAMPTZ,
		UNIQUE (lab_name, device_name)
	);

	CREATE TABLE IF NOT EXISTS daily_records (
		id UUID PRIMARY KEY,
		device_id TEXT NOT NULL,
		biz_datetime TIMESTAMPTZ NOT NULL,
		mode TEXT NOT NULL,
		item TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (device_id, biz_datetime)
	);

	CREATE TABLE IF NOT EXISTS detail_records (
		id UUID PRIMARY KEY,
		daily_id UUID NOT NULL REFERENCES daily_records(id),
		seq_no INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		id_string TEXT NOT NULL DEFAULT '',
		percent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (daily_id, seq_no)
	);

	CREATE TABLE IF NOT EXISTS crawl_logs (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		host_address TEXT NOT NULL DEFAULT '',
		device_address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		logged_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		command TEXT NOT NULL,
		params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_crawl_logs_device ON crawl_logs(device_id, logged_at);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`)
	return err
}

// =============================================================================
// Devices
// =============================================================================

const pgDeviceColumns = `id, lab_name, device_name, device_address, host_address, host_port,
	host_user, host_password, scan_interval, description, status, created_at, last_run_at`

func scanPgDevice(row pgx.Row) (*models.DeviceTask, error) {
	var d models.DeviceTask
	var status int
	err := row.Scan(&d.ID, &d.LabName, &d.DeviceName, &d.DeviceAddress, &d.HostAddress, &d.HostPort,
		&d.HostUser, &d.HostPassword, &d.ScanInterval, &d.Description, &status, &d.CreatedAt, &d.LastRunAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DeviceStatus(status)
	return &d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]models.DeviceTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgDeviceColumns+` FROM devices ORDER BY lab_name, device_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.DeviceTask
	for rows.Next() {
		d, err := scanPgDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*models.DeviceTask, error) {
	d, err := scanPgDevice(s.pool.QueryRow(ctx, `SELECT `+pgDeviceColumns+` FROM devices WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *models.DeviceTask) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, lab_name, device_name, device_address, host_address, host_port,
			host_user, host_password, scan_interval, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			lab_name = EXCLUDED.lab_name,
			device_name = EXCLUDED.device_name,
			device_address = EXCLUDED.device_address,
			host_address = EXCLUDED.host_address,
			host_port = EXCLUDED.host_port,
			host_user = EXCLUDED.host_user,
			host_password = EXCLUDED.host_password,
			scan_interval = EXCLUDED.scan_interval,
			description = EXCLUDED.description,
			status = EXCLUDED.status`,
		d.ID, d.LabName, d.DeviceName, d.DeviceAddress, d.HostAddress, d.HostPort,
		d.HostUser, d.HostPassword, d.ScanInterval, d.Description, int(d.Status), d.CreatedAt)
	return err
}

func (s *PostgresStore) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE devices SET last_run_at = $1 WHERE id = $2`, at, id)
	return err
}

// =============================================================================
// Daily / detail records
// =============================================================================

func (s *PostgresStore) FindDailyRecords(ctx context.Context, deviceID string, after time.Time) ([]models.DailyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, biz_datetime, mode, item, created_at
		FROM daily_records WHERE device_id = $1 AND biz_datetime > $2
		ORDER BY biz_datetime`, deviceID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailyRecord
	for rows.Next() {
		var r models.DailyRecord
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.BizDateTime, &r.Mode, &r.Item, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DailyExists(ctx context.Context, deviceID string, bizDateTime time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM daily_records WHERE device_id = $1 AND biz_datetime = $2)`,
		deviceID, bizDateTime).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) MaxDetailSequence(ctx context.Context, dailyID uuid.UUID) (*int, error) {
	var max *int
	if err := s.pool.QueryRow(ctx, `SELECT MAX(seq_no) FROM detail_records WHERE daily_id = $1`, dailyID).Scan(&max); err != nil {
		return nil, err
	}
	return max, nil
}

func (s *PostgresStore) SaveDaily(ctx context.Context, rec *models.DailyRecord, details []models.DetailRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO daily_records (id, device_id, biz_datetime, mode, item, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, biz_datetime) DO NOTHING`,
		rec.ID, rec.DeviceID, rec.BizDateTime, rec.Mode, rec.Item, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert daily: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := sendDetails(ctx, tx, rec.ID, details); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) SaveDetails(ctx context.Context, dailyID uuid.UUID, details []models.DetailRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := sendDetails(ctx, tx, dailyID, details); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func sendDetails(ctx context.Context, tx pgx.Tx, dailyID uuid.UUID, details []models.DetailRecord) error {
	if len(details) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range details {
		id := d.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(`
			INSERT INTO detail_records (id, daily_id, seq_no, kind, id_string, percent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (daily_id, seq_no) DO NOTHING`,
			id, dailyID, d.SeqNo, d.Kind, d.IDString, d.Percent, d.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert details: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDetails(ctx context.Context, dailyID uuid.UUID) ([]models.DetailRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, daily_id, seq_no, kind, id_string, percent, created_at
		FROM detail_records WHERE daily_id = $1 ORDER BY seq_no`, dailyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DetailRecord
	for rows.Next() {
		var d models.DetailRecord
		if err := rows.Scan(&d.ID, &d.DailyID, &d.SeqNo, &d.Kind, &d.IDString, &d.Percent, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// Crawl logs
// =============================================================================

func (s *PostgresStore) LogCrawl(ctx context.Context, e *models.CrawlLog) error {
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO crawl_logs (device_id, host_address, device_address, status, message, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.DeviceID, e.HostAddress, e.DeviceAddress, string(e.Status), e.Message, e.LoggedAt).Scan(&e.ID)
}

func (s *PostgresStore) RecentCrawlLogs(ctx context.Context, deviceID string, limit int) ([]models.CrawlLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, host_address, device_address, status, message, logged_at
		FROM crawl_logs WHERE device_id = $1 ORDER BY id DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CrawlLog
	for rows.Next() {
		var e models.CrawlLog
		var status string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.HostAddress, &e.DeviceAddress, &status, &e.Message, &e.LoggedAt); err != nil {
			return nil, err
		}
		e.Status = models.TransportStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *PostgresStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) (int64, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO commands (command, params) VALUES ($1, $2) RETURNING id`,
		string(cmd), raw).Scan(&id)
	return id, err
}

func (s *PostgresStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, params, created_at FROM commands
		WHERE processed_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var c models.Command
		var command string
		var params []byte
		if err := rows.Scan(&c.ID, &command, &params, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Command = models.CommandType(command)
		c.Params = json.RawMessage(params)
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE commands SET processed_at = NOW() WHERE id = $1`, id)
	return err
}
