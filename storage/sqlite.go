package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"lab_crawler/models"
)

// Times are stored as fixed-width UTC text so string comparison orders them.
const sqliteTimeLayout = "2006-01-02 15:04:05.000"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		lab_name TEXT NOT NULL,
		device_name TEXT NOT NULL,
		device_address TEXT NOT NULL,
		host_address TEXT NOT NULL,
		host_port INTEGER NOT NULL DEFAULT 22,
		host_user TEXT,
		host_password TEXT,
		scan_interval INTEGER NOT NULL,
		description TEXT,
		status INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_run_at TEXT,
		UNIQUE(lab_name, device_name)
	);

	CREATE TABLE IF NOT EXISTS daily_records (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		biz_datetime TEXT NOT NULL,
		mode TEXT NOT NULL,
		item TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(device_id, biz_datetime)
	);

	CREATE TABLE IF NOT EXISTS detail_records (
		id TEXT PRIMARY KEY,
		daily_id TEXT NOT NULL REFERENCES daily_records(id),
		seq_no INTEGER NOT NULL,
		kind TEXT,
		id_string TEXT,
		percent TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(daily_id, seq_no)
	);

	CREATE TABLE IF NOT EXISTS crawl_logs (
		id INTEGER PRIMARY KEY,
		device_id TEXT NOT NULL,
		host_address TEXT,
		device_address TEXT,
		status TEXT,
		message TEXT,
		logged_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_crawl_logs_device ON crawl_logs(device_id, logged_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
}

// =============================================================================
// Devices
// =============================================================================

const deviceColumns = `id, lab_name, device_name, device_address, host_address, host_port,
	COALESCE(host_user, ''), COALESCE(host_password, ''), scan_interval, COALESCE(description, ''),
	status, created_at, last_run_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.DeviceTask, error) {
	var d models.DeviceTask
	var created string
	var lastRun sql.NullString
	if err := row.Scan(&d.ID, &d.LabName, &d.DeviceName, &d.DeviceAddress, &d.HostAddress, &d.HostPort,
		&d.HostUser, &d.HostPassword, &d.ScanInterval, &d.Description, &d.Status, &created, &lastRun); err != nil {
		return nil, err
	}
	t, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("device %s created_at: %w", d.ID, err)
	}
	d.CreatedAt = t
	if lastRun.Valid {
		t, err := parseTime(lastRun.String)
		if err != nil {
			return nil, fmt.Errorf("device %s last_run_at: %w", d.ID, err)
		}
		d.LastRunAt = &t
	}
	return &d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]models.DeviceTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY lab_name, device_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.DeviceTask
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*models.DeviceTask, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *models.DeviceTask) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, lab_name, device_name, device_address, host_address, host_port,
			host_user, host_password, scan_interval, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lab_name = excluded.lab_name,
			device_name = excluded.device_name,
			device_address = excluded.device_address,
			host_address = excluded.host_address,
			host_port = excluded.host_port,
			host_user = excluded.host_user,
			host_password = excluded.host_password,
			scan_interval = excluded.scan_interval,
			description = excluded.description,
			status = excluded.status`,
		d.ID, d.LabName, d.DeviceName, d.DeviceAddress, d.HostAddress, d.HostPort,
		d.HostUser, d.HostPassword, d.ScanInterval, d.Description, int(d.Status), formatTime(d.CreatedAt))
	return err
}

func (s *SQLiteStore) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_run_at = ? WHERE id = ?`, formatTime(at), id)
	return err
}

// =============================================================================
// Daily / detail records
// =============================================================================

func (s *SQLiteStore) FindDailyRecords(ctx context.Context, deviceID string, after time.Time) ([]models.DailyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, biz_datetime, mode, item, created_at
		FROM daily_records WHERE device_id = ? AND biz_datetime > ?
		ORDER BY biz_datetime`, deviceID, formatTime(after))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailyRecord
	for rows.Next() {
		var r models.DailyRecord
		var id, biz, created string
		if err := rows.Scan(&id, &r.DeviceID, &biz, &r.Mode, &r.Item, &created); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("daily id %q: %w", id, err)
		}
		if r.BizDateTime, err = parseTime(biz); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DailyExists(ctx context.Context, deviceID string, bizDateTime time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM daily_records WHERE device_id = ? AND biz_datetime = ?`,
		deviceID, formatTime(bizDateTime)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) MaxDetailSequence(ctx context.Context, dailyID uuid.UUID) (*int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq_no) FROM detail_records WHERE daily_id = ?`,
		dailyID.String()).Scan(&max); err != nil {
		return nil, err
	}
	if !max.Valid {
		return nil, nil
	}
	n := int(max.Int64)
	return &n, nil
}

// SaveDaily inserts rec and its details in one transaction. It reports
// false, writing nothing, if (device_id, biz_datetime) already exists.
func (s *SQLiteStore) SaveDaily(ctx context.Context, rec *models.DailyRecord, details []models.DetailRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO daily_records (id, device_id, biz_datetime, mode, item, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, biz_datetime) DO NOTHING`,
		rec.ID.String(), rec.DeviceID, formatTime(rec.BizDateTime), rec.Mode, rec.Item, formatTime(rec.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert daily: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if err := insertDetails(ctx, tx, rec.ID, details); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// SaveDetails appends details to an existing daily record in one transaction.
func (s *SQLiteStore) SaveDetails(ctx context.Context, dailyID uuid.UUID, details []models.DetailRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertDetails(ctx, tx, dailyID, details); err != nil {
		return err
	}
	return tx.Commit()
}

func insertDetails(ctx context.Context, tx *sql.Tx, dailyID uuid.UUID, details []models.DetailRecord) error {
	if len(details) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detail_records (id, daily_id, seq_no, kind, id_string, percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(daily_id, seq_no) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range details {
		id := d.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, id.String(), dailyID.String(), d.SeqNo, d.Kind, d.IDString, d.Percent, formatTime(d.CreatedAt)); err != nil {
			return fmt.Errorf("insert detail %d: %w", d.SeqNo, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetDetails(ctx context.Context, dailyID uuid.UUID) ([]models.DetailRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq_no, COALESCE(kind, ''), COALESCE(id_string, ''), COALESCE(percent, ''), created_at
		FROM detail_records WHERE daily_id = ? ORDER BY seq_no`, dailyID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DetailRecord
	for rows.Next() {
		d := models.DetailRecord{DailyID: dailyID}
		var id, created string
		if err := rows.Scan(&id, &d.SeqNo, &d.Kind, &d.IDString, &d.Percent, &created); err != nil {
			return nil, err
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// Crawl logs
// =============================================================================

func (s *SQLiteStore) LogCrawl(ctx context.Context, e *models.CrawlLog) error {
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_logs (device_id, host_address, device_address, status, message, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.DeviceID, e.HostAddress, e.DeviceAddress, string(e.Status), e.Message, formatTime(e.LoggedAt))
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) RecentCrawlLogs(ctx context.Context, deviceID string, limit int) ([]models.CrawlLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, COALESCE(host_address, ''), COALESCE(device_address, ''),
			COALESCE(status, ''), COALESCE(message, ''), logged_at
		FROM crawl_logs WHERE device_id = ? ORDER BY id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CrawlLog
	for rows.Next() {
		var e models.CrawlLog
		var status, logged string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.HostAddress, &e.DeviceAddress, &status, &e.Message, &logged); err != nil {
			return nil, err
		}
		e.Status = models.TransportStatus(status)
		if e.LoggedAt, err = parseTime(logged); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) (int64, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO commands (command, params) VALUES (?, ?)`, string(cmd), string(raw))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, params, created_at FROM commands
		WHERE processed_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var c models.Command
		var params sql.NullString
		if err := rows.Scan(&c.ID, &c.Command, &params, &c.CreatedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			c.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}
