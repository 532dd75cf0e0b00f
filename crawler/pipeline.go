// Package crawler runs one polling cycle of a device: fetch the listing,
// diff it against known daily records, fetch detail pages and persist new
// records and backfills.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"lab_crawler/extract"
	"lab_crawler/logging"
	"lab_crawler/models"
	"lab_crawler/remote"
)

const DefaultCommandTimeout = 90 * time.Second

// Store is the persistence the pipeline reads from and writes to.
type Store interface {
	FindDailyRecords(ctx context.Context, deviceID string, after time.Time) ([]models.DailyRecord, error)
	DailyExists(ctx context.Context, deviceID string, bizDateTime time.Time) (bool, error)
	MaxDetailSequence(ctx context.Context, dailyID uuid.UUID) (*int, error)
	SaveDaily(ctx context.Context, rec *models.DailyRecord, details []models.DetailRecord) (bool, error)
	SaveDetails(ctx context.Context, dailyID uuid.UUID, details []models.DetailRecord) error
}

type CrawlLogger interface {
	LogCrawl(ctx context.Context, entry *models.CrawlLog) error
}

// Archiver keeps a copy of fetched pages.
type Archiver interface {
	Archive(ctx context.Context, deviceID, kind string, fetchedAt time.Time, body string) error
}

type Options struct {
	Fetch          string
	TraceBack      models.TraceBackWindow
	CommandTimeout time.Duration
	Location       *time.Location // device clock; also used for local timestamps
	Now            func() time.Time
}

type Pipeline struct {
	exec     remote.Executor
	store    Store
	opts     Options
	crawlLog CrawlLogger
	archiver Archiver
}

func New(exec remote.Executor, store Store, opts Options) *Pipeline {
	if opts.Fetch == "" {
		opts.Fetch = DefaultFetch
	}
	if opts.TraceBack.IsZero() {
		opts.TraceBack = models.DefaultTraceBack
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{exec: exec, store: store, opts: opts}
}

func (p *Pipeline) SetCrawlLogger(l CrawlLogger) {
	p.crawlLog = l
}

func (p *Pipeline) SetArchiver(a Archiver) {
	p.archiver = a
}

// cycle carries the state of one RunCycle call.
type cycle struct {
	device models.DeviceTask
	now    time.Time // reference time, UTC, fixed for the whole cycle
	report *models.CycleReport
}

func (c *cycle) localNow(loc *time.Location) time.Time {
	return c.now.In(loc)
}

// RunCycle never fails: every error is logged and counted in the report.
func (p *Pipeline) RunCycle(ctx context.Context, device models.DeviceTask) (report models.CycleReport) {
	now := p.opts.Now().UTC()
	report = models.CycleReport{DeviceID: device.ID, StartedAt: now}
	c := &cycle{device: device, now: now, report: &report}

	ctx = logging.With(ctx,
		slog.String("device_id", device.ID),
		slog.String("host", device.HostAddress),
		slog.String("device_ip", device.DeviceAddress),
	)

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Cycle panicked", "panic", fmt.Sprint(r))
			report.Errors++
		}
		report.FinishedAt = p.opts.Now().UTC()
	}()

	slog.InfoContext(ctx, "Cycle starting")

	cutoff := p.opts.TraceBack.Cutoff(now)
	existing, err := p.store.FindDailyRecords(ctx, device.ID, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "Loading trace-back records failed", "after", cutoff, "error", err)
		report.Errors++
		existing = nil
	}

	dailies := p.fetchListing(ctx, c)
	report.DailyFetched = len(dailies)

	for _, rec := range dailies {
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "Cycle cancelled", "error", ctx.Err())
			break
		}

		known := findSession(existing, rec)
		if known == nil {
			if rec.BizDateTime.After(now) {
				report.DailySkipped++
				continue
			}
			if !rec.BizDateTime.After(cutoff) && p.alreadyStored(ctx, c, rec) {
				report.DailySkipped++
				continue
			}
			p.saveNew(ctx, c, rec)
			continue
		}

		known.URL = rec.URL
		p.traceBack(ctx, c, known)
	}

	slog.InfoContext(ctx, "Cycle done",
		"dailies", report.DailyFetched,
		"new", report.DailyNew,
		"skipped", report.DailySkipped,
		"trace_backs", report.TraceBacks,
		"details_saved", report.DetailsSaved,
		"errors", report.Errors,
	)
	return report
}

func findSession(existing []models.DailyRecord, rec models.DailyRecord) *models.DailyRecord {
	for i := range existing {
		if existing[i].SameSession(rec) {
			return &existing[i]
		}
	}
	return nil
}

func (p *Pipeline) alreadyStored(ctx context.Context, c *cycle, rec models.DailyRecord) bool {
	ok, err := p.store.DailyExists(ctx, rec.DeviceID, rec.BizDateTime)
	if err != nil {
		slog.ErrorContext(ctx, "Checking stored daily record failed", "biz_datetime", rec.BizDateTime, "error", err)
		c.report.Errors++
		return false
	}
	return ok
}

func (p *Pipeline) saveNew(ctx context.Context, c *cycle, rec models.DailyRecord) {
	rec.ID = uuid.New()
	rec.CreatedAt = c.localNow(p.opts.Location)

	details := p.FetchDetails(ctx, c.device, rec, c.now)
	c.report.DetailsFetched += len(details)

	inserted, err := p.store.SaveDaily(ctx, &rec, details)
	if err != nil {
		slog.ErrorContext(ctx, "Saving daily record failed",
			"biz_datetime", rec.BizDateTime, "details", len(details), "error", err)
		c.report.Errors++
		return
	}
	if !inserted {
		slog.InfoContext(ctx, "Daily record already stored", "biz_datetime", rec.BizDateTime)
		c.report.DailySkipped++
		return
	}

	c.report.DailyNew++
	c.report.DetailsSaved += len(details)
	slog.InfoContext(ctx, "Saved daily record", "daily_id", rec.ID, "biz_datetime", rec.BizDateTime, "details", len(details))
}

// traceBack refetches the details of a known daily record and stores the
// ones not yet persisted.
func (p *Pipeline) traceBack(ctx context.Context, c *cycle, known *models.DailyRecord) {
	c.report.TraceBacks++
	details := p.FetchDetails(ctx, c.device, *known, c.now)
	c.report.DetailsFetched += len(details)

	maxSeq, err := p.store.MaxDetailSequence(ctx, known.ID)
	if err != nil {
		slog.ErrorContext(ctx, "Loading max sequence failed", "daily_id", known.ID, "error", err)
		c.report.Errors++
		return
	}

	supply := details
	kind := "re-crawl"
	if maxSeq != nil {
		supply = models.DetailsAfter(details, *maxSeq)
		kind = "supplementary"
	}
	if len(supply) == 0 {
		return
	}

	if err := p.store.SaveDetails(ctx, known.ID, supply); err != nil {
		slog.ErrorContext(ctx, "Saving backfill failed", "daily_id", known.ID, "kind", kind, "count", len(supply), "error", err)
		c.report.Errors++
		return
	}
	c.report.Backfills++
	c.report.DetailsSaved += len(supply)
	slog.InfoContext(ctx, "Saved backfill details", "daily_id", known.ID, "kind", kind, "count", len(supply))
}

// fetchListing returns the clickable listing rows parsed into daily records.
// Transport failures yield no records.
func (p *Pipeline) fetchListing(ctx context.Context, c *cycle) []models.DailyRecord {
	cmd := ListingCommand(p.opts.Fetch, c.device.DeviceAddress)
	out, ok := p.run(ctx, c.device, cmd, "listing", c.now)
	if !ok {
		return nil
	}
	p.logCrawl(ctx, c.device, models.TransportSuccess, "listing fetched: "+cmd, c.now)

	var dailies []models.DailyRecord
	for row := range extract.Rows(out) {
		if !row.HasLink() {
			continue
		}
		rec, err := parseDailyRow(row, c.device.ID, p.opts.Location)
		if err != nil {
			slog.WarnContext(ctx, "Skipping listing row", "error", err)
			c.report.Errors++
			continue
		}
		dailies = append(dailies, rec)
	}
	return dailies
}

// FetchDetails fetches and parses the detail page of daily. Transport
// failures yield no details.
func (p *Pipeline) FetchDetails(ctx context.Context, device models.DeviceTask, daily models.DailyRecord, now time.Time) []models.DetailRecord {
	if daily.URL == "" {
		slog.WarnContext(ctx, "Daily record has no detail link", "biz_datetime", daily.BizDateTime)
		return nil
	}
	cmd := DetailCommand(p.opts.Fetch, device.DeviceAddress, daily.URL)
	out, ok := p.run(ctx, device, cmd, "detail", now)
	if !ok {
		return nil
	}

	created := now.In(p.opts.Location)
	var details []models.DetailRecord
	for row := range extract.Rows(out) {
		if isDetailHeader(row) || len(row.Cells) == 0 {
			continue
		}
		d, err := parseDetailRow(row)
		if err != nil {
			slog.WarnContext(ctx, "Skipping detail row", "error", err)
			continue
		}
		d.ID = uuid.New()
		d.DailyID = daily.ID
		d.CreatedAt = created
		details = append(details, d)
	}
	return details
}

func (p *Pipeline) run(ctx context.Context, device models.DeviceTask, cmd, kind string, now time.Time) (string, bool) {
	res, err := remote.Bounded(ctx, p.exec, device.Endpoint(), cmd, p.opts.CommandTimeout)
	if err != nil {
		slog.ErrorContext(ctx, "Remote command failed", "command", cmd, "error", err)
		p.logCrawl(ctx, device, models.TransportFailed, fmt.Sprintf("%s: %v", cmd, err), now)
		return "", false
	}
	if res.ExitStatus != 0 || strings.TrimSpace(res.Output) == "" {
		slog.ErrorContext(ctx, "Remote command returned no data",
			"command", cmd, "exit_status", res.ExitStatus, "stderr", strings.TrimSpace(res.ErrorText))
		p.logCrawl(ctx, device, models.TransportFailed,
			fmt.Sprintf("%s: exit %d: %s", cmd, res.ExitStatus, strings.TrimSpace(res.ErrorText)), now)
		return "", false
	}

	slog.DebugContext(ctx, "Remote command succeeded", "command", cmd, "bytes", len(res.Output))
	if p.archiver != nil {
		if err := p.archiver.Archive(ctx, device.ID, kind, now, res.Output); err != nil {
			slog.WarnContext(ctx, "Archiving page failed", "kind", kind, "error", err)
		}
	}
	return res.Output, true
}

func (p *Pipeline) logCrawl(ctx context.Context, device models.DeviceTask, status models.TransportStatus, msg string, now time.Time) {
	if p.crawlLog == nil {
		return
	}
	entry := &models.CrawlLog{
		DeviceID:      device.ID,
		HostAddress:   device.HostAddress,
		DeviceAddress: device.DeviceAddress,
		Status:        status,
		Message:       msg,
		LoggedAt:      now,
	}
	if err := p.crawlLog.LogCrawl(ctx, entry); err != nil {
		slog.WarnContext(ctx, "Writing crawl log failed", "error", err)
	}
}
