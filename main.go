package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"lab_crawler/config"
	"lab_crawler/crawler"
	"lab_crawler/logging"
	"lab_crawler/models"
	"lab_crawler/remote"
	"lab_crawler/scheduler"
	"lab_crawler/storage"
	"lab_crawler/supervisor"
)

var (
	cfg     *config.Config
	logFile *logging.RotatingWriter

	flagVerbose  bool
	flagLogLimit int
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initCrawler

	taskCmd.AddCommand(
		enqueueCmd("add", "Create or replace the task for a device", models.CmdAddTask),
		enqueueCmd("stop", "Stop the task for a device", models.CmdStopTask),
		enqueueCmd("restart", "Recreate the task for a device", models.CmdRestartTask),
		enqueueCmd("run", "Run one cycle for a device now", models.CmdRunNow),
	)
	logsCmd.Flags().IntVar(&flagLogLimit, "limit", 20, "number of entries to show")
	rootCmd.AddCommand(runCmd, onceCmd, devicesCmd, logsCmd, taskCmd)

	err := rootCmd.Execute()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		slog.Error("lab_crawler failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "lab_crawler",
	Short:        "Polls laboratory devices over remote shells and stores their measurement records",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the crawler daemon",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var onceCmd = &cobra.Command{
	Use:   "once <device-id>",
	Short: "Run a single cycle for a device and print the report",
	Args:  cobra.ExactArgs(1),
	RunE:  doOnce,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List configured devices",
	Args:  cobra.NoArgs,
	RunE:  doDevices,
}

var logsCmd = &cobra.Command{
	Use:   "logs <device-id>",
	Short: "Show the most recent crawl log entries of a device",
	Args:  cobra.ExactArgs(1),
	RunE:  doLogs,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Send a task command to the running daemon",
}

func enqueueCmd(use, short string, cmdType models.CommandType) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := st.EnqueueCommand(ctx, cmdType, models.CommandParams{DeviceID: args[0]})
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", cmdType, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s (command %d)\n", cmdType, args[0], id)
			return nil
		},
	}
}

func initCrawler(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagVerbose {
		cfg.LogLevel = "debug"
	}
	logFile, err = logging.Setup(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		slog.Warn("Could not set up file logging", "error", err)
	}
	return nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting lab_crawler", "store", cfg.Store.Driver, "transport", cfg.Remote.Transport)

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedDevices(ctx, st, cfg.Devices); err != nil {
		return err
	}

	pipeline, err := newPipeline(ctx, st)
	if err != nil {
		return err
	}

	sched := scheduler.New()
	sched.Start()

	sup := supervisor.New(pipeline, sched, supervisor.Options{
		WatchdogPoll: cfg.Supervisor.WatchdogPoll,
		StartPacing:  cfg.Supervisor.StartPacing,
	})
	sup.SetDeviceToucher(st)

	devices, err := st.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sup.Start(gctx, devices)
		return nil
	})
	g.Go(func() error {
		sup.PollCommands(gctx, st, cfg.Supervisor.CommandPoll)
		return nil
	})

	slog.Info("Daemon running. Press Ctrl+C to stop.")
	err = g.Wait()

	slog.Info("Shutting down...")
	sup.Close()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	slog.Info("Goodbye!")
	return err
}

func doOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedDevices(ctx, st, cfg.Devices); err != nil {
		return err
	}
	device, err := st.GetDevice(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		return fmt.Errorf("device %s not found", args[0])
	}

	pipeline, err := newPipeline(ctx, st)
	if err != nil {
		return err
	}
	report := pipeline.RunCycle(ctx, *device)
	if err := st.TouchDevice(ctx, device.ID, report.FinishedAt); err != nil {
		slog.Warn("Recording last run failed", "device_id", device.ID, "error", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func doDevices(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedDevices(ctx, st, cfg.Devices); err != nil {
		return err
	}
	devices, err := st.ListDevices(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLAB\tDEVICE\tDEVICE IP\tHOST\tINTERVAL\tSTATUS\tLAST RUN")
	for _, d := range devices {
		last := "-"
		if d.LastRunAt != nil {
			last = d.LastRunAt.In(cfg.Crawler.Location).Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.LabName, d.DeviceName, d.DeviceAddress, d.Endpoint().Addr(), d.Interval(), d.Status, last)
	}
	return w.Flush()
}

func doLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	logs, err := st.RecentCrawlLogs(ctx, args[0], flagLogLimit)
	if err != nil {
		return fmt.Errorf("load crawl logs: %w", err)
	}
	return writeCrawlLogs(cmd.OutOrStdout(), logs, cfg.Crawler.Location)
}

func writeCrawlLogs(out io.Writer, logs []models.CrawlLog, loc *time.Location) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATUS\tHOST\tDEVICE IP\tMESSAGE")
	for _, e := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.LoggedAt.In(loc).Format(time.DateTime), e.Status, e.HostAddress, e.DeviceAddress, e.Message)
	}
	return w.Flush()
}

func openStore(ctx context.Context) (storage.Store, error) {
	st, err := storage.Open(ctx, cfg.Store.Driver, cfg.Store.DBPath, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if cfg.Store.Driver == "sqlite" {
		slog.Debug("SQLite database", "path", cfg.Store.DBPath)
	} else {
		slog.Debug("Connected to Postgres", "url", maskConnectionString(cfg.Store.DatabaseURL))
	}
	return st, nil
}

func seedDevices(ctx context.Context, st storage.Store, devices []models.DeviceTask) error {
	for i := range devices {
		if err := st.UpsertDevice(ctx, &devices[i]); err != nil {
			return fmt.Errorf("seed device %s: %w", devices[i].ID, err)
		}
	}
	if len(devices) > 0 {
		slog.Info("Loaded devices from config", "count", len(devices), "file", cfg.ConfigPath)
	}
	return nil
}

func newPipeline(ctx context.Context, st storage.Store) (*crawler.Pipeline, error) {
	exec, err := newExecutor()
	if err != nil {
		return nil, err
	}

	p := crawler.New(exec, st, crawler.Options{
		Fetch:          cfg.Remote.FetchCommand,
		TraceBack:      cfg.Crawler.TraceBack,
		CommandTimeout: cfg.Remote.CommandTimeout,
		Location:       cfg.Crawler.Location,
	})
	p.SetCrawlLogger(st)

	archive := storage.S3Config{
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
	}
	if archive.Enabled() {
		archiver, err := storage.NewS3Archiver(ctx, archive)
		if err != nil {
			return nil, fmt.Errorf("raw page archive: %w", err)
		}
		p.SetArchiver(archiver)
		slog.Info("Archiving raw pages", "bucket", archive.Bucket)
	}
	return p, nil
}

func newExecutor() (remote.Executor, error) {
	if cfg.Remote.Transport == "http" {
		return remote.NewHTTPExecutor(), nil
	}
	if cfg.Remote.KnownHosts == "" {
		slog.Warn("SSH_KNOWN_HOSTS not set, host keys are not verified")
	}
	return remote.NewSSHExecutor(cfg.Remote.KnownHosts, cfg.Remote.DialTimeout)
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
