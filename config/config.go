package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"lab_crawler/models"
)

const DefaultConfigPath = "config/crawler.yaml"

type Config struct {
	Store      StoreConfig
	Remote     RemoteConfig
	Crawler    CrawlerConfig
	Supervisor SupervisorConfig
	Archive    ArchiveConfig
	LogPath    string
	LogLevel   string
	ConfigPath string
	Devices    []models.DeviceTask
}

type StoreConfig struct {
	Driver      string
	DBPath      string
	DatabaseURL string
}

type RemoteConfig struct {
	Transport      string
	FetchCommand   string
	CommandTimeout time.Duration
	DialTimeout    time.Duration
	KnownHosts     string
}

type CrawlerConfig struct {
	TraceBack models.TraceBackWindow
	Timezone  string
	Location  *time.Location
}

type SupervisorConfig struct {
	WatchdogPoll time.Duration
	StartPacing  time.Duration
	CommandPoll  time.Duration
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// fileConfig is the shape of the YAML device file.
type fileConfig struct {
	TraceBack *models.TraceBackWindow `yaml:"trace_back"`
	Devices   []models.DeviceTask     `yaml:"devices"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			DBPath:      getEnv("DB_PATH", "crawler.db"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Remote: RemoteConfig{
			Transport:      strings.ToLower(getEnv("REMOTE_TRANSPORT", "ssh")),
			FetchCommand:   getEnv("FETCH_COMMAND", "wget -q -O -"),
			CommandTimeout: getEnvDuration("COMMAND_TIMEOUT", 90*time.Second),
			DialTimeout:    getEnvDuration("SSH_DIAL_TIMEOUT", 15*time.Second),
			KnownHosts:     os.Getenv("SSH_KNOWN_HOSTS"),
		},
		Crawler: CrawlerConfig{
			TraceBack: models.DefaultTraceBack,
			Timezone:  getEnv("TIMEZONE", "Asia/Shanghai"),
		},
		Supervisor: SupervisorConfig{
			WatchdogPoll: getEnvDuration("WATCHDOG_POLL", time.Second),
			StartPacing:  getEnvDuration("START_PACING", 500*time.Millisecond),
			CommandPoll:  getEnvDuration("COMMAND_POLL", 2*time.Second),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_KEY"),
		},
		LogPath:    getEnv("LOG_PATH", "crawler.log"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ConfigPath: getEnv("CRAWLER_CONFIG", DefaultConfigPath),
	}

	loc, err := time.LoadLocation(cfg.Crawler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Crawler.Timezone, err)
	}
	cfg.Crawler.Location = loc

	if err := cfg.loadFile(); err != nil {
		return nil, err
	}
	cfg.applyTraceBackEnv()

	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres", "pg":
		if cfg.Store.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for store driver %s", cfg.Store.Driver)
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Remote.Transport != "ssh" && cfg.Remote.Transport != "http" {
		return nil, fmt.Errorf("unknown remote transport %q", cfg.Remote.Transport)
	}

	return cfg, nil
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", c.ConfigPath, err)
	}
	if fc.TraceBack != nil && !fc.TraceBack.IsZero() {
		c.Crawler.TraceBack = *fc.TraceBack
	}

	seen := make(map[string]bool, len(fc.Devices))
	for i := range fc.Devices {
		d := fc.Devices[i]
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%s: device %d: %w", c.ConfigPath, i, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("%s: duplicate device id %s", c.ConfigPath, d.ID)
		}
		seen[d.ID] = true
		c.Devices = append(c.Devices, d)
	}
	return nil
}

// applyTraceBackEnv replaces the whole window when any TRACE_BACK_* is set.
func (c *Config) applyTraceBackEnv() {
	w := models.TraceBackWindow{
		Minutes: getEnvInt("TRACE_BACK_MINUTES", 0),
		Hours:   getEnvInt("TRACE_BACK_HOURS", 0),
		Days:    getEnvInt("TRACE_BACK_DAYS", 0),
	}
	if !w.IsZero() {
		c.Crawler.TraceBack = w
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
