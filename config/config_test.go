package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lab_crawler/models"
)

const deviceFile = `
trace_back: {minutes: 0, hours: 12, days: 0}
devices:
  - id: 08da9248-bb5d-4132-84b2-c9fadb24e266
    lab_name: com-1
    device_name: device-1
    device_address: 192.168.10.100
    host_address: 192.168.1.102
    host_port: 2222
    host_user: admin
    host_password: admin
    scan_interval: 600
    description: desc
    status: in_use
  - id: dev-2
    lab_name: com-1
    device_name: device-2
    device_address: 192.168.10.101
    host_address: 192.168.1.103
    scan_interval: 300
    status: deactivated
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CRAWLER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, "crawler.db", cfg.Store.DBPath)
	require.Equal(t, "ssh", cfg.Remote.Transport)
	require.Equal(t, "wget -q -O -", cfg.Remote.FetchCommand)
	require.Equal(t, 90*time.Second, cfg.Remote.CommandTimeout)
	require.Equal(t, time.Second, cfg.Supervisor.WatchdogPoll)
	require.Equal(t, 500*time.Millisecond, cfg.Supervisor.StartPacing)
	require.Equal(t, models.DefaultTraceBack, cfg.Crawler.TraceBack)
	require.Equal(t, "Asia/Shanghai", cfg.Crawler.Location.String())
	require.Empty(t, cfg.Devices)
}

func TestLoadDeviceFile(t *testing.T) {
	t.Setenv("CRAWLER_CONFIG", writeFile(t, deviceFile))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, models.TraceBackWindow{Hours: 12}, cfg.Crawler.TraceBack)
	require.Len(t, cfg.Devices, 2)

	d := cfg.Devices[0]
	require.Equal(t, "08da9248-bb5d-4132-84b2-c9fadb24e266", d.ID)
	require.Equal(t, 2222, d.HostPort)
	require.Equal(t, "admin", d.HostPassword)
	require.Equal(t, models.DeviceInUse, d.Status)
	require.Equal(t, 10*time.Minute, d.Interval())
	require.Equal(t, models.DeviceDeactivated, cfg.Devices[1].Status)
}

func TestTraceBackEnvOverridesFile(t *testing.T) {
	t.Setenv("CRAWLER_CONFIG", writeFile(t, deviceFile))
	t.Setenv("TRACE_BACK_MINUTES", "-30")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, models.TraceBackWindow{Minutes: -30}, cfg.Crawler.TraceBack)
	require.Equal(t, 30*time.Minute, cfg.Crawler.TraceBack.Duration())
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := map[string]func(t *testing.T){
		"duplicate device": func(t *testing.T) {
			body := deviceFile + `
  - id: dev-2
    device_address: 192.168.10.102
    host_address: 192.168.1.104
    scan_interval: 60
`
			t.Setenv("CRAWLER_CONFIG", writeFile(t, body))
		},
		"zero interval": func(t *testing.T) {
			t.Setenv("CRAWLER_CONFIG", writeFile(t, "devices:\n  - {id: a, device_address: x, host_address: y, scan_interval: 0}\n"))
		},
		"bad status": func(t *testing.T) {
			t.Setenv("CRAWLER_CONFIG", writeFile(t, "devices:\n  - {id: a, device_address: x, host_address: y, scan_interval: 60, status: broken}\n"))
		},
		"postgres without url": func(t *testing.T) {
			t.Setenv("CRAWLER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
			t.Setenv("STORE_DRIVER", "postgres")
			t.Setenv("DATABASE_URL", "")
		},
		"bad transport": func(t *testing.T) {
			t.Setenv("CRAWLER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
			t.Setenv("REMOTE_TRANSPORT", "telnet")
		},
		"bad timezone": func(t *testing.T) {
			t.Setenv("CRAWLER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
			t.Setenv("TIMEZONE", "Mars/Olympus")
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			setup(t)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
