package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "servisr.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFullDocument(t *testing.T) {
	path := writeConfig(t, `
env = ["MODEL_DIR=/srv/models", "THREADS=4"]

[registry]
path = "/var/run/servisr/ports.json"
port_lo = 41000
port_hi = 41099
lock_wait = "5s"
heartbeat = "15s"
staleness = "60s"

[health]
interval = "10s"
threshold = 5
probe = "ping"

[fallback]
cooldown = "2m"
priority = ["local-ja", "deepl"]

[[fallback.providers]]
name = "local-ja"
type = "local"
service = "ja-en"
engine = "ctranslate2"

[[fallback.providers]]
name = "deepl"
type = "http"
endpoint = "https://api.deepl.example/v1/translate"
api_key_env = "DEEPL_KEY"
timeout = "8s"

[log]
level = "debug"
color = true
dir = "/var/log/servisr"
max_size_mb = 32

[server]
enabled = true
listen = "127.0.0.1:9911"

[store]
dsn = "sqlite:///var/lib/servisr/runs.db"
retention = "48h"

[history]
dsns = ["clickhouse://localhost:9000/servisr"]

[usage]
enabled = true
interval = "5s"

[[services]]
key = "ja-en"
command = "/opt/models/ja-en/serve.sh"
marker = "SERVER_READY"
startup_timeout = "90s"
ready_timeout = "10s"
auto_restart = true
restart_max = 3
restart_backoff = "1s"

[[services]]
key = "en-ja"
command = "/opt/models/en-ja/serve.sh"

[services.log]
dir = "/var/log/servisr/en-ja"
max_backups = 9
`)
	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, []string{"MODEL_DIR=/srv/models", "THREADS=4"}, c.Env)
	require.Equal(t, "/var/run/servisr/ports.json", c.Registry.Path)
	require.Equal(t, 41000, c.Registry.PortLo)
	require.Equal(t, 41099, c.Registry.PortHi)
	require.Equal(t, 5*time.Second, c.Registry.LockWait)
	require.Equal(t, 15*time.Second, c.Registry.Heartbeat)
	require.Equal(t, time.Minute, c.Registry.Staleness)

	require.Equal(t, 10*time.Second, c.Health.Interval)
	require.Equal(t, 5, c.Health.Threshold)
	require.Equal(t, "ping", c.Health.Probe)

	require.Equal(t, 2*time.Minute, c.Fallback.Cooldown)
	require.Equal(t, []string{"local-ja", "deepl"}, c.Fallback.Priority)
	require.Len(t, c.Fallback.Providers, 2)
	require.Equal(t, "local", c.Fallback.Providers[0].Type)
	require.Equal(t, "ja-en", c.Fallback.Providers[0].Service)
	require.Equal(t, 8*time.Second, c.Fallback.Providers[1].Timeout)

	require.Equal(t, "debug", c.Log.Level)
	require.True(t, c.Log.Color)
	require.Equal(t, 32, c.Log.MaxSizeMB)

	require.True(t, c.Server.Enabled)
	require.Equal(t, "127.0.0.1:9911", c.Server.Listen)
	require.Equal(t, "sqlite:///var/lib/servisr/runs.db", c.Store.DSN)
	require.Equal(t, 48*time.Hour, c.Store.Retention)
	require.Equal(t, []string{"clickhouse://localhost:9000/servisr"}, c.History.DSNs)
	require.True(t, c.Usage.Enabled)
	require.Equal(t, 5*time.Second, c.Usage.Interval)

	require.Len(t, c.Services, 2)
	require.Equal(t, "ja-en", c.Services[0].Key)
	require.Equal(t, 90*time.Second, c.Services[0].StartupTimeout)
	require.True(t, c.Services[0].AutoRestart)
	require.NotNil(t, c.Services[1].Log)
	require.Equal(t, 9, c.Services[1].Log.MaxBackups)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
[[services]]
key = "zh-en"
command = "/opt/models/zh-en/serve.sh"
`)
	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 40000, c.Registry.PortLo)
	require.Equal(t, 40099, c.Registry.PortHi)
	require.NotEmpty(t, c.Registry.Path)
	require.Equal(t, "127.0.0.1:8099", c.Server.Listen)
	require.Equal(t, 7*24*time.Hour, c.Store.Retention)
	require.Equal(t, time.Hour, c.Store.PurgeInterval)
	require.Equal(t, DefaultMarker, c.Services[0].Marker)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"empty service key",
			"[[services]]\ncommand = \"/bin/serve\"\n",
			"empty key",
		},
		{
			"missing command",
			"[[services]]\nkey = \"ja-en\"\n",
			"command is required",
		},
		{
			"duplicate service",
			"[[services]]\nkey = \"ja-en\"\ncommand = \"/bin/a\"\n[[services]]\nkey = \"ja-en\"\ncommand = \"/bin/b\"\n",
			"duplicate key",
		},
		{
			"inverted port range",
			"[registry]\nport_lo = 4200\nport_hi = 4100\n",
			"invalid port range",
		},
		{
			"unknown probe",
			"[health]\nprobe = \"icmp\"\n",
			"unknown probe",
		},
		{
			"http provider without endpoint",
			"[[fallback.providers]]\nname = \"deepl\"\ntype = \"http\"\n",
			"need an endpoint",
		},
		{
			"local provider without service",
			"[[fallback.providers]]\nname = \"loc\"\ntype = \"local\"\n",
			"need a service key",
		},
		{
			"local provider unknown service",
			"[[fallback.providers]]\nname = \"loc\"\ntype = \"local\"\nservice = \"ghost\"\n",
			"unknown service",
		},
		{
			"unknown provider type",
			"[[fallback.providers]]\nname = \"x\"\ntype = \"grpc\"\n",
			"unknown type",
		},
		{
			"priority names missing provider",
			"[fallback]\npriority = [\"ghost\"]\n",
			"unknown provider",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestPriorityDefaultsToDeclarationOrder(t *testing.T) {
	path := writeConfig(t, `
[[fallback.providers]]
name = "a"
type = "http"
endpoint = "http://a"

[[fallback.providers]]
name = "b"
type = "http"
endpoint = "http://b"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, c.Fallback.Priority)
}

func TestServiceSpecsFoldCaptureDefaults(t *testing.T) {
	path := writeConfig(t, `
[log]
dir = "/var/log/servisr"
max_size_mb = 16
max_backups = 2

[[services]]
key = "ja-en"
command = "/bin/serve"

[[services]]
key = "en-ja"
command = "/bin/serve"

[services.log]
dir = "/var/log/override"
max_backups = 7
`)
	c, err := Load(path)
	require.NoError(t, err)
	specs := c.ServiceSpecs()
	require.Len(t, specs, 2)

	require.Equal(t, "/var/log/servisr", specs[0].Log.Dir)
	require.Equal(t, 16, specs[0].Log.MaxSizeMB)
	require.Equal(t, 2, specs[0].Log.MaxBackups)

	require.Equal(t, "/var/log/override", specs[1].Log.Dir)
	require.Equal(t, 16, specs[1].Log.MaxSizeMB)
	require.Equal(t, 7, specs[1].Log.MaxBackups)
}

func TestResolveAPIKeyPrefersEnv(t *testing.T) {
	t.Setenv("SERVISR_TEST_KEY", "from-env")
	p := ProviderConfig{APIKey: "inline", APIKeyEnv: "SERVISR_TEST_KEY"}
	require.Equal(t, "from-env", p.ResolveAPIKey())

	t.Setenv("SERVISR_TEST_KEY", "")
	require.Equal(t, "inline", p.ResolveAPIKey())

	require.Equal(t, "inline", ProviderConfig{APIKey: "inline"}.ResolveAPIKey())
}
