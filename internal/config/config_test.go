package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ravenhub.yaml", `
ingest:
  secret: s3cret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Port)
	assert.Equal(t, "boltdb", cfg.Database.Type)
	assert.Equal(t, "./data/ravenhub.db", cfg.Database.Path)
	assert.Equal(t, int64(16<<20), cfg.Ingest.MaxPayload)
	assert.Equal(t, 500, cfg.Downsample.ReadPoints)
	assert.Equal(t, 1000, cfg.Downsample.CompactTarget)
	assert.Equal(t, time.Hour, cfg.Maintenance.CompactionInterval)
	assert.Zero(t, cfg.Maintenance.RolloverInterval)
	assert.Equal(t, "/metrics", cfg.Prometheus.MetricsPath)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ravenhub.yaml", `
server:
  port: ":9100"
  rate_limit: 4
ingest:
  secret: s3cret
  wait_timeout: 5s
database:
  history_retention: 720h
downsample:
  compact_after: 48h
maintenance:
  rollover_interval: 24h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Server.RateBurst)
	assert.Equal(t, 5*time.Second, cfg.Ingest.WaitTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Database.HistoryRetention)
	assert.Equal(t, 48*time.Hour, cfg.Downsample.CompactAfter)
	assert.Equal(t, 24*time.Hour, cfg.Maintenance.RolloverInterval)
}

func TestLoadMergesIncludesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ravenhub.yaml", `
ingest:
  secret: s3cret
logging:
  level: warn
include:
  enabled: true
  directory: conf.d
`)
	writeFile(t, dir, "conf.d/10-logging.yaml", `
logging:
  level: debug
  format: json
`)
	writeFile(t, dir, "conf.d/20-logging.yml", `
logging:
  level: error
`)
	writeFile(t, dir, "conf.d/30-downsample.yaml", `
downsample:
  read_points: 250
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 250, cfg.Downsample.ReadPoints)
	assert.Equal(t, 1000, cfg.Downsample.CompactTarget)
}

func TestLoadReadsSecretFile(t *testing.T) {
	dir := t.TempDir()
	secret := writeFile(t, dir, "secret", "from-file\n")
	path := writeFile(t, dir, "ravenhub.yaml", "ingest:\n  secret_file: "+secret+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Ingest.Secret)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing secret": `
logging:
  level: info
`,
		"unsupported database": `
ingest:
  secret: s
database:
  type: postgres
`,
		"retention shorter than compaction": `
ingest:
  secret: s
database:
  history_retention: 24h
downsample:
  compact_after: 48h
`,
		"negative interval": `
ingest:
  secret: s
maintenance:
  purge_interval: -1h
`,
		"bad log format": `
ingest:
  secret: s
logging:
  format: xml
`,
		"missing include directory": `
ingest:
  secret: s
include:
  enabled: true
  directory: nowhere
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "ravenhub.yaml", content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
