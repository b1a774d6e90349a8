package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galedi/lvsync/internal/records"
)

func envMap(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lvsync.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"LVSYNC_STORE_DSN":      "sqlite:///var/lib/lvsync/records.db",
		"LVSYNC_MFR_H_URL":      "ftp://ftp.mfr-h.example/drop",
		"LVSYNC_MFR_H_USER":     "galedi",
		"LVSYNC_MFR_H_PASSWORD": "secret",
		"LVSYNC_MFR_E_URL":      "file:///srv/mfre",
	}))
	require.NoError(t, err)

	partners := cfg.EnabledPartners()
	require.Len(t, partners, 2)
	assert.Equal(t, records.PartnerH, partners[0].ID)
	assert.Equal(t, "LVS_REQ.txt", partners[0].RequestFile)
	assert.Equal(t, "mfrh_lvs.txt", partners[0].FeedbackFile)
	assert.Equal(t, "mfrh_int.txt", partners[0].SourceFile)
	assert.Equal(t, "secret", partners[0].Endpoint().Password)
	assert.Equal(t, "mfre_int.txt", partners[1].SourceFile)

	assert.Equal(t, time.Minute, cfg.Ingest.FirstDelay())
	assert.Equal(t, 30*time.Second, cfg.Export.FirstDelay())
}

func TestLoadMergesFileOntoDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"storeDsn": "postgres://lvsync@db/lvsync?sslmode=disable",
		"export": {"schedule": "*/2 * * * *", "jitter": 0},
		"cycleTimeout": "45s",
		"partners": [
			{"id": "MFR-H", "url": "ftp://h.example/in", "username": "u", "sourceUrl": "ftp://real.example/out", "removeSourceAfterIngest": true},
			{"id": "MFR-E", "enabled": false},
			{"id": "MFR-X", "url": "file:///srv/x", "feedbackFile": "x_lvs.txt", "sourceFile": "x_int.txt", "watch": true}
		]
	}`)

	cfg, err := Load(path, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.CycleTimeout.Std())
	assert.Equal(t, "*/2 * * * *", cfg.Export.Schedule)
	assert.Zero(t, cfg.Export.FirstDelay(), "cron schedules start without delay")
	assert.Equal(t, "1m", cfg.Ingest.Schedule)

	partners := cfg.EnabledPartners()
	require.Len(t, partners, 2)
	assert.Equal(t, "mfrh_lvs.txt", partners[0].FeedbackFile)
	assert.True(t, partners[0].RemoveSourceAfterIngest)
	source, ok := partners[0].SourceEndpoint()
	require.True(t, ok)
	assert.Equal(t, "ftp://real.example/out", source.URL)

	assert.Equal(t, records.PartnerID("MFR-X"), partners[1].ID)
	assert.Equal(t, "LVS_REQ.txt", partners[1].RequestFile)
	assert.True(t, partners[1].Watch)
	_, ok = partners[1].SourceEndpoint()
	assert.False(t, ok)
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	for name, content := range map[string]string{
		"unknown field":    `{"storeDsn": "memory://", "bogus": 1}`,
		"bad duration":     `{"cycleTimeout": "soon"}`,
		"path in filename": `{"partners": [{"id": "MFR-H", "feedbackFile": "../etc/passwd"}]}`,
		"jitter too large": `{"ingest": {"jitter": 2}}`,
		"not json":         `{`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content), envMap(nil))
			require.Error(t, err)
			assert.True(t, IsInvalid(err), "%v", err)
		})
	}
}

func TestValidateListsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Ingest.Schedule = "whenever"
	cfg.Partners = append(cfg.Partners, Partner{ID: "mfr-h", Enabled: true})
	cfg.Partners[1].URL = "ftp://e.example/in"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	msg := err.Error()
	for _, want := range []string{
		"store DSN is required",
		"ingest schedule",
		"partner MFR-H: endpoint url is required (url or LVSYNC_MFR_H_URL)",
		"partner MFR-E: ftp credentials are required (username or LVSYNC_MFR_E_USER)",
		"configured twice",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateS3Endpoints(t *testing.T) {
	cfg := Default()
	cfg.StoreDSN = "memory://"
	cfg.Partners[0].URL = "s3://minio.local:9000/drops/mfrh"
	cfg.Partners[0].Username = "access"
	cfg.Partners[1].URL = "s3://minio.local:9000"
	cfg.Partners[1].Username = "access"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partner MFR-E: endpoint url \"s3://minio.local:9000\" needs a host and a bucket")
	assert.NotContains(t, err.Error(), "partner MFR-H")

	cfg.Partners[1].URL = "s3://minio.local:9000/drops/mfre"
	cfg.Partners[1].Username = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 access key is required (username or LVSYNC_MFR_E_USER)")
}

func TestLoadRejectsCollidingFileNames(t *testing.T) {
	for name, partner := range map[string]string{
		"source is feedback":  `{"id": "MFR-H", "url": "file:///srv/h", "sourceFile": "MFRH_LVS.txt", "feedbackFile": "mfrh_lvs.txt"}`,
		"source is request":   `{"id": "MFR-H", "url": "file:///srv/h", "sourceFile": "lvs_req.TXT"}`,
		"request is feedback": `{"id": "MFR-H", "url": "file:///srv/h", "feedbackFile": "LVS_REQ.txt"}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, `{"storeDsn": "memory://", "partners": [`+partner+`, {"id": "MFR-E", "enabled": false}]}`)
			_, err := Load(path, envMap(nil))
			require.Error(t, err)
			assert.True(t, IsInvalid(err), "%v", err)
			assert.Contains(t, err.Error(), "partner MFR-H: file names")
			assert.Contains(t, err.Error(), "collide")
		})
	}
}

func TestLogFormatFromFileAndEnv(t *testing.T) {
	path := writeConfig(t, `{"storeDsn": "memory://", "logFormat": "console", "partners": [{"id": "MFR-H", "url": "file:///srv/h"}, {"id": "MFR-E", "enabled": false}]}`)
	cfg, err := Load(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat)

	cfg, err = Load(path, envMap(map[string]string{"LVSYNC_LOG_FORMAT": "xml"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown log format "xml"`)
	assert.Empty(t, cfg.LogFormat)
}

func TestValidateRequiresAnEnabledPartner(t *testing.T) {
	cfg := Default()
	cfg.StoreDSN = "memory://"
	for i := range cfg.Partners {
		cfg.Partners[i].Enabled = false
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no partner is enabled"))
}

func TestEnvCanDisablePartner(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"LVSYNC_STORE_DSN":      "memory://",
		"LVSYNC_MFR_H_URL":      "file:///srv/h",
		"LVSYNC_MFR_E_ENABLED":  "false",
		"LVSYNC_STATUS_ADDR":    ":9464",
		"LVSYNC_TRIGGER_SECRET": "s3cret",
	}))
	require.NoError(t, err)
	require.Len(t, cfg.EnabledPartners(), 1)
	assert.Equal(t, ":9464", cfg.StatusAddr)
	assert.Equal(t, "s3cret", cfg.TriggerSecret)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "MFR_H", EnvKey("MFR-H"))
	assert.Equal(t, "PLANT_7", EnvKey("plant.7"))
}
