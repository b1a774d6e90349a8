// Package config builds the immutable agent configuration from an optional
// JSON file and environment overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/galedi/lvsync/internal/channel"
	"github.com/galedi/lvsync/internal/logging"
	"github.com/galedi/lvsync/internal/records"
	"github.com/galedi/lvsync/internal/schedule"
)

const (
	TextCodeInvalid = "CONFIG_INVALID"

	DefaultRequestFile = "LVS_REQ.txt"
	EnvPrefix          = "LVSYNC_"

	schemaURL = "https://lvsync.local/config.schema.json"
)

//go:embed schema.json
var schemaJSON []byte

// Duration reads Go duration strings such as "30s" from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Pipeline struct {
	Schedule string `json:"schedule"`
	// InitialDelay nil means "one interval" for duration schedules and no
	// delay for cron expressions.
	InitialDelay *Duration `json:"initialDelay,omitempty"`
	Jitter       float64   `json:"jitter"`
}

// FirstDelay is how long the pipeline waits before its first run.
func (p Pipeline) FirstDelay() time.Duration {
	if p.InitialDelay != nil {
		return p.InitialDelay.Std()
	}
	if d, err := time.ParseDuration(strings.TrimSpace(p.Schedule)); err == nil && d > 0 {
		return d
	}
	return 0
}

type Partner struct {
	ID           records.PartnerID `json:"id"`
	Enabled      bool              `json:"enabled"`
	URL          string            `json:"url"`
	SourceURL    string            `json:"sourceUrl,omitempty"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	RequestFile  string            `json:"requestFile"`
	FeedbackFile string            `json:"feedbackFile"`
	SourceFile   string            `json:"sourceFile"`
	Timeout      Duration          `json:"timeout,omitempty"`
	// RemoveSourceAfterIngest deletes the data file once it was ingested.
	RemoveSourceAfterIngest bool `json:"removeSourceAfterIngest,omitempty"`
	// Watch reacts to file changes for directory drop sites.
	Watch bool `json:"watch,omitempty"`
}

func (p Partner) Endpoint() channel.Endpoint {
	return channel.Endpoint{URL: p.URL, Username: p.Username, Password: p.Password, Timeout: p.Timeout.Std()}
}

// SourceEndpoint reports the endpoint serving the data file when it differs
// from the drop site.
func (p Partner) SourceEndpoint() (channel.Endpoint, bool) {
	if strings.TrimSpace(p.SourceURL) == "" {
		return channel.Endpoint{}, false
	}
	return channel.Endpoint{URL: p.SourceURL, Username: p.Username, Password: p.Password, Timeout: p.Timeout.Std()}, true
}

// Config is the agent configuration. TriggerSecret signs the tokens accepted
// by the on-demand run routes; empty disables those routes.
type Config struct {
	StoreDSN      string    `json:"storeDsn"`
	TempDir       string    `json:"tempDir"`
	LogLevel      string    `json:"logLevel"`
	LogFormat     string    `json:"logFormat"`
	StatusAddr    string    `json:"statusAddr"`
	TriggerSecret string    `json:"triggerSecret,omitempty"`
	CycleTimeout  Duration  `json:"cycleTimeout"`
	Ingest        Pipeline  `json:"ingest"`
	Export        Pipeline  `json:"export"`
	Partners      []Partner `json:"partners"`
}

// Default holds the well-known partners and schedules. Partners still need an
// endpoint before they validate.
func Default() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "json",
		CycleTimeout: Duration(2 * time.Minute),
		Ingest:       Pipeline{Schedule: "1m", Jitter: 0.1},
		Export:       Pipeline{Schedule: "30s", Jitter: 0.1},
		Partners: []Partner{
			{ID: records.PartnerH, Enabled: true, RequestFile: DefaultRequestFile, FeedbackFile: "mfrh_lvs.txt", SourceFile: "mfrh_int.txt"},
			{ID: records.PartnerE, Enabled: true, RequestFile: DefaultRequestFile, FeedbackFile: "mfre_lvs.txt", SourceFile: "mfre_int.txt"},
			{ID: records.PartnerA, Enabled: false, RequestFile: DefaultRequestFile, FeedbackFile: "mfra_lvs.txt", SourceFile: "mfra_int.txt"},
		},
	}
}

// Load reads path (optional), applies environment overrides from getenv and
// validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, invalid(fmt.Sprintf("read config %s: %v", path, err), nil)
		}
		if err := cfg.merge(data); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnabledPartners returns the partners that take part in the cycles.
func (c Config) EnabledPartners() []Partner {
	out := make([]Partner, 0, len(c.Partners))
	for _, p := range c.Partners {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.StoreDSN) == "" {
		add("store DSN is required (storeDsn or %sSTORE_DSN)", EnvPrefix)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("%v", err)
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		add("%v", err)
	}
	for _, p := range []struct {
		name     string
		pipeline Pipeline
	}{{"ingest", c.Ingest}, {"export", c.Export}} {
		if _, err := schedule.Parse(p.pipeline.Schedule); err != nil {
			add("%s schedule: %v", p.name, err)
		}
		if p.pipeline.Jitter < 0 || p.pipeline.Jitter > 1 {
			add("%s jitter must be within 0..1", p.name)
		}
	}

	seen := map[string]bool{}
	enabled := 0
	for _, p := range c.Partners {
		key := strings.ToUpper(p.ID.String())
		if seen[key] {
			add("partner %s is configured twice", p.ID)
			continue
		}
		seen[key] = true
		if !p.Enabled {
			continue
		}
		enabled++
		if p.RequestFile == "" || p.FeedbackFile == "" || p.SourceFile == "" {
			add("partner %s: request, feedback and source file names are required", p.ID)
		}
		for _, pair := range [][2]string{
			{p.SourceFile, p.FeedbackFile},
			{p.SourceFile, p.RequestFile},
			{p.RequestFile, p.FeedbackFile},
		} {
			if pair[0] != "" && strings.EqualFold(pair[0], pair[1]) {
				add("partner %s: file names %q and %q collide (names are compared case-insensitively)", p.ID, pair[0], pair[1])
			}
		}
		if problem := checkEndpoint(p.URL, p); problem != "" {
			add("partner %s: %s", p.ID, problem)
		}
		if p.SourceURL != "" {
			if problem := checkEndpoint(p.SourceURL, p); problem != "" {
				add("partner %s source: %s", p.ID, problem)
			}
		}
	}
	if enabled == 0 {
		add("no partner is enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return invalid("invalid configuration: "+strings.Join(problems, "; "), problems)
}

func checkEndpoint(raw string, p Partner) string {
	if strings.TrimSpace(raw) == "" {
		return fmt.Sprintf("endpoint url is required (url or %s%s_URL)", EnvPrefix, EnvKey(p.ID))
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Sprintf("endpoint url %q: %v", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if u.Hostname() == "" {
			return fmt.Sprintf("endpoint url %q has no host", raw)
		}
		hasUser := p.Username != "" || (u.User != nil && u.User.Username() != "")
		if !hasUser {
			return fmt.Sprintf("ftp credentials are required (username or %s%s_USER)", EnvPrefix, EnvKey(p.ID))
		}
	case "s3":
		if u.Hostname() == "" || strings.Trim(u.Path, "/") == "" {
			return fmt.Sprintf("endpoint url %q needs a host and a bucket", raw)
		}
		hasKey := p.Username != "" || (u.User != nil && u.User.Username() != "")
		if !hasKey {
			return fmt.Sprintf("s3 access key is required (username or %s%s_USER)", EnvPrefix, EnvKey(p.ID))
		}
	case "file", "dir":
		if u.Path == "" && u.Opaque == "" {
			return fmt.Sprintf("endpoint url %q has no directory", raw)
		}
	default:
		return fmt.Sprintf("endpoint url %q: unsupported scheme %q", raw, u.Scheme)
	}
	return ""
}

// merge validates data against the embedded schema and layers it onto c.
// Partners listed in the file update the default with the same id; unknown
// ids are appended.
func (c *Config) merge(data []byte) error {
	if err := validateSchema(data); err != nil {
		return err
	}
	var file struct {
		StoreDSN      *string           `json:"storeDsn"`
		TempDir       *string           `json:"tempDir"`
		LogLevel      *string           `json:"logLevel"`
		LogFormat     *string           `json:"logFormat"`
		StatusAddr    *string           `json:"statusAddr"`
		TriggerSecret *string           `json:"triggerSecret"`
		CycleTimeout  *Duration         `json:"cycleTimeout"`
		Ingest        json.RawMessage   `json:"ingest"`
		Export        json.RawMessage   `json:"export"`
		Partners      []json.RawMessage `json:"partners"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return invalid(fmt.Sprintf("decode config: %v", err), nil)
	}
	setString(&c.StoreDSN, file.StoreDSN)
	setString(&c.TempDir, file.TempDir)
	setString(&c.LogLevel, file.LogLevel)
	setString(&c.LogFormat, file.LogFormat)
	setString(&c.StatusAddr, file.StatusAddr)
	setString(&c.TriggerSecret, file.TriggerSecret)
	if file.CycleTimeout != nil {
		c.CycleTimeout = *file.CycleTimeout
	}
	for _, section := range []struct {
		raw    json.RawMessage
		target *Pipeline
	}{{file.Ingest, &c.Ingest}, {file.Export, &c.Export}} {
		if len(section.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(section.raw, section.target); err != nil {
			return invalid(fmt.Sprintf("decode pipeline: %v", err), nil)
		}
	}
	for _, raw := range file.Partners {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return invalid(fmt.Sprintf("decode partner: %v", err), nil)
		}
		i := c.partnerIndex(records.PartnerID(head.ID))
		if i < 0 {
			c.Partners = append(c.Partners, Partner{Enabled: true, RequestFile: DefaultRequestFile})
			i = len(c.Partners) - 1
		}
		if err := json.Unmarshal(raw, &c.Partners[i]); err != nil {
			return invalid(fmt.Sprintf("decode partner %s: %v", head.ID, err), nil)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	env := func(name string) (string, bool) {
		value := strings.TrimSpace(getenv(EnvPrefix + name))
		return value, value != ""
	}
	if v, ok := env("STORE_DSN"); ok {
		c.StoreDSN = v
	}
	if v, ok := env("TEMP_DIR"); ok {
		c.TempDir = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := env("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := env("STATUS_ADDR"); ok {
		c.StatusAddr = v
	}
	if v, ok := env("TRIGGER_SECRET"); ok {
		c.TriggerSecret = v
	}
	for i := range c.Partners {
		p := &c.Partners[i]
		key := EnvKey(p.ID)
		if v, ok := env(key + "_URL"); ok {
			p.URL = v
		}
		if v, ok := env(key + "_SOURCE_URL"); ok {
			p.SourceURL = v
		}
		if v, ok := env(key + "_USER"); ok {
			p.Username = v
		}
		if v, ok := env(key + "_PASSWORD"); ok {
			p.Password = v
		}
		if v, ok := env(key + "_ENABLED"); ok {
			if enabled, err := strconv.ParseBool(v); err == nil {
				p.Enabled = enabled
			}
		}
	}
}

func (c *Config) partnerIndex(id records.PartnerID) int {
	for i, p := range c.Partners {
		if strings.EqualFold(p.ID.String(), id.String()) {
			return i
		}
	}
	return -1
}

// EnvKey turns a partner id into its environment variable infix:
// "MFR-H" becomes "MFR_H".
func EnvKey(id records.PartnerID) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id.String()) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// IsInvalid reports whether err is a configuration error.
func IsInvalid(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == TextCodeInvalid
	}
	return false
}

func validateSchema(data []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, schemaDoc); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	sch, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return invalid(fmt.Sprintf("decode config: %v", err), nil)
	}
	if err := sch.Validate(inst); err != nil {
		return invalid(fmt.Sprintf("config does not match schema: %v", err), nil)
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func invalid(message string, problems []string) error {
	meta := map[string]any{}
	if len(problems) > 0 {
		meta["problems"] = problems
	}
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithTextCode(TextCodeInvalid).
		WithMetadata(meta)
}
