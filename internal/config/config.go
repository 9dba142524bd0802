package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/agentworkforce/adcsync/internal/adcweb"
	"github.com/agentworkforce/adcsync/internal/listwatch"
	"github.com/agentworkforce/adcsync/internal/remote"
)

// DefaultPath is used when no config file is named. A missing default file
// is not an error.
const DefaultPath = "~/.adcsync.yaml"

var fs = afero.NewOsFs()

// homedirExpand is swapped in tests.
var homedirExpand = homedir.Expand

const parseErrTemplate = "config file %q could not be parsed " +
	"(check field names and types): %v"

type Config struct {
	Backend    string `json:"backend"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Repository string `json:"repository"`
	BaseURL    string `json:"baseURL,omitempty"`
	LoginURL   string `json:"loginURL,omitempty"`

	Engine EngineConfig `json:"engine"`
	Queue  QueueConfig  `json:"queue"`
	Runner RunnerConfig `json:"runner"`
	Spool  SpoolConfig  `json:"spool"`
	Feed   FeedConfig   `json:"feed"`
	Status StatusConfig `json:"status"`
	Web    WebConfig    `json:"web"`
}

type EngineConfig struct {
	ChunkSize    int      `json:"chunkSize,omitempty"`
	ChunkRetries int      `json:"chunkRetries,omitempty"`
	RetryInitial Duration `json:"retryInitial,omitempty"`
	RetryMax     Duration `json:"retryMax,omitempty"`
	// LocalConcurrency bounds feed fetches and spool reads.
	LocalConcurrency int `json:"localConcurrency,omitempty"`
}

type QueueConfig struct {
	DSN      string `json:"dsn,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
}

type RunnerConfig struct {
	Workers     int      `json:"workers,omitempty"`
	MaxAttempts int      `json:"maxAttempts,omitempty"`
	RetryDelay  Duration `json:"retryDelay,omitempty"`
}

type SpoolConfig struct {
	Dir      string   `json:"dir,omitempty"`
	BasePath string   `json:"basePath,omitempty"`
	Watch    bool     `json:"watch"`
	Quiet    Duration `json:"quiet,omitempty"`
}

type FeedConfig struct {
	Domain          string               `json:"domain,omitempty"`
	Token           string               `json:"token,omitempty"`
	Lists           []listwatch.FeedList `json:"lists,omitempty"`
	ReconnectDelay  Duration             `json:"reconnectDelay,omitempty"`
	ReconnectJitter float64              `json:"reconnectJitter,omitempty"`
}

type StatusConfig struct {
	Addr       string `json:"addr,omitempty"`
	AdminToken string `json:"adminToken,omitempty"`
}

// WebConfig tunes the browser backend. Zero values keep the built-in
// defaults.
type WebConfig struct {
	ChromePath     string            `json:"chromePath,omitempty"`
	Headful        bool              `json:"headful,omitempty"`
	Selectors      adcweb.Selectors  `json:"selectors"`
	Styles         adcweb.IconStyles `json:"styles"`
	IndentUnit     float64           `json:"indentUnit,omitempty"`
	SizeColumn     *int              `json:"sizeColumn,omitempty"`
	ModifiedColumn *int              `json:"modifiedColumn,omitempty"`
	ModifiedLayout string            `json:"modifiedLayout,omitempty"`
	TimeZone       string            `json:"timeZone,omitempty"`
	Settle         Duration          `json:"settle,omitempty"`
	SiteSettle     Duration          `json:"siteSettle,omitempty"`
	WaitTimeout    Duration          `json:"waitTimeout,omitempty"`
}

// Duration reads "15m" style strings.
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
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MissingFieldError names a required setting that is empty.
type MissingFieldError struct {
	Field string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("missing required config field %q", e.Field)
}

func Default() Config {
	return Config{
		Backend: "api",
		Spool:   SpoolConfig{BasePath: "trellis", Watch: true},
		Status:  StatusConfig{Addr: "127.0.0.1:8490"},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. An empty path means DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	expanded, err := homedirExpand(path)
	if err != nil {
		return Config{}, fmt.Errorf("expand config path: %w", err)
	}
	data, err := afero.ReadFile(fs, expanded)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.UnmarshalStrict(data, &cfg, yaml.DisallowUnknownFields); err != nil {
			return Config{}, fmt.Errorf(parseErrTemplate, expanded, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if cfg.Spool.Dir, err = homedirExpand(cfg.Spool.Dir); err != nil {
		return Config{}, fmt.Errorf("expand spool dir: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Blank variables are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("ADC_USERNAME", &c.Username)
	set("ADC_PASSWORD", &c.Password)
	set("ADC_REPOSITORY_NAME", &c.Repository)
	set("ADC_BACKEND", &c.Backend)
	set("ADC_BASE_URL", &c.BaseURL)
	set("ADC_LOGIN_URL", &c.LoginURL)
	set("OADA_DOMAIN", &c.Feed.Domain)
	set("OADA_TOKEN", &c.Feed.Token)
	set("ADCSYNC_QUEUE_DSN", &c.Queue.DSN)
	set("ADCSYNC_STATUS_ADDR", &c.Status.Addr)
	set("ADCSYNC_ADMIN_TOKEN", &c.Status.AdminToken)
	set("ADCSYNC_SPOOL_DIR", &c.Spool.Dir)
	if v, ok := lookup("ADCSYNC_WORKERS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.Runner.Workers = n
		}
	}
}

// Validate checks what every command needs: a known backend and portal
// credentials.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Backend) == "" {
		return MissingFieldError{Field: "backend"}
	}
	if _, err := remote.LookupBackend(c.Backend); err != nil {
		return err
	}
	if c.Username == "" {
		return MissingFieldError{Field: "username"}
	}
	if c.Password == "" {
		return MissingFieldError{Field: "password"}
	}
	if c.Repository == "" && strings.EqualFold(c.Backend, "api") {
		return MissingFieldError{Field: "repository"}
	}
	if c.Feed.Domain != "" && c.Feed.Token == "" {
		return MissingFieldError{Field: "feed.token"}
	}
	if c.Spool.Dir != "" && strings.Trim(c.Spool.BasePath, "/") == "" {
		return MissingFieldError{Field: "spool.basePath"}
	}
	return nil
}

func (c Config) Credentials() remote.Credentials {
	return remote.Credentials{
		BaseURL:    c.BaseURL,
		LoginURL:   c.LoginURL,
		Username:   c.Username,
		Password:   c.Password,
		Repository: c.Repository,
	}
}

// WebOptions merges the browser settings into the backend defaults.
func (c Config) WebOptions() (adcweb.Options, error) {
	opts := adcweb.DefaultOptions()
	w := c.Web
	if w.ChromePath != "" || w.Headful {
		opts.Launch = adcweb.ChromeLauncher(adcweb.ChromeOptions{ExecPath: w.ChromePath, Headless: !w.Headful})
	}
	opts.Selectors = mergeSelectors(opts.Selectors, w.Selectors)
	if len(w.Styles.ClosedFolder)+len(w.Styles.OpenFolder)+len(w.Styles.File) > 0 {
		opts.Styles = w.Styles
	}
	if w.IndentUnit > 0 {
		opts.IndentUnit = w.IndentUnit
	}
	if w.SizeColumn != nil {
		opts.SizeColumn = *w.SizeColumn
	}
	if w.ModifiedColumn != nil {
		opts.ModifiedColumn = *w.ModifiedColumn
	}
	if w.ModifiedLayout != "" {
		opts.ModifiedLayout = w.ModifiedLayout
	}
	if w.TimeZone != "" {
		loc, err := time.LoadLocation(w.TimeZone)
		if err != nil {
			return adcweb.Options{}, fmt.Errorf("web.timeZone: %w", err)
		}
		opts.Location = loc
	}
	if w.Settle > 0 {
		opts.Settle = w.Settle.Std()
	}
	if w.SiteSettle > 0 {
		opts.SiteSettle = w.SiteSettle.Std()
	}
	if w.WaitTimeout > 0 {
		opts.WaitTimeout = w.WaitTimeout.Std()
	}
	return opts, nil
}

func mergeSelectors(base, override adcweb.Selectors) adcweb.Selectors {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&base.Email, override.Email)
	pick(&base.Password, override.Password)
	pick(&base.Submit, override.Submit)
	pick(&base.DisplayUsername, override.DisplayUsername)
	pick(&base.Dashboard, override.Dashboard)
	pick(&base.Iframe, override.Iframe)
	pick(&base.Tree, override.Tree)
	pick(&base.NewFolderButton, override.NewFolderButton)
	pick(&base.FolderNameInput, override.FolderNameInput)
	pick(&base.FolderConfirm, override.FolderConfirm)
	pick(&base.UploadButton, override.UploadButton)
	pick(&base.ImportForm, override.ImportForm)
	pick(&base.FileInput, override.FileInput)
	pick(&base.UploadConfirm, override.UploadConfirm)
	pick(&base.DeleteButton, override.DeleteButton)
	pick(&base.DeleteConfirm, override.DeleteConfirm)
	return base
}
