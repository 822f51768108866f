// Package config loads entityledger.yaml.
//
// The YAML document is unified with an embedded CUE schema that supplies
// defaults and constraints and rejects unknown keys. Secrets never come
// from the file: API keys are read from the environment, optionally
// populated from a .env file.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/entityledger/internal/blob"
)

//go:embed schema.cue
var schemaCUE string

// Environment variables read by Load.
const (
	EnvDataDir      = "ENTITYLEDGER_DATA_DIR"
	EnvOracleAPIKey = "ENTITYLEDGER_ORACLE_API_KEY"
	EnvSearchAPIKey = "ENTITYLEDGER_SEARCH_API_KEY"
)

// DefaultFileName is looked up in the working directory when no config
// path is given.
const DefaultFileName = "entityledger.yaml"

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the resolved configuration.
type Config struct {
	DataDir         string   `json:"data_dir"`
	EntityTypes     []string `json:"entity_types"`
	CheckpointEvery int      `json:"checkpoint_every"`
	BufferSize      int      `json:"buffer_size"`
	SyncAppend      bool     `json:"sync_append"`
	MaxCandidates   int      `json:"max_candidates"`
	MetricsAddr     string   `json:"metrics_addr"`

	Oracle  OracleConfig  `json:"oracle"`
	Search  SearchConfig  `json:"search"`
	Mirror  MirrorConfig  `json:"mirror"`
	Tracing TracingConfig `json:"tracing"`
	Log     LogConfig     `json:"log"`
}

// OracleConfig configures the verification oracle client.
type OracleConfig struct {
	URL       string   `json:"url"`
	Timeout   Duration `json:"timeout"`
	Retries   int      `json:"retries"`
	BatchSize int      `json:"batch_size"`
	APIKey    string   `json:"-"`
}

// Enabled reports whether an oracle endpoint is configured.
func (o OracleConfig) Enabled() bool { return o.URL != "" }

// EndpointConfig names one external search endpoint.
type EndpointConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SearchConfig configures external matching.
type SearchConfig struct {
	Endpoints []EndpointConfig `json:"endpoints"`
	BaseDelay Duration         `json:"base_delay"`
	MaxDelay  Duration         `json:"max_delay"`
	Cooldown  Duration         `json:"cooldown"`
	Timeout   Duration         `json:"timeout"`
	Workers   int              `json:"workers"`
	BatchWait Duration         `json:"batch_wait"`
	CacheTTL  Duration         `json:"cache_ttl"`
	Accept    float64          `json:"accept"`
	Reject    float64          `json:"reject"`
	APIKey    string           `json:"-"`
}

// MirrorConfig selects where checkpoints are mirrored.
type MirrorConfig struct {
	Driver string   `json:"driver"`
	Key    string   `json:"key"`
	FSRoot string   `json:"fs_root"`
	S3     S3Config `json:"s3"`
}

// S3Config configures the S3 mirror driver.
type S3Config struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	Prefix    string `json:"prefix"`
	PathStyle bool   `json:"path_style"`
}

// Blob converts the mirror settings to a blob.Config.
func (m MirrorConfig) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(m.Driver),
		FSRoot: m.FSRoot,
		S3: blob.S3Config{
			Bucket:    m.S3.Bucket,
			Region:    m.S3.Region,
			Endpoint:  m.S3.Endpoint,
			Prefix:    m.S3.Prefix,
			PathStyle: m.S3.PathStyle,
		},
	}
}

// LogConfig configures the rotated JSON log file.
type LogConfig struct {
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// TracingConfig selects the OTLP/HTTP collector that receives spans.
type TracingConfig struct {
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"service_name"`
}

// FatalError is a configuration problem that must stop the process before
// any work starts.
type FatalError struct {
	Field   string
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", msg, e.Err)
	}
	return "config: " + msg
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Load reads path (or DefaultFileName when path is empty and the file
// exists), applies schema defaults and then environment overrides.
//
// A missing .env file is not an error. An explicit path that does not exist
// is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &FatalError{Message: "read .env", Err: err}
	}

	var data []byte
	switch {
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &FatalError{Message: "read config file", Err: err}
		}
		data = b
	default:
		b, err := os.ReadFile(DefaultFileName)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &FatalError{Message: "read config file", Err: err}
		}
		data = b
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes YAML bytes against the schema. Environment variables are
// not consulted.
func Parse(data []byte) (*Config, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &FatalError{Message: "parse yaml", Err: err}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &FatalError{Message: cueerrors.Details(err, nil)}
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, &FatalError{Message: "resolve config", Err: err}
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &FatalError{Message: "decode config", Err: err}
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	c.Oracle.APIKey = os.Getenv(EnvOracleAPIKey)
	c.Search.APIKey = os.Getenv(EnvSearchAPIKey)
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Oracle.Enabled() && c.Oracle.APIKey == "" {
		return &FatalError{Field: "oracle.url", Message: "set but " + EnvOracleAPIKey + " is empty"}
	}
	if c.Search.Reject > c.Search.Accept {
		return &FatalError{Field: "search.reject", Message: fmt.Sprintf("%.2f is above search.accept %.2f", c.Search.Reject, c.Search.Accept)}
	}
	if c.Mirror.Driver == string(blob.DriverS3) && c.Mirror.S3.Bucket == "" {
		return &FatalError{Field: "mirror.s3.bucket", Message: "required by the s3 driver"}
	}
	if c.Mirror.Driver == string(blob.DriverFilesystem) && c.Mirror.FSRoot == "" {
		return &FatalError{Field: "mirror.fs_root", Message: "required by the fs driver"}
	}
	return nil
}

// RequireSearch reports a FatalError when no search endpoint is configured.
func (c *Config) RequireSearch() error {
	if len(c.Search.Endpoints) == 0 {
		return &FatalError{Field: "search.endpoints", Message: "at least one endpoint is required"}
	}
	return nil
}

// EnsureDataDir creates the data directory and checks it is writable.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return &FatalError{Field: "data_dir", Message: "cannot create " + c.DataDir, Err: err}
	}
	probe, err := os.CreateTemp(c.DataDir, ".probe-*")
	if err != nil {
		return &FatalError{Field: "data_dir", Message: c.DataDir + " is not writable", Err: err}
	}
	name := probe.Name()
	probe.Close()
	_ = os.Remove(name)
	return nil
}

// LogPath returns the log file path, resolved against the data directory
// when relative. Empty means no file logging.
func (c *Config) LogPath() string {
	if c.Log.File == "" || filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, c.Log.File)
}
