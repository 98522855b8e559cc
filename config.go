package ladle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/starwalkn/ladle/internal/engine/star"
	"github.com/starwalkn/ladle/internal/sandbox"
	"github.com/starwalkn/ladle/internal/telemetry"
)

type Config struct {
	ConfigVersion string           `json:"config_version" yaml:"config_version" toml:"config_version" validate:"required,oneof=v1"`
	Debug         bool             `json:"debug" yaml:"debug" toml:"debug"`
	ICAP          ICAPConfig       `json:"icap" yaml:"icap" toml:"icap"`
	Scripts       ScriptsConfig    `json:"scripts" yaml:"scripts" toml:"scripts"`
	Content       ContentConfig    `json:"content" yaml:"content" toml:"content"`
	Engines       EnginesConfig    `json:"engines" yaml:"engines" toml:"engines"`
	Identity      sandbox.Identity `json:"identity" yaml:"identity" toml:"identity"`
	Admin         AdminConfig      `json:"admin" yaml:"admin" toml:"admin"`
	Metrics       MetricsConfig    `json:"metrics" yaml:"metrics" toml:"metrics"`
	Tracing       telemetry.Config `json:"tracing" yaml:"tracing" toml:"tracing"`
}

type ICAPConfig struct {
	Addr            string        `json:"addr" yaml:"addr" toml:"addr" default:":1344" validate:"required"`
	ServerName      string        `json:"server_name" yaml:"server_name" toml:"server_name" default:"ladle/1.0"`
	Service         string        `json:"service" yaml:"service" toml:"service" default:"ladle content adaptation"`
	Workers         int           `json:"workers" yaml:"workers" toml:"workers" default:"64" validate:"min=1"`
	Backlog         int           `json:"backlog" yaml:"backlog" toml:"backlog" default:"256" validate:"min=0"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout" default:"30s"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout" default:"60s"`
	OptionsTTL      int           `json:"options_ttl" yaml:"options_ttl" toml:"options_ttl" default:"300" validate:"min=0"`
	Preview         int           `json:"preview" yaml:"preview" toml:"preview" default:"4096" validate:"min=-1"`
	TransferPreview string        `json:"transfer_preview" yaml:"transfer_preview" toml:"transfer_preview" default:"*"`
}

type ScriptsConfig struct {
	Dir            string        `json:"dir" yaml:"dir" toml:"dir" default:"./scripts" validate:"required"`
	RequestTag     string        `json:"request_tag" yaml:"request_tag" toml:"request_tag" default:".req." validate:"required"`
	ResponseTag    string        `json:"response_tag" yaml:"response_tag" toml:"response_tag" default:".resp." validate:"required,nefield=RequestTag"`
	MaxTimeout     time.Duration `json:"max_timeout" yaml:"max_timeout" toml:"max_timeout" default:"10s" validate:"gt=0"`
	ErrorThreshold int           `json:"error_threshold" yaml:"error_threshold" toml:"error_threshold" default:"3" validate:"min=0"`
	BypassOnError  bool          `json:"bypass_on_error" yaml:"bypass_on_error" toml:"bypass_on_error" default:"true"`
	Watch          bool          `json:"watch" yaml:"watch" toml:"watch" default:"true"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval" default:"30s"`
	TestOnChange   bool          `json:"test_on_change" yaml:"test_on_change" toml:"test_on_change"`
}

type ContentConfig struct {
	Supported    []string `json:"supported" yaml:"supported" toml:"supported" default:"[\"text/*\",\"application/javascript\",\"application/x-javascript\",\"application/json\",\"application/xml\",\"application/xhtml+xml\"]" validate:"min=1"`
	Compressible []string `json:"compressible" yaml:"compressible" toml:"compressible" default:"[\"text/*\",\"application/javascript\",\"application/x-javascript\",\"application/json\",\"application/xml\"]"`
	HTML         []string `json:"html" yaml:"html" toml:"html" default:"[\"text/html\",\"application/xhtml+xml\"]"`
	Image        []string `json:"image" yaml:"image" toml:"image" default:"[\"image/*\"]"`
	CSS          []string `json:"css" yaml:"css" toml:"css" default:"[\"text/css\"]"`
	JavaScript   []string `json:"javascript" yaml:"javascript" toml:"javascript" default:"[\"application/javascript\",\"application/x-javascript\",\"text/javascript\"]"`
	Compress     bool     `json:"compress" yaml:"compress" toml:"compress"`
	Sniff        bool     `json:"sniff" yaml:"sniff" toml:"sniff" default:"true"`
}

type EnginesConfig struct {
	Starlark StarlarkConfig `json:"starlark" yaml:"starlark" toml:"starlark"`
	Native   NativeConfig   `json:"native" yaml:"native" toml:"native"`
	Process  ProcessConfig  `json:"process" yaml:"process" toml:"process"`
}

type StarlarkConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" toml:"enabled" default:"true"`
	Bindings star.Bindings `json:"bindings" yaml:"bindings" toml:"bindings"`
	MaxSteps uint64        `json:"max_steps" yaml:"max_steps" toml:"max_steps"`
}

type NativeConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	WorkDir string `json:"work_dir" yaml:"work_dir" toml:"work_dir"`
	GoBin   string `json:"go_bin" yaml:"go_bin" toml:"go_bin" default:"go"`
}

type ProcessConfig struct {
	Enabled      bool                `json:"enabled" yaml:"enabled" toml:"enabled"`
	Interpreters map[string][]string `json:"interpreters" yaml:"interpreters" toml:"interpreters" validate:"dive,keys,startswith=.,endkeys,min=1"`
	WorkDir      string              `json:"work_dir" yaml:"work_dir" toml:"work_dir"`
	ShareCache   bool                `json:"share_cache" yaml:"share_cache" toml:"share_cache"`
}

type AdminConfig struct {
	Enabled   bool            `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr      string          `json:"addr" yaml:"addr" toml:"addr" default:":9090"`
	Timeout   time.Duration   `json:"timeout" yaml:"timeout" toml:"timeout" default:"10s"`
	Auth      AuthConfig      `json:"auth" yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig caps admin calls per client address. A zero limit turns it off.
type RateLimitConfig struct {
	Limit  int           `json:"limit" yaml:"limit" toml:"limit" default:"60" validate:"gte=0"`
	Window time.Duration `json:"window" yaml:"window" toml:"window" default:"1m"`
}

// AuthConfig protects the admin API with bearer tokens. Secret selects HS256 tokens,
// JWKSFile tokens signed by one of the keys of a local key set.
type AuthConfig struct {
	Secret   string `json:"secret" yaml:"secret" toml:"secret" validate:"excluded_with=JWKSFile"`
	JWKSFile string `json:"jwks_file" yaml:"jwks_file" toml:"jwks_file"`
	Issuer   string `json:"issuer" yaml:"issuer" toml:"issuer"`
}

type MetricsConfig struct {
	Provider string     `json:"provider" yaml:"provider" toml:"provider" default:"prometheus" validate:"oneof=prometheus otlp none"`
	OTLP     OTLPConfig `json:"otlp" yaml:"otlp" toml:"otlp"`
}

type OTLPConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Insecure bool          `json:"insecure" yaml:"insecure" toml:"insecure"`
	Interval time.Duration `json:"interval" yaml:"interval" toml:"interval" default:"15s"`
}

var defaultInterpreters = map[string][]string{
	".py": {"python3"},
	".sh": {"/bin/sh"},
	".js": {"node"},
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read configuration file: %w", err)
	}

	var cfg Config

	// Values present in the file override the defaults.
	if err = defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("cannot apply configuration defaults: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err = json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse configuration file: %w", err)
		}
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse configuration file: %w", err)
		}
	case ".toml":
		if err = toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse configuration file: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unknown configuration file extension: %s", filepath.Ext(path))
	}

	ensureDefaults(&cfg)

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := strings.TrimPrefix(filepath.Ext(path), ".")
		if tag == "yml" {
			tag = "yaml"
		}

		name := fld.Tag.Get(tag)
		if name == "" || name == "-" {
			return strings.ToLower(fld.Name)
		}

		return strings.ToLower(strings.Split(name, ",")[0])
	})

	if err = v.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", formatValidationError(err))
	}

	return cfg, nil
}

// ensureDefaults fills the values that depend on other fields.
func ensureDefaults(cfg *Config) {
	if cfg.Engines.Process.Enabled && len(cfg.Engines.Process.Interpreters) == 0 {
		cfg.Engines.Process.Interpreters = make(map[string][]string, len(defaultInterpreters))
		for ext, argv := range defaultInterpreters {
			cfg.Engines.Process.Interpreters[ext] = append([]string(nil), argv...)
		}
	}

	if cfg.Engines.Native.WorkDir == "" {
		cfg.Engines.Native.WorkDir = filepath.Join(os.TempDir(), "ladle-native")
	}

	if cfg.Engines.Process.WorkDir == "" {
		cfg.Engines.Process.WorkDir = filepath.Join(os.TempDir(), "ladle-process")
	}

	if cfg.ICAP.IdleTimeout == 0 {
		cfg.ICAP.IdleTimeout = cfg.ICAP.ReadTimeout
	}
}

func formatValidationError(err error) error {
	var ves validator.ValidationErrors

	if ok := errors.As(err, &ves); !ok {
		return err
	}

	var messages []string

	for _, fe := range ves {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")

		messages = append(messages, fmt.Sprintf(
			"%s: %s",
			path,
			humanMessage(fe),
		))
	}

	return errors.New(strings.Join(messages, "\n"))
}

func humanMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"

	case "required_if":
		return "field is required when " + strings.ReplaceAll(fe.Param(), " ", " is ")

	case "min":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map {
			return fmt.Sprintf("must have at least %s item(s)", fe.Param())
		}

		return fmt.Sprintf("must be at least %s", fe.Param())

	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())

	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())

	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())

	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())

	case "nefield":
		return "must differ from " + strings.ToLower(fe.Param())

	case "excluded_with":
		return "cannot be combined with " + strings.ToLower(fe.Param())

	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())

	default:
		return fmt.Sprintf("validation failed on '%s'", fe.Tag())
	}
}
