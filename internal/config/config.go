// Package config defines configuration parsing and helpers.
//
// The watcher is configured by a single YAML (or JSON) document given on
// the command line, plus a small set of ambient environment variables for
// process-level knobs that do not belong in the shared document.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manager defaults; values are seconds to match the wire document.
const (
	DefaultPollTime          = 10
	DefaultRequestsTimeout   = 1
	DefaultPollInterval      = 1
	DefaultIdlePollInterval  = 0
	DefaultLoginPollInterval = 5
)

// Config is the full configuration document.
type Config struct {
	Manager ManagerConfig  `yaml:"MANAGER"`
	Clients []ClientConfig `yaml:"CLIENTS" validate:"dive"`
	Logging LoggingConfig  `yaml:"LOGGING"`

	// Path is the file the document was loaded from; the supervisor polls
	// its modification time for hot reload.
	Path string `yaml:"-"`
}

// ManagerConfig carries supervisor-wide settings. Interval fields are in
// seconds, as in the document.
type ManagerConfig struct {
	HTTPBasicAuth         []string `yaml:"HTTP_BASIC_AUTH" validate:"omitempty,len=2"`
	PollTime              float64  `yaml:"POLL_TIME" validate:"gte=0"`
	RequestsTimeout       float64  `yaml:"REQUESTS_TIMEOUT" validate:"gte=0"`
	PollInterval          float64  `yaml:"POLL_INTERVAL" validate:"gte=0"`
	IdlePollInterval      float64  `yaml:"IDLE_POLL_INTERVAL" validate:"gte=0"`
	LoginPollInterval     float64  `yaml:"LOGIN_POLL_INTERVAL" validate:"gte=0"`
	FollowClientRedirects bool     `yaml:"FOLLOW_CLIENT_REDIRECTS"`
}

// ClientConfig describes one named queue and the handlers attached to it.
type ClientConfig struct {
	QueueName   string          `yaml:"QUEUE_NAME" validate:"required"`
	Server      string          `yaml:"SERVER" validate:"required,url"`
	Auth        []string        `yaml:"AUTH" validate:"omitempty,len=2"`
	Connections int             `yaml:"CONNECTIONS" validate:"gte=0"`
	Class       string          `yaml:"CLASS"`
	Handlers    []HandlerConfig `yaml:"HANDLERS" validate:"dive"`
}

// HandlerConfig names a registered handler and its construction arguments.
// Kwargs is handler-specific and decoded by the handler factory.
type HandlerConfig struct {
	Handler  string          `yaml:"HANDLER" validate:"required"`
	Kwargs   map[string]any  `yaml:"KWARGS"`
	Codejail *CodejailConfig `yaml:"CODEJAIL"`
}

// CodejailConfig configures one named interpreter jail.
type CodejailConfig struct {
	Name    string           `yaml:"name" validate:"required"`
	BinPath string           `yaml:"bin_path" validate:"required"`
	User    string           `yaml:"user"`
	Limits  map[string]int64 `yaml:"limits"`
}

// LoggingConfig selects log level and encoding. Unknown keys in the
// document's LOGGING section are tolerated.
type LoggingConfig struct {
	Level  string `yaml:"LEVEL"`
	Format string `yaml:"FORMAT"`
}

// Ambient holds process-level settings read from the environment.
type Ambient struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	StatusAddr      string `env:"STATUS_ADDR" envDefault:":9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"xqueue-grader"`
}

// IsDev reports whether the process runs in development mode.
func (a Ambient) IsDev() bool { return strings.ToLower(a.AppEnv) == "dev" }

// LoadAmbient parses environment variables into an Ambient.
func LoadAmbient() (Ambient, error) {
	var a Ambient
	if err := env.Parse(&a); err != nil {
		return Ambient{}, fmt.Errorf("op=config.LoadAmbient: %w", err)
	}
	return a, nil
}

// Load reads, defaults, and validates the configuration document at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.Path = path
	cfg.applyDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	m := &c.Manager
	if m.PollTime == 0 {
		m.PollTime = DefaultPollTime
	}
	if m.RequestsTimeout == 0 {
		m.RequestsTimeout = DefaultRequestsTimeout
	}
	if m.PollInterval == 0 {
		m.PollInterval = DefaultPollInterval
	}
	if m.LoginPollInterval == 0 {
		m.LoginPollInterval = DefaultLoginPollInterval
	}
	for i := range c.Clients {
		if c.Clients[i].Connections == 0 {
			c.Clients[i].Connections = 1
		}
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// PollTimeDuration is the supervisor monitor tick.
func (m ManagerConfig) PollTimeDuration() time.Duration { return seconds(m.PollTime) }

// RequestsTimeoutDuration bounds each HTTP call to the queue server.
func (m ManagerConfig) RequestsTimeoutDuration() time.Duration { return seconds(m.RequestsTimeout) }

// PollIntervalDuration is the sleep between empty polls.
func (m ManagerConfig) PollIntervalDuration() time.Duration { return seconds(m.PollInterval) }

// IdlePollIntervalDuration is the longer sleep after three consecutive
// empty polls; zero disables it.
func (m ManagerConfig) IdlePollIntervalDuration() time.Duration { return seconds(m.IdlePollInterval) }

// LoginPollIntervalDuration is the retry interval for failed logins.
func (m ManagerConfig) LoginPollIntervalDuration() time.Duration { return seconds(m.LoginPollInterval) }

// TotalConnections is the number of workers the document asks for.
func (c Config) TotalConnections() int {
	n := 0
	for _, cl := range c.Clients {
		n += cl.Connections
	}
	return n
}
