package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultBridgeBinary      = "tcflow-bridge"
	defaultLogLevel          = "info"
	defaultRetryInterval     = 100 * time.Millisecond
	defaultSettleDelay       = 3 * time.Second
	defaultReuseLoadAttempts = 5
	defaultFreshLoadAttempts = 60
	defaultLoadPollInterval  = time.Second
	defaultPollInterval      = time.Second
	defaultPollTimeout       = 5 * time.Minute
	defaultCompletionGrace   = 2 * time.Second
	defaultRestartWait       = 5 * time.Second
	defaultRouterAddress     = "127.0.0.1:48898"
	defaultADSPort           = 851
	defaultMQTTClientID      = "tcflow"
	defaultMQTTTopicPrefix   = "tcflow"
	defaultMQTTQoS           = 1
)

// Environment variables that override file values.
const (
	EnvBridgeBinary  = "TCFLOW_BRIDGE_BINARY"
	EnvDirectoryPath = "TCFLOW_DIRECTORY_PATH"
	EnvMQTTBroker    = "TCFLOW_MQTT_BROKER"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	BridgeBinary  string
	DirectoryPath string
	LogLevel      string
	Gate          GateConfig
	Session       SessionConfig
	Poll          PollConfig
	Deploy        DeployConfig
	ADS           ADSConfig
	MQTT          MQTTConfig
	Metrics       MetricsConfig
	OTel          OTelConfig
}

// GateConfig tunes the host call gate.
type GateConfig struct {
	RetryInterval time.Duration
}

// SessionConfig tunes session acquisition and settle behaviour.
type SessionConfig struct {
	SettleDelay       time.Duration
	ReuseLoadAttempts int
	FreshLoadAttempts int
	LoadPollInterval  time.Duration
}

// PollConfig tunes the test-result poller.
type PollConfig struct {
	Interval        time.Duration
	Timeout         time.Duration
	CompletionGrace time.Duration
}

// DeployConfig tunes the deploy workflow.
type DeployConfig struct {
	RestartWait time.Duration
}

// ADSConfig addresses the runtime router.
type ADSConfig struct {
	LocalNetID    string
	RouterAddress string
	DefaultPort   int
}

// MQTTConfig configures the optional progress side-channel. An empty broker
// disables it.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         int
}

// MetricsConfig configures the optional Prometheus textfile export.
type MetricsConfig struct {
	Textfile string
}

// OTelConfig configures trace export.
type OTelConfig struct {
	Endpoint string
}

type fileConfig struct {
	BridgeBinary  *string      `toml:"bridge_binary"`
	DirectoryPath *string      `toml:"directory_path"`
	LogLevel      *string      `toml:"log_level"`
	Gate          *gateFile    `toml:"gate"`
	Session       *sessionFile `toml:"session"`
	Poll          *pollFile    `toml:"poll"`
	Deploy        *deployFile  `toml:"deploy"`
	ADS           *adsFile     `toml:"ads"`
	MQTT          *mqttFile    `toml:"mqtt"`
	Metrics       *metricsFile `toml:"metrics"`
	OTel          *otelFile    `toml:"otel"`
}

type gateFile struct {
	RetryInterval *string `toml:"retry_interval"`
}

type sessionFile struct {
	SettleDelay       *string `toml:"settle_delay"`
	ReuseLoadAttempts *int    `toml:"reuse_load_attempts"`
	FreshLoadAttempts *int    `toml:"fresh_load_attempts"`
	LoadPollInterval  *string `toml:"load_poll_interval"`
}

type pollFile struct {
	Interval        *string `toml:"interval"`
	Timeout         *string `toml:"timeout"`
	CompletionGrace *string `toml:"completion_grace"`
}

type deployFile struct {
	RestartWait *string `toml:"restart_wait"`
}

type adsFile struct {
	LocalNetID    *string `toml:"local_net_id"`
	RouterAddress *string `toml:"router_address"`
	DefaultPort   *int    `toml:"default_port"`
}

type mqttFile struct {
	Broker      *string `toml:"broker"`
	ClientID    *string `toml:"client_id"`
	TopicPrefix *string `toml:"topic_prefix"`
	QoS         *int    `toml:"qos"`
}

type metricsFile struct {
	Textfile *string `toml:"textfile"`
}

type otelFile struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.tcflow/config.toml, overlays a project-local
// .tcflow/config.toml, then applies environment overrides.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(homeDir)
	paths := []string{
		filepath.Join(homeDir, ".tcflow", "config.toml"),
		filepath.Join(workingDir, ".tcflow", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults(homeDir string) Config {
	return Config{
		BridgeBinary:  defaultBridgeBinary,
		DirectoryPath: filepath.Join(homeDir, ".tcflow", "hosts.db"),
		LogLevel:      defaultLogLevel,
		Gate: GateConfig{
			RetryInterval: defaultRetryInterval,
		},
		Session: SessionConfig{
			SettleDelay:       defaultSettleDelay,
			ReuseLoadAttempts: defaultReuseLoadAttempts,
			FreshLoadAttempts: defaultFreshLoadAttempts,
			LoadPollInterval:  defaultLoadPollInterval,
		},
		Poll: PollConfig{
			Interval:        defaultPollInterval,
			Timeout:         defaultPollTimeout,
			CompletionGrace: defaultCompletionGrace,
		},
		Deploy: DeployConfig{
			RestartWait: defaultRestartWait,
		},
		ADS: ADSConfig{
			RouterAddress: defaultRouterAddress,
			DefaultPort:   defaultADSPort,
		},
		MQTT: MQTTConfig{
			ClientID:    defaultMQTTClientID,
			TopicPrefix: defaultMQTTTopicPrefix,
			QoS:         defaultMQTTQoS,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	var errs []error
	if strings.TrimSpace(c.BridgeBinary) == "" {
		errs = append(errs, errors.New("bridge_binary must not be empty"))
	}
	if strings.TrimSpace(c.DirectoryPath) == "" {
		errs = append(errs, errors.New("directory_path must not be empty"))
	}
	if c.Gate.RetryInterval <= 0 {
		errs = append(errs, errors.New("gate.retry_interval must be > 0"))
	}
	if c.Session.SettleDelay < 0 {
		errs = append(errs, errors.New("session.settle_delay must be >= 0"))
	}
	if c.Session.ReuseLoadAttempts <= 0 {
		errs = append(errs, errors.New("session.reuse_load_attempts must be > 0"))
	}
	if c.Session.FreshLoadAttempts <= 0 {
		errs = append(errs, errors.New("session.fresh_load_attempts must be > 0"))
	}
	if c.Session.LoadPollInterval <= 0 {
		errs = append(errs, errors.New("session.load_poll_interval must be > 0"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be > 0"))
	}
	if c.Poll.Timeout <= 0 {
		errs = append(errs, errors.New("poll.timeout must be > 0"))
	}
	if c.Poll.CompletionGrace < 0 {
		errs = append(errs, errors.New("poll.completion_grace must be >= 0"))
	}
	if c.Deploy.RestartWait < 0 {
		errs = append(errs, errors.New("deploy.restart_wait must be >= 0"))
	}
	if c.ADS.DefaultPort <= 0 || c.ADS.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("ads.default_port %d out of range", c.ADS.DefaultPort))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1, or 2", c.MQTT.QoS))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("decode config file %q: unsupported keys %s", path, strings.Join(keys, ", "))
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	setString(&cfg.BridgeBinary, decoded.BridgeBinary)
	setString(&cfg.DirectoryPath, decoded.DirectoryPath)
	setString(&cfg.LogLevel, decoded.LogLevel)

	if s := decoded.Session; s != nil {
		setInt(&cfg.Session.ReuseLoadAttempts, s.ReuseLoadAttempts)
		setInt(&cfg.Session.FreshLoadAttempts, s.FreshLoadAttempts)
	}
	if a := decoded.ADS; a != nil {
		setString(&cfg.ADS.LocalNetID, a.LocalNetID)
		setString(&cfg.ADS.RouterAddress, a.RouterAddress)
		setInt(&cfg.ADS.DefaultPort, a.DefaultPort)
	}
	if m := decoded.MQTT; m != nil {
		setString(&cfg.MQTT.Broker, m.Broker)
		setString(&cfg.MQTT.ClientID, m.ClientID)
		setString(&cfg.MQTT.TopicPrefix, m.TopicPrefix)
		setInt(&cfg.MQTT.QoS, m.QoS)
	}
	if m := decoded.Metrics; m != nil {
		setString(&cfg.Metrics.Textfile, m.Textfile)
	}
	if o := decoded.OTel; o != nil {
		setString(&cfg.OTel.Endpoint, o.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	type durationField struct {
		key    string
		value  *string
		target *time.Duration
	}
	fields := make([]durationField, 0, 8)
	if g := decoded.Gate; g != nil {
		fields = append(fields, durationField{"gate.retry_interval", g.RetryInterval, &cfg.Gate.RetryInterval})
	}
	if s := decoded.Session; s != nil {
		fields = append(fields,
			durationField{"session.settle_delay", s.SettleDelay, &cfg.Session.SettleDelay},
			durationField{"session.load_poll_interval", s.LoadPollInterval, &cfg.Session.LoadPollInterval},
		)
	}
	if p := decoded.Poll; p != nil {
		fields = append(fields,
			durationField{"poll.interval", p.Interval, &cfg.Poll.Interval},
			durationField{"poll.timeout", p.Timeout, &cfg.Poll.Timeout},
			durationField{"poll.completion_grace", p.CompletionGrace, &cfg.Poll.CompletionGrace},
		)
	}
	if d := decoded.Deploy; d != nil {
		fields = append(fields, durationField{"deploy.restart_wait", d.RestartWait, &cfg.Deploy.RestartWait})
	}

	for _, field := range fields {
		if field.value == nil {
			continue
		}
		value, err := parseDuration(*field.value, field.key, path)
		if err != nil {
			return err
		}
		*field.target = value
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv(EnvBridgeBinary)); value != "" {
		cfg.BridgeBinary = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvDirectoryPath)); value != "" {
		cfg.DirectoryPath = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvMQTTBroker)); value != "" {
		cfg.MQTT.Broker = value
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func setString(target *string, value *string) {
	if value != nil {
		*target = strings.TrimSpace(*value)
	}
}

func setInt(target *int, value *int) {
	if value != nil {
		*target = *value
	}
}
