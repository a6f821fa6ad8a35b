package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendKafka   = "kafka"
	BackendKinesis = "kinesis"
	BackendMemory  = "memory"

	CheckpointMemory   = "memory"
	CheckpointPostgres = "postgres"
)

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
	Tracing  Tracing  `yaml:"tracing"`
	Stream   Stream   `yaml:"stream"`
	Kafka    Kafka    `yaml:"kafka"`
	Kinesis  Kinesis  `yaml:"kinesis"`
	Redis    Redis    `yaml:"redis"`
	Postgres Postgres `yaml:"postgres"`
	Consumer Consumer `yaml:"consumer"`
	Decision Decision `yaml:"decision"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"loanflow"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Metrics struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR" env-default:":2112"`
}

type Tracing struct {
	// Endpoint of the OTLP HTTP collector; tracing is off when empty.
	Endpoint string `yaml:"endpoint" env:"OTLP_ENDPOINT"`
}

type Stream struct {
	Backend          string `yaml:"backend" env:"LOG_BACKEND" env-default:"kafka"`
	SubmissionStream string `yaml:"submission_stream_name" env:"SUBMISSION_STREAM_NAME" env-default:"loan.requests"`
	DecisionStream   string `yaml:"decision_stream_name" env:"DECISION_STREAM_NAME" env-default:"loan.status"`
	// NameSuffix is appended to both stream names, e.g. "-staging".
	NameSuffix string `yaml:"stream_name_suffix" env:"STREAM_NAME_SUFFIX"`
	// MemoryShards is the shard count of each stream of the memory backend.
	MemoryShards int `yaml:"memory_shards" env:"MEMORY_SHARDS" env-default:"4"`
}

func (s Stream) SubmissionStreamName() string { return s.SubmissionStream + s.NameSuffix }

func (s Stream) DecisionStreamName() string { return s.DecisionStream + s.NameSuffix }

type Kafka struct {
	Brokers []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	MaxWait time.Duration `yaml:"max_wait" env:"KAFKA_MAX_WAIT" env-default:"1s"`
}

type Kinesis struct {
	Region            string `yaml:"region" env:"REGION" env-default:"us-east-1"`
	CredentialProfile string `yaml:"credential_profile" env:"CREDENTIAL_PROFILE"`
	Endpoint          string `yaml:"endpoint" env:"KINESIS_ENDPOINT"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	// NotificationURL enables decision notifications, e.g. redis://cache:6379/0.
	NotificationURL  string        `yaml:"notification_url" env:"NOTIFICATION_URL"`
	DecisionCacheTTL time.Duration `yaml:"decision_cache_ttl" env:"DECISION_CACHE_TTL" env-default:"24h"`
	NotifyBuffer     int           `yaml:"notify_buffer" env:"NOTIFY_BUFFER" env-default:"1024"`
	NotifyTimeout    time.Duration `yaml:"notify_timeout" env:"NOTIFY_TIMEOUT" env-default:"2s"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"loanflow"`
}

type Consumer struct {
	Group           string        `yaml:"group" env:"CONSUMER_GROUP" env-default:"loan-decisions"`
	StartPosition   string        `yaml:"start_position" env:"START_POSITION" env-default:"oldest"`
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE" env-default:"100"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"1s"`
	DrainTimeout    time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT" env-default:"30s"`
	CheckpointStore string        `yaml:"checkpoint_store" env:"CHECKPOINT_STORE" env-default:"memory"`
}

type Decision struct {
	ThresholdMultiplier float64 `yaml:"threshold_multiplier" env:"THRESHOLD_MULTIPLIER" env-default:"1.0"`
	MinTerm             float64 `yaml:"min_term" env:"MIN_TERM" env-default:"6"`
	MaxTerm             float64 `yaml:"max_term" env:"MAX_TERM" env-default:"360"`
}

func New() (*Config, error) {
	return Load("config.yaml")
}

// Load reads path when it exists and lets environment variables override it.
// Without the file only the environment and defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Stream.Backend {
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka backend needs at least one broker"))
		}
	case BackendKinesis:
		if c.Kinesis.Region == "" {
			errs = append(errs, errors.New("kinesis backend needs a region"))
		}
	case BackendMemory:
		if c.Stream.MemoryShards < 1 {
			errs = append(errs, fmt.Errorf("memory shards must be positive, got %d", c.Stream.MemoryShards))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown log backend %q", c.Stream.Backend))
	}

	if c.Stream.SubmissionStream == "" || c.Stream.DecisionStream == "" {
		errs = append(errs, errors.New("submission and decision stream names are required"))
	} else if c.Stream.SubmissionStreamName() == c.Stream.DecisionStreamName() {
		errs = append(errs, errors.New("submission and decision streams must differ"))
	}

	switch c.Consumer.StartPosition {
	case "oldest", "newest":
	default:
		errs = append(errs, fmt.Errorf("unknown start position %q", c.Consumer.StartPosition))
	}
	switch c.Consumer.CheckpointStore {
	case CheckpointMemory, CheckpointPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint store %q", c.Consumer.CheckpointStore))
	}
	if c.Consumer.Group == "" {
		errs = append(errs, errors.New("consumer group is required"))
	}
	if c.Consumer.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.Consumer.BatchSize))
	}
	if c.Consumer.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.Consumer.PollInterval))
	}
	if c.Consumer.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("drain timeout must be positive, got %s", c.Consumer.DrainTimeout))
	}

	if c.Decision.ThresholdMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("threshold multiplier must be positive, got %g", c.Decision.ThresholdMultiplier))
	}
	if c.Decision.MinTerm <= 0 || c.Decision.MaxTerm < c.Decision.MinTerm {
		errs = append(errs, fmt.Errorf("invalid term range %g..%g", c.Decision.MinTerm, c.Decision.MaxTerm))
	}

	return errors.Join(errs...)
}
