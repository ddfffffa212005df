package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the analyzer service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	OTelEndpoint string

	// OTelSampleRatio is the share of root traces recorded; 0 keeps all.
	OTelSampleRatio float64

	// Optional collaborators. Empty values disable them.
	RedisAddr    string
	PostgresDSN  string
	KafkaBrokers string
	EventsTopic  string
	IntakeTopic  string
	IntakeGroup  string

	RateLimit  int
	RateWindow time.Duration

	ExtractionConcurrency int
	AnalysisConcurrency   int

	MaxAttempts int
	RetryDelay  time.Duration
	TaskTimeout time.Duration

	Janitor JanitorConfig
	Aliyun  AliyunConfig
	VLM     VLMConfig

	FrameCapacity int
	Synthesis     string

	IntervalLow       time.Duration
	IntervalMedium    time.Duration
	IntervalHigh      time.Duration
	SmartDefaultCount int
	SmartMinCount     int
	SmartMaxCount     int
	PollMaxAttempts   int
	ManifestEnabled   bool
}

type JanitorConfig struct {
	Schedule          string
	Retention         time.Duration
	PendingTimeout    time.Duration
	ProcessingTimeout time.Duration
	MaxTasks          int
}

// AliyunConfig covers both ICE and OSS; they share one access key.
type AliyunConfig struct {
	AccessKeyID        string
	AccessKeySecret    string
	Region             string
	ICEEndpoint        string
	SnapshotTemplateID string
	OSSEndpoint        string
	OSSBucket          string
	URLExpiry          time.Duration
}

type VLMConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// SetDefaults registers the default of every key so a config file may omit
// anything.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", "8080")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("events_topic", "mossai.task-events")
	v.SetDefault("intake_topic", "mossai.analysis-requests")
	v.SetDefault("intake_group", "mossai-analyzer")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_window", time.Minute)

	v.SetDefault("extraction_concurrency", 5)
	v.SetDefault("analysis_concurrency", 3)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("task_timeout", 2*time.Hour)

	v.SetDefault("janitor.schedule", "@every 30m")
	v.SetDefault("janitor.retention", 48*time.Hour)
	v.SetDefault("janitor.pending_timeout", time.Hour)
	v.SetDefault("janitor.processing_timeout", 2*time.Hour)
	v.SetDefault("janitor.max_tasks", 1000)

	v.SetDefault("aliyun.region", "cn-shanghai")
	v.SetDefault("aliyun.url_expiry", 24*time.Hour)

	v.SetDefault("vlm.endpoint", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("vlm.max_tokens", 8192)
	v.SetDefault("vlm.temperature", 0.7)
	v.SetDefault("vlm.timeout", 300*time.Second)

	v.SetDefault("analysis.frame_capacity", 30)
	v.SetDefault("analysis.synthesis", "concat")

	v.SetDefault("extraction.interval_low", 10*time.Second)
	v.SetDefault("extraction.interval_medium", 3*time.Second)
	v.SetDefault("extraction.interval_high", time.Second)
	v.SetDefault("extraction.smart_default_count", 50)
	v.SetDefault("extraction.smart_min_count", 1)
	v.SetDefault("extraction.smart_max_count", 200)
	v.SetDefault("extraction.poll_max_attempts", 5)
	v.SetDefault("extraction.manifest", true)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),

		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		EventsTopic:  v.GetString("events_topic"),
		IntakeTopic:  v.GetString("intake_topic"),
		IntakeGroup:  v.GetString("intake_group"),

		RateLimit:  v.GetInt("rate_limit"),
		RateWindow: v.GetDuration("rate_window"),

		ExtractionConcurrency: v.GetInt("extraction_concurrency"),
		AnalysisConcurrency:   v.GetInt("analysis_concurrency"),

		MaxAttempts: v.GetInt("max_attempts"),
		RetryDelay:  v.GetDuration("retry_delay"),
		TaskTimeout: v.GetDuration("task_timeout"),

		Janitor: JanitorConfig{
			Schedule:          v.GetString("janitor.schedule"),
			Retention:         v.GetDuration("janitor.retention"),
			PendingTimeout:    v.GetDuration("janitor.pending_timeout"),
			ProcessingTimeout: v.GetDuration("janitor.processing_timeout"),
			MaxTasks:          v.GetInt("janitor.max_tasks"),
		},
		Aliyun: AliyunConfig{
			AccessKeyID:        v.GetString("aliyun.access_key_id"),
			AccessKeySecret:    v.GetString("aliyun.access_key_secret"),
			Region:             v.GetString("aliyun.region"),
			ICEEndpoint:        v.GetString("aliyun.ice_endpoint"),
			SnapshotTemplateID: v.GetString("aliyun.snapshot_template_id"),
			OSSEndpoint:        v.GetString("aliyun.oss_endpoint"),
			OSSBucket:          v.GetString("aliyun.oss_bucket"),
			URLExpiry:          v.GetDuration("aliyun.url_expiry"),
		},
		VLM: VLMConfig{
			Endpoint:    v.GetString("vlm.endpoint"),
			APIKey:      v.GetString("vlm.api_key"),
			Model:       v.GetString("vlm.model"),
			MaxTokens:   v.GetInt("vlm.max_tokens"),
			Temperature: v.GetFloat64("vlm.temperature"),
			Timeout:     v.GetDuration("vlm.timeout"),
		},

		FrameCapacity: v.GetInt("analysis.frame_capacity"),
		Synthesis:     v.GetString("analysis.synthesis"),

		IntervalLow:       v.GetDuration("extraction.interval_low"),
		IntervalMedium:    v.GetDuration("extraction.interval_medium"),
		IntervalHigh:      v.GetDuration("extraction.interval_high"),
		SmartDefaultCount: v.GetInt("extraction.smart_default_count"),
		SmartMinCount:     v.GetInt("extraction.smart_min_count"),
		SmartMaxCount:     v.GetInt("extraction.smart_max_count"),
		PollMaxAttempts:   v.GetInt("extraction.poll_max_attempts"),
		ManifestEnabled:   v.GetBool("extraction.manifest"),
	}
}

// Brokers splits KafkaBrokers. It is empty when Kafka is disabled.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate reports every setting serve cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Aliyun.AccessKeyID == "" || c.Aliyun.AccessKeySecret == "" {
		errs = append(errs, errors.New("aliyun.access_key_id and aliyun.access_key_secret are required"))
	}
	if c.Aliyun.OSSEndpoint == "" || c.Aliyun.OSSBucket == "" {
		errs = append(errs, errors.New("aliyun.oss_endpoint and aliyun.oss_bucket are required"))
	}
	if c.VLM.APIKey == "" || c.VLM.Model == "" {
		errs = append(errs, errors.New("vlm.api_key and vlm.model are required"))
	}
	switch c.Synthesis {
	case "concat", "model":
	default:
		errs = append(errs, fmt.Errorf("analysis.synthesis must be concat or model, got %q", c.Synthesis))
	}
	if c.SmartMinCount < 1 || c.SmartMinCount > c.SmartDefaultCount || c.SmartDefaultCount > c.SmartMaxCount {
		errs = append(errs, fmt.Errorf("extraction smart counts need 1 <= min <= default <= max, got %d/%d/%d",
			c.SmartMinCount, c.SmartDefaultCount, c.SmartMaxCount))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	return errors.Join(errs...)
}
