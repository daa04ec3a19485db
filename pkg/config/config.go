package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Pipeline     PipelineConfig
	Backpressure BackpressureConfig
	Alerts       AlertsConfig
	Sampling     SamplingConfig
	Weather      WeatherConfig
	Geocoding    GeocodingConfig
	Admin        AdminConfig
	SMTP         SMTPConfig
	Log          LogConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	VehicleTTL time.Duration
	StateTTL   time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	TopicRaw      string
	TopicDLQ      string
	TopicAlerts   string
	GroupID       string
	NumPartitions int
	// Consumers is the number of reader loops joined to the consumer group.
	// The broker assigns partitions across them.
	Consumers int
}

type PipelineConfig struct {
	MaxInFlight    int
	AlertWorkers   int
	AlertQueueSize int
	StatsEvery     int
}

type BackpressureConfig struct {
	LagThreshold    int64
	CPUThreshold    float64
	MemoryThreshold float64
	Pause           time.Duration
	QueueMaxSize    int64
	ProbeInterval   time.Duration
}

type AlertsConfig struct {
	MaxSpeed          float64
	MinSpeed          float64
	LowFuel           float64
	GPSSilence        time.Duration
	MaxDrivingTime    time.Duration
	SuppressionWindow time.Duration
	WeatherCooldown   time.Duration
}

type SamplingConfig struct {
	AreasFile         string
	Timezone          string
	WeatherSampleRate float64
}

type WeatherConfig struct {
	APIKey  string
	BaseURL string
	Units   string
	Timeout time.Duration
}

type GeocodingConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

type AdminConfig struct {
	Port int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "telemetria"),
			Password: getEnv("DB_PASSWORD", "telemetria"),
			DBName:   getEnv("DB_NAME", "telemetria"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvAsInt("REDIS_DB", 0),
			VehicleTTL: getEnvAsDuration("REDIS_VEHICLE_TTL", 10*time.Minute),
			StateTTL:   getEnvAsDuration("REDIS_STATE_TTL", 30*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvAsList("KAFKA_BROKERS", "localhost:9092"),
			TopicRaw:      getEnv("KAFKA_TOPIC_RAW", "telemetria-raw"),
			TopicDLQ:      getEnv("KAFKA_TOPIC_DLQ", "telemetria-dlq"),
			TopicAlerts:   getEnv("KAFKA_TOPIC_ALERTS", "telemetria-alerts"),
			GroupID:       getEnv("KAFKA_GROUP_ID", "telemetria-group"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 3),
			Consumers:     getEnvAsInt("KAFKA_CONSUMERS", 3),
		},
		Pipeline: PipelineConfig{
			MaxInFlight:    getEnvAsInt("PIPELINE_MAX_IN_FLIGHT", 10),
			AlertWorkers:   getEnvAsInt("PIPELINE_ALERT_WORKERS", 4),
			AlertQueueSize: getEnvAsInt("PIPELINE_ALERT_QUEUE_SIZE", 200),
			StatsEvery:     getEnvAsInt("PIPELINE_STATS_EVERY", 100),
		},
		Backpressure: BackpressureConfig{
			LagThreshold:    int64(getEnvAsInt("BACKPRESSURE_LAG_THRESHOLD", 500)),
			CPUThreshold:    getEnvAsFloat("BACKPRESSURE_CPU_THRESHOLD", 80),
			MemoryThreshold: getEnvAsFloat("BACKPRESSURE_MEMORY_THRESHOLD", 80),
			Pause:           getEnvAsDuration("BACKPRESSURE_PAUSE", time.Second),
			QueueMaxSize:    int64(getEnvAsInt("BACKPRESSURE_QUEUE_MAX_SIZE", 1000)),
			ProbeInterval:   getEnvAsDuration("BACKPRESSURE_PROBE_INTERVAL", time.Second),
		},
		Alerts: AlertsConfig{
			MaxSpeed:          getEnvAsFloat("ALERT_MAX_SPEED", 110),
			MinSpeed:          getEnvAsFloat("ALERT_MIN_SPEED", 10),
			LowFuel:           getEnvAsFloat("ALERT_LOW_FUEL", 15),
			GPSSilence:        getEnvAsDuration("ALERT_GPS_SILENCE", 15*time.Minute),
			MaxDrivingTime:    getEnvAsDuration("ALERT_MAX_DRIVING_TIME", 240*time.Minute),
			SuppressionWindow: getEnvAsDuration("ALERT_SUPPRESSION_WINDOW", 5*time.Minute),
			WeatherCooldown:   getEnvAsDuration("ALERT_WEATHER_COOLDOWN", time.Hour),
		},
		Sampling: SamplingConfig{
			AreasFile:         getEnv("SAMPLING_AREAS_FILE", ""),
			Timezone:          getEnv("SAMPLING_TIMEZONE", "America/Sao_Paulo"),
			WeatherSampleRate: getEnvAsFloat("SAMPLING_WEATHER_RATE", 0.2),
		},
		Weather: WeatherConfig{
			APIKey:  getEnv("WEATHER_API_KEY", ""),
			BaseURL: getEnv("WEATHER_BASE_URL", "https://api.openweathermap.org/data/2.5"),
			Units:   getEnv("WEATHER_UNITS", "metric"),
			Timeout: getEnvAsDuration("WEATHER_TIMEOUT", 5*time.Second),
		},
		Geocoding: GeocodingConfig{
			BaseURL:   getEnv("GEOCODING_BASE_URL", ""),
			UserAgent: getEnv("GEOCODING_USER_AGENT", "telemetry-pipeline/1.0"),
			Timeout:   getEnvAsDuration("GEOCODING_TIMEOUT", 3*time.Second),
		},
		Admin: AdminConfig{
			Port: getEnvAsInt("ADMIN_PORT", 8081),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "telemetria@example.com"),
			To:       getEnv("SMTP_TO", "frota@example.com"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must list at least one broker"))
	}
	if c.Kafka.Consumers <= 0 {
		errs = append(errs, errors.New("KAFKA_CONSUMERS must be positive"))
	}
	if c.Pipeline.MaxInFlight <= 0 {
		errs = append(errs, errors.New("PIPELINE_MAX_IN_FLIGHT must be positive"))
	}
	if c.Pipeline.AlertWorkers <= 0 || c.Pipeline.AlertQueueSize <= 0 {
		errs = append(errs, errors.New("alert workers and queue size must be positive"))
	}
	if c.Backpressure.LagThreshold < 0 || c.Backpressure.Pause < 0 || c.Backpressure.QueueMaxSize < 0 {
		errs = append(errs, errors.New("backpressure thresholds must not be negative"))
	}
	if r := c.Sampling.WeatherSampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("SAMPLING_WEATHER_RATE must be within [0,1], got %v", r))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key, defaultValue string) []string {
	parts := strings.Split(getEnv(key, defaultValue), ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			values = append(values, v)
		}
	}
	return values
}
