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

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Stream    StreamConfig
	Segmenter SegmenterConfig
	Optimizer OptimizerConfig
	Monitor   MonitorConfig
	Landmark  LandmarkConfig
	Feedback  FeedbackConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
// Persistence of practice attempts is skipped when URL is empty.
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RedisConfig holds Redis connection settings. Empty Addr disables the
// archive queue and feedback fan-out.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the shared secret used to verify socket tokens issued by the
// identity service. An empty secret leaves /ws open.
type JWTConfig struct {
	Secret string
}

// AWSConfig holds AWS credentials and the gesture archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	GesturesBucket  string
}

// StreamConfig holds per-connection pipeline settings.
type StreamConfig struct {
	QueueCapacity   int
	SendBuffer      int
	MaxMessageBytes int64
	StatsInterval   time.Duration
	ShutdownTimeout time.Duration
	BaseWidth       int
	BaseHeight      int
	BaseQuality     int
	BaseComplexity  int
}

// SegmenterConfig holds gesture segmentation thresholds.
type SegmenterConfig struct {
	VelocityThreshold  float64
	PauseDuration      time.Duration
	MinGestureDuration time.Duration
	MaxBufferFrames    int
	SmoothingWindow    int
}

// OptimizerConfig holds adaptive quality thresholds.
type OptimizerConfig struct {
	CPUPercent        float64
	MemoryMB          float64
	MaxProcessingTime time.Duration
	MaxDropRate       float64
	ViolationLimit    int
	Cooldown          time.Duration
	RecoverySamples   int
	RecoveryRatio     float64
}

// MonitorConfig holds resource sampling settings.
type MonitorConfig struct {
	Interval    time.Duration
	HistorySize int
}

// LandmarkConfig selects the landmark detection backend.
type LandmarkConfig struct {
	Mode     string // mock, http
	Endpoint string
	Timeout  time.Duration
}

// FeedbackConfig selects the feedback generation backend.
type FeedbackConfig struct {
	Mode        string // mock, http, nats
	Endpoint    string
	NATSURL     string
	NATSSubject string
	Timeout     time.Duration
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			GesturesBucket:  getEnv("AWS_S3_GESTURES_BUCKET", "signlab-gesture-archive"),
		},
		Stream: StreamConfig{
			QueueCapacity:   getEnvInt("STREAM_QUEUE_CAPACITY", 10),
			SendBuffer:      getEnvInt("STREAM_SEND_BUFFER", 64),
			MaxMessageBytes: int64(getEnvInt("STREAM_MAX_MESSAGE_BYTES", 4*1024*1024)),
			StatsInterval:   time.Duration(getEnvInt("STREAM_STATS_INTERVAL_SEC", 30)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("STREAM_SHUTDOWN_TIMEOUT_SEC", 10)) * time.Second,
			BaseWidth:       getEnvInt("STREAM_BASE_WIDTH", 640),
			BaseHeight:      getEnvInt("STREAM_BASE_HEIGHT", 480),
			BaseQuality:     getEnvInt("STREAM_BASE_QUALITY", 85),
			BaseComplexity:  getEnvInt("STREAM_BASE_COMPLEXITY", 1),
		},
		Segmenter: SegmenterConfig{
			VelocityThreshold:  getEnvFloat("SEGMENTER_VELOCITY_THRESHOLD", 0.02),
			PauseDuration:      time.Duration(getEnvInt("SEGMENTER_PAUSE_MS", 1000)) * time.Millisecond,
			MinGestureDuration: time.Duration(getEnvInt("SEGMENTER_MIN_GESTURE_MS", 500)) * time.Millisecond,
			MaxBufferFrames:    getEnvInt("SEGMENTER_MAX_BUFFER_FRAMES", 300),
			SmoothingWindow:    getEnvInt("SEGMENTER_SMOOTHING_WINDOW", 3),
		},
		Optimizer: OptimizerConfig{
			CPUPercent:        getEnvFloat("OPTIMIZER_CPU_PERCENT", 80),
			MemoryMB:          getEnvFloat("OPTIMIZER_MEMORY_MB", 2048),
			MaxProcessingTime: time.Duration(getEnvInt("OPTIMIZER_MAX_PROCESSING_MS", 150)) * time.Millisecond,
			MaxDropRate:       getEnvFloat("OPTIMIZER_MAX_DROP_RATE", 0.2),
			ViolationLimit:    getEnvInt("OPTIMIZER_VIOLATION_LIMIT", 5),
			Cooldown:          time.Duration(getEnvInt("OPTIMIZER_COOLDOWN_MS", 10000)) * time.Millisecond,
			RecoverySamples:   getEnvInt("OPTIMIZER_RECOVERY_SAMPLES", 30),
			RecoveryRatio:     getEnvFloat("OPTIMIZER_RECOVERY_RATIO", 0.6),
		},
		Monitor: MonitorConfig{
			Interval:    time.Duration(getEnvInt("MONITOR_INTERVAL_MS", 1000)) * time.Millisecond,
			HistorySize: getEnvInt("MONITOR_HISTORY_SIZE", 60),
		},
		Landmark: LandmarkConfig{
			Mode:     strings.ToLower(getEnv("LANDMARK_MODE", "mock")),
			Endpoint: getEnv("LANDMARK_ENDPOINT", "http://localhost:8500/detect"),
			Timeout:  time.Duration(getEnvInt("LANDMARK_TIMEOUT_MS", 200)) * time.Millisecond,
		},
		Feedback: FeedbackConfig{
			Mode:        strings.ToLower(getEnv("FEEDBACK_MODE", "mock")),
			Endpoint:    getEnv("FEEDBACK_ENDPOINT", "http://localhost:8600/analyze"),
			NATSURL:     getEnv("FEEDBACK_NATS_URL", "nats://localhost:4222"),
			NATSSubject: getEnv("FEEDBACK_NATS_SUBJECT", "signlab.feedback.analyze"),
			Timeout:     time.Duration(getEnvInt("FEEDBACK_TIMEOUT_MS", 15000)) * time.Millisecond,
		},
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Stream.QueueCapacity < 1 {
		return errors.New("STREAM_QUEUE_CAPACITY must be >= 1")
	}
	if cfg.Stream.SendBuffer < 1 {
		return errors.New("STREAM_SEND_BUFFER must be >= 1")
	}
	if cfg.Stream.BaseQuality < 1 || cfg.Stream.BaseQuality > 100 {
		return errors.New("STREAM_BASE_QUALITY must be between 1 and 100")
	}
	if cfg.Stream.BaseWidth <= 0 || cfg.Stream.BaseHeight <= 0 {
		return errors.New("STREAM_BASE_WIDTH and STREAM_BASE_HEIGHT must be positive")
	}
	if cfg.Stream.BaseComplexity < 0 || cfg.Stream.BaseComplexity > 2 {
		return errors.New("STREAM_BASE_COMPLEXITY must be 0, 1 or 2")
	}
	if cfg.Segmenter.SmoothingWindow < 2 {
		return errors.New("SEGMENTER_SMOOTHING_WINDOW must be >= 2")
	}
	if cfg.Segmenter.MaxBufferFrames < 1 {
		return errors.New("SEGMENTER_MAX_BUFFER_FRAMES must be >= 1")
	}
	if cfg.Segmenter.VelocityThreshold <= 0 {
		return errors.New("SEGMENTER_VELOCITY_THRESHOLD must be positive")
	}
	if cfg.Optimizer.ViolationLimit < 1 {
		return errors.New("OPTIMIZER_VIOLATION_LIMIT must be >= 1")
	}
	if cfg.Monitor.Interval <= 0 {
		return errors.New("MONITOR_INTERVAL_MS must be positive")
	}
	switch cfg.Landmark.Mode {
	case "mock", "http":
	default:
		return fmt.Errorf("LANDMARK_MODE must be one of mock|http, got %q", cfg.Landmark.Mode)
	}
	switch cfg.Feedback.Mode {
	case "mock", "http", "nats":
	default:
		return fmt.Errorf("FEEDBACK_MODE must be one of mock|http|nats, got %q", cfg.Feedback.Mode)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
