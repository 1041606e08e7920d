// Package config reads service settings from the environment (SCORE_*), an
// optional .env file and an optional config file for the instrument catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/sheet2audio/api-go/internal/pipeline"
	"github.com/example/sheet2audio/api-go/internal/score"
)

const envPrefix = "SCORE"

// Progress backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Addr     string
	DataDir  string
	LogLevel string

	AudiverisPath    string
	AudiverisArgs    []string
	RecognizeTimeout time.Duration

	FluidsynthPath string
	SoundFont      string
	SynthTimeout   time.Duration

	FFmpegPath      string
	AssembleTimeout time.Duration

	MaxParallelScores int
	MaxConcurrentJobs int
	PollInterval      time.Duration
	FailurePolicy     pipeline.Policy
	MaxUploadBytes    int64

	ProgressBackend string
	RedisAddr       string
	RedisUsername   string
	RedisPassword   string
	ProgressTTL     time.Duration

	// Instruments override or extend the built-in catalog.
	Instruments []score.Timbre
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("API_ADDR", ":8080")
	v.SetDefault("DATA_DIR", "local-data")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUDIVERIS_PATH", "audiveris")
	v.SetDefault("AUDIVERIS_ARGS", "")
	v.SetDefault("RECOGNIZE_TIMEOUT", 10*time.Minute)
	v.SetDefault("FLUIDSYNTH_PATH", "fluidsynth")
	v.SetDefault("SOUNDFONT", "/usr/share/sounds/sf2/FluidR3_GM.sf2")
	v.SetDefault("SYNTH_TIMEOUT", 5*time.Minute)
	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("ASSEMBLE_TIMEOUT", 5*time.Minute)
	v.SetDefault("MAX_PARALLEL_SCORES", 2)
	v.SetDefault("MAX_CONCURRENT_JOBS", 1)
	v.SetDefault("POLL_INTERVAL", time.Second)
	v.SetDefault("FAILURE_POLICY", string(pipeline.PolicySkip))
	v.SetDefault("MAX_UPLOAD_BYTES", 20<<20)
	v.SetDefault("PROGRESS_BACKEND", BackendSQLite)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("PROGRESS_TTL", 24*time.Hour)
}

// Load reads the configuration. The config file named by SCORE_CONFIG_FILE,
// if any, may set the same keys in lower case plus an instruments list.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if file := os.Getenv(envPrefix + "_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	policy, err := pipeline.ParsePolicy(v.GetString("FAILURE_POLICY"))
	if err != nil {
		return Config{}, err
	}
	backend := strings.ToLower(strings.TrimSpace(v.GetString("PROGRESS_BACKEND")))
	switch backend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return Config{}, fmt.Errorf("unknown progress backend %q", backend)
	}

	var instruments []score.Timbre
	if err := v.UnmarshalKey("instruments", &instruments); err != nil {
		return Config{}, fmt.Errorf("decode instruments: %w", err)
	}

	return Config{
		Addr:              v.GetString("API_ADDR"),
		DataDir:           v.GetString("DATA_DIR"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		AudiverisPath:     v.GetString("AUDIVERIS_PATH"),
		AudiverisArgs:     splitCSV(v.GetString("AUDIVERIS_ARGS")),
		RecognizeTimeout:  v.GetDuration("RECOGNIZE_TIMEOUT"),
		FluidsynthPath:    v.GetString("FLUIDSYNTH_PATH"),
		SoundFont:         v.GetString("SOUNDFONT"),
		SynthTimeout:      v.GetDuration("SYNTH_TIMEOUT"),
		FFmpegPath:        v.GetString("FFMPEG_PATH"),
		AssembleTimeout:   v.GetDuration("ASSEMBLE_TIMEOUT"),
		MaxParallelScores: max(v.GetInt("MAX_PARALLEL_SCORES"), 1),
		MaxConcurrentJobs: max(v.GetInt("MAX_CONCURRENT_JOBS"), 1),
		PollInterval:      v.GetDuration("POLL_INTERVAL"),
		FailurePolicy:     policy,
		MaxUploadBytes:    v.GetInt64("MAX_UPLOAD_BYTES"),
		ProgressBackend:   backend,
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisUsername:     v.GetString("REDIS_USERNAME"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		ProgressTTL:       v.GetDuration("PROGRESS_TTL"),
		Instruments:       instruments,
	}, nil
}

// LoadDotEnv loads the nearest .env found walking up from the working
// directory. Variables already set win.
func LoadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
