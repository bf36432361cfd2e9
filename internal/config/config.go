/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// BackendPreference selects which player backend handles which item kinds.
type BackendPreference string

const (
	// BackendAuto uses mpv for local files and the embedded browser for URLs.
	BackendAuto BackendPreference = "auto"
	// BackendMpv forces the external mpv process for everything it can open.
	BackendMpv BackendPreference = "mpv"
	// BackendBrowser forces the embedded browser backend.
	BackendBrowser BackendPreference = "browser"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	// Player backends
	Backend         BackendPreference
	MpvBin          string
	BrowserHeadless bool
	BrowserMuted    bool
	CommandTimeout  time.Duration // per backend IPC/script call

	// Audio capture
	CaptureCommand   string        // command producing float32le mono PCM on stdout; empty disables capture
	CaptureRate      int           // sample rate the capture command was told to use
	CaptureBlock     time.Duration // block duration handed to the monitor per ingest call
	CaptureRetryWait time.Duration // backoff before restarting a dead capture command

	// Silence detection
	NoiseFloor      float64       // below this the block counts as silence
	SoundFloor      float64       // above this the block counts as confirmed sound
	AudioGain       float64       // multiplier applied before comparison
	SilenceDuration time.Duration // silence span that fires the trigger
	DebounceWindow  time.Duration // hysteresis for the display-only flag

	// Playback behaviour
	FinishedPercentage int           // watched percentage that counts as finished
	SaveTimestamps     bool          // persist resume positions
	SyncPlayerPause    bool          // adopt pauses made inside the player's own UI
	AutoSkip           bool          // advance when the backend reports ended
	PersistInterval    time.Duration // progress save cadence inside the tick loop

	// AFK gate
	AFKEnabled      bool
	AFKTimeout      time.Duration
	AFKPollInterval time.Duration
	AFKIdleCommand  string // command printing idle milliseconds, e.g. xprintidle

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("VIDAR_ENV", "development"),
		HTTPBind:    getEnv("VIDAR_HTTP_BIND", "127.0.0.1"),
		HTTPPort:    getEnvInt("VIDAR_HTTP_PORT", 8090),
		DBBackend:   DatabaseBackend(getEnv("VIDAR_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("VIDAR_DB_DSN", "vidar.db"),

		Backend:         BackendPreference(getEnv("VIDAR_BACKEND", string(BackendAuto))),
		MpvBin:          getEnv("VIDAR_MPV_BIN", "mpv"),
		BrowserHeadless: getEnvBool("VIDAR_BROWSER_HEADLESS", true),
		BrowserMuted:    getEnvBool("VIDAR_BROWSER_MUTED", false),
		CommandTimeout:  getEnvDuration("VIDAR_COMMAND_TIMEOUT", time.Second),

		CaptureCommand:   getEnv("VIDAR_CAPTURE_COMMAND", "parec --format=float32le --rate=44100 --channels=1"),
		CaptureRate:      getEnvInt("VIDAR_CAPTURE_RATE", 44100),
		CaptureBlock:     getEnvDuration("VIDAR_CAPTURE_BLOCK", 100*time.Millisecond),
		CaptureRetryWait: getEnvDuration("VIDAR_CAPTURE_RETRY_WAIT", 2*time.Second),

		NoiseFloor:      getEnvFloat("VIDAR_NOISE_FLOOR", 0.1),
		SoundFloor:      getEnvFloat("VIDAR_SOUND_FLOOR", 0.5),
		AudioGain:       getEnvFloat("VIDAR_AUDIO_GAIN", 1.0),
		SilenceDuration: getEnvDuration("VIDAR_SILENCE_DURATION", 2*time.Minute),
		DebounceWindow:  getEnvDuration("VIDAR_DEBOUNCE_WINDOW", 200*time.Millisecond),

		FinishedPercentage: getEnvInt("VIDAR_FINISHED_PERCENTAGE", 95),
		SaveTimestamps:     getEnvBool("VIDAR_SAVE_TIMESTAMPS", true),
		SyncPlayerPause:    getEnvBool("VIDAR_SYNC_PLAYER_PAUSE", true),
		AutoSkip:           getEnvBool("VIDAR_AUTO_SKIP", true),
		PersistInterval:    getEnvDuration("VIDAR_PERSIST_INTERVAL", 10*time.Second),

		AFKEnabled:      getEnvBool("VIDAR_AFK_ENABLED", false),
		AFKTimeout:      getEnvDuration("VIDAR_AFK_TIMEOUT", 5*time.Minute),
		AFKPollInterval: getEnvDuration("VIDAR_AFK_POLL_INTERVAL", 5*time.Second),
		AFKIdleCommand:  getEnv("VIDAR_AFK_IDLE_COMMAND", "xprintidle"),

		TracingEnabled:    getEnvBool("VIDAR_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("VIDAR_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("VIDAR_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("VIDAR_DB_DSN must be provided")
	}

	if cfg.Backend != BackendAuto && cfg.Backend != BackendMpv && cfg.Backend != BackendBrowser {
		return nil, fmt.Errorf("unsupported backend preference %q", cfg.Backend)
	}

	if cfg.NoiseFloor < 0 || cfg.SoundFloor < 0 {
		return nil, fmt.Errorf("audio floors must be non-negative")
	}
	if cfg.SoundFloor < cfg.NoiseFloor {
		return nil, fmt.Errorf("VIDAR_SOUND_FLOOR (%v) must be >= VIDAR_NOISE_FLOOR (%v)", cfg.SoundFloor, cfg.NoiseFloor)
	}

	if cfg.SilenceDuration <= 0 {
		return nil, fmt.Errorf("VIDAR_SILENCE_DURATION must be positive")
	}

	if cfg.CaptureCommand != "" && (cfg.CaptureBlock <= 0 || cfg.CaptureRate <= 0) {
		return nil, fmt.Errorf("VIDAR_CAPTURE_BLOCK and VIDAR_CAPTURE_RATE must be positive")
	}

	if cfg.FinishedPercentage <= 0 || cfg.FinishedPercentage > 100 {
		return nil, fmt.Errorf("VIDAR_FINISHED_PERCENTAGE must be in (0, 100], got %d", cfg.FinishedPercentage)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("90s", "2m") and falls back
// to plain integer seconds for convenience.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
