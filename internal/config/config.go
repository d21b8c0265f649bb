/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/friendsincode/skald/internal/pcm"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
// Editorial settings (talk slots, cadence tuning, station identity) live in
// the optional YAML profile instead, see profile.go.
type Config struct {
	Environment string
	StationName string

	// HTTP API and metrics
	HTTPBind    string
	HTTPPort    int
	MetricsBind string

	// Audio clock
	FrameBytes      int // PCM frame size in bytes, fixed for the lifetime of the process
	CrossfadeFrames int

	// Primary output (ALSA)
	ALSADevice string
	AplayBin   string

	// Icecast relay (secondary output)
	IcecastEnabled        bool
	IcecastURL            string // e.g. http://icecast:8000, ffmpeg connects as a source client
	IcecastMount          string
	IcecastSourcePassword string
	FFmpegBin             string
	StreamBitrateKbps     int

	// Archive (secondary output)
	ArchiveEnabled bool
	ArchiveDir     string
	ArchiveRotate  time.Duration

	// S3 upload for rotated archive chunks
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // Required for MinIO

	// Monitor output (WebRTC)
	MonitorEnabled     bool
	MonitorRTPPort     int    // UDP port the RTP encoder feeds into
	WebRTCSTUNURL      string // STUN server for NAT traversal
	WebRTCTURNURL      string // TURN server for relaying (optional)
	WebRTCTURNUsername string
	WebRTCTURNPassword string

	// Media library
	MusicDirs        []string // colon separated in the environment
	FallbackDir      string
	SpeechDir        string
	GStreamerBin     string
	GstDiscovererBin string

	// Speech synthesis service. Empty URL means cache-only operation.
	SpeechServiceURL string
	SpeechVoice      string

	ProfilePath string

	// Persistence
	DBBackend DatabaseBackend
	DBDSN     string

	// Now-playing cache (optional)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// External event publishing (optional). Empty URL disables it.
	NATSURL     string
	NATSSubject string

	// Operator API auth
	JWTSigningKey        string
	OperatorUser         string
	OperatorPasswordHash string // bcrypt hash

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"SKALD_ENV", "RADIO_ENV"}, "development"),
		StationName: getEnvAny([]string{"SKALD_STATION_NAME", "RADIO_STATION_NAME"}, "Skald"),

		HTTPBind:    getEnvAny([]string{"SKALD_HTTP_BIND", "RADIO_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"SKALD_HTTP_PORT", "RADIO_HTTP_PORT"}, 8080),
		MetricsBind: getEnvAny([]string{"SKALD_METRICS_BIND", "RADIO_METRICS_BIND"}, "127.0.0.1:9000"),

		FrameBytes:      getEnvIntAny([]string{"SKALD_FRAME_BYTES", "RADIO_FRAME_BYTES"}, pcm.DefaultFrameBytes),
		CrossfadeFrames: getEnvIntAny([]string{"SKALD_CROSSFADE_FRAMES", "RADIO_CROSSFADE_FRAMES"}, 48),

		ALSADevice: getEnvAny([]string{"SKALD_ALSA_DEVICE", "RADIO_ALSA_DEVICE"}, "default"),
		AplayBin:   getEnvAny([]string{"SKALD_APLAY_BIN", "RADIO_APLAY_BIN"}, "aplay"),

		IcecastEnabled:        getEnvBoolAny([]string{"SKALD_ICECAST_ENABLED", "ICECAST_ENABLED"}, false),
		IcecastURL:            getEnvAny([]string{"SKALD_ICECAST_URL", "ICECAST_URL"}, "http://icecast:8000"),
		IcecastMount:          getEnvAny([]string{"SKALD_ICECAST_MOUNT", "ICECAST_MOUNT"}, "/stream"),
		IcecastSourcePassword: getEnvAny([]string{"SKALD_ICECAST_SOURCE_PASSWORD", "ICECAST_SOURCE_PASSWORD"}, ""),
		FFmpegBin:             getEnvAny([]string{"SKALD_FFMPEG_BIN", "RADIO_FFMPEG_BIN"}, "ffmpeg"),
		StreamBitrateKbps:     getEnvIntAny([]string{"SKALD_STREAM_BITRATE_KBPS", "RADIO_STREAM_BITRATE_KBPS"}, 128),

		ArchiveEnabled: getEnvBoolAny([]string{"SKALD_ARCHIVE_ENABLED", "RADIO_ARCHIVE_ENABLED"}, false),
		ArchiveDir:     getEnvAny([]string{"SKALD_ARCHIVE_DIR", "RADIO_ARCHIVE_DIR"}, "./archive"),
		ArchiveRotate:  time.Duration(getEnvIntAny([]string{"SKALD_ARCHIVE_ROTATE_MINUTES", "RADIO_ARCHIVE_ROTATE_MINUTES"}, 60)) * time.Minute,

		S3AccessKeyID:     getEnvAny([]string{"SKALD_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"SKALD_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"SKALD_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"SKALD_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"SKALD_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"SKALD_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		MonitorEnabled:     getEnvBoolAny([]string{"SKALD_MONITOR_ENABLED", "RADIO_MONITOR_ENABLED"}, false),
		MonitorRTPPort:     getEnvIntAny([]string{"SKALD_MONITOR_RTP_PORT", "RADIO_MONITOR_RTP_PORT"}, 5004),
		WebRTCSTUNURL:      getEnvAny([]string{"SKALD_WEBRTC_STUN_URL", "WEBRTC_STUN_URL"}, "stun:stun.l.google.com:19302"),
		WebRTCTURNURL:      getEnvAny([]string{"SKALD_WEBRTC_TURN_URL", "WEBRTC_TURN_URL"}, ""),
		WebRTCTURNUsername: getEnvAny([]string{"SKALD_WEBRTC_TURN_USERNAME", "WEBRTC_TURN_USERNAME"}, ""),
		WebRTCTURNPassword: getEnvAny([]string{"SKALD_WEBRTC_TURN_PASSWORD", "WEBRTC_TURN_PASSWORD"}, ""),

		MusicDirs:        splitPathList(getEnvAny([]string{"SKALD_MUSIC_DIRS", "RADIO_MUSIC_DIRS"}, "./music")),
		FallbackDir:      getEnvAny([]string{"SKALD_FALLBACK_DIR", "RADIO_FALLBACK_DIR"}, "./fallback"),
		SpeechDir:        getEnvAny([]string{"SKALD_SPEECH_DIR", "RADIO_SPEECH_DIR"}, "./speech"),
		GStreamerBin:     getEnvAny([]string{"SKALD_GSTREAMER_BIN", "RADIO_GSTREAMER_BIN"}, "gst-launch-1.0"),
		GstDiscovererBin: getEnvAny([]string{"SKALD_GST_DISCOVERER_BIN", "RADIO_GST_DISCOVERER_BIN"}, "gst-discoverer-1.0"),

		SpeechServiceURL: getEnvAny([]string{"SKALD_SPEECH_SERVICE_URL", "RADIO_SPEECH_SERVICE_URL"}, ""),
		SpeechVoice:      getEnvAny([]string{"SKALD_SPEECH_VOICE", "RADIO_SPEECH_VOICE"}, "en_male_1"),

		ProfilePath: getEnvAny([]string{"SKALD_PROFILE", "RADIO_PROFILE"}, ""),

		DBBackend: DatabaseBackend(getEnvAny([]string{"SKALD_DB_BACKEND", "RADIO_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:     getEnvAny([]string{"SKALD_DB_DSN", "RADIO_DB_DSN"}, "skald.db"),

		RedisEnabled:  getEnvBoolAny([]string{"SKALD_REDIS_ENABLED", "RADIO_REDIS_ENABLED"}, false),
		RedisAddr:     getEnvAny([]string{"SKALD_REDIS_ADDR", "RADIO_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"SKALD_REDIS_PASSWORD", "RADIO_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"SKALD_REDIS_DB", "RADIO_REDIS_DB"}, 0),

		NATSURL:     getEnvAny([]string{"SKALD_NATS_URL", "RADIO_NATS_URL"}, ""),
		NATSSubject: getEnvAny([]string{"SKALD_NATS_SUBJECT", "RADIO_NATS_SUBJECT"}, "skald.events"),

		JWTSigningKey:        getEnvAny([]string{"SKALD_JWT_SIGNING_KEY", "RADIO_JWT_SIGNING_KEY"}, ""),
		OperatorUser:         getEnvAny([]string{"SKALD_OPERATOR_USER", "RADIO_OPERATOR_USER"}, "operator"),
		OperatorPasswordHash: getEnvAny([]string{"SKALD_OPERATOR_PASSWORD_HASH", "RADIO_OPERATOR_PASSWORD_HASH"}, ""),

		TracingEnabled:    getEnvBoolAny([]string{"SKALD_TRACING_ENABLED", "RADIO_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"SKALD_OTLP_ENDPOINT", "RADIO_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"SKALD_TRACING_SAMPLE_RATE", "RADIO_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SKALD_DB_DSN or RADIO_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("SKALD_JWT_SIGNING_KEY or RADIO_JWT_SIGNING_KEY must be provided")
	}

	if err := pcm.ValidateFrameBytes(cfg.FrameBytes); err != nil {
		return nil, fmt.Errorf("SKALD_FRAME_BYTES: %w", err)
	}

	if cfg.CrossfadeFrames < 1 || cfg.CrossfadeFrames > 512 {
		return nil, fmt.Errorf("SKALD_CROSSFADE_FRAMES must be between 1 and 512, got %d", cfg.CrossfadeFrames)
	}

	if len(cfg.MusicDirs) == 0 {
		return nil, fmt.Errorf("SKALD_MUSIC_DIRS must name at least one directory")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.OperatorPasswordHash == "" {
			return nil, fmt.Errorf("SKALD_OPERATOR_PASSWORD_HASH must be set in production")
		}

		if cfg.IcecastEnabled && (cfg.IcecastSourcePassword == "" || strings.EqualFold(cfg.IcecastSourcePassword, "hackme")) {
			return nil, fmt.Errorf("SKALD_ICECAST_SOURCE_PASSWORD or ICECAST_SOURCE_PASSWORD must be set to a non-default value in production")
		}

		if cfg.WebRTCTURNURL != "" && (cfg.WebRTCTURNUsername == "" || cfg.WebRTCTURNPassword == "") {
			return nil, fmt.Errorf("SKALD_WEBRTC_TURN_USERNAME and SKALD_WEBRTC_TURN_PASSWORD are required when TURN is enabled in production")
		}
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":     "use SKALD_ENV (or RADIO_ENV)",
		"ALSA_DEVICE":     "use SKALD_ALSA_DEVICE (or RADIO_ALSA_DEVICE)",
		"JWT_SIGNING_KEY": "use SKALD_JWT_SIGNING_KEY (or RADIO_JWT_SIGNING_KEY)",
		"MUSIC_DIRS":      "use SKALD_MUSIC_DIRS (or RADIO_MUSIC_DIRS)",
		"TRACING_ENABLED": "use SKALD_TRACING_ENABLED (or RADIO_TRACING_ENABLED)",
		"OTLP_ENDPOINT":   "use SKALD_OTLP_ENDPOINT (or RADIO_OTLP_ENDPOINT)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// FrameDuration returns the wall clock duration of one PCM frame at the
// configured frame size.
func (c *Config) FrameDuration() time.Duration {
	return pcm.FrameDuration(c.FrameBytes)
}

func splitPathList(v string) []string {
	parts := filepath.SplitList(v)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
