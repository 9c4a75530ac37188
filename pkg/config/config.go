// Package config loads the process-wide configuration from the environment.
//
// Following spec §9's "global configuration" design note, a Config is read once
// at startup and shared by reference; nothing in this repository re-reads
// environment variables per call.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every environment-variable-driven setting named in spec §6.
type Config struct {
	BackendURL        string
	AuthorizationToken string

	SIPUser     string
	SIPLogin    string
	SIPDomain   string
	SIPPassword string
	SIPCallerID string

	AudioDir    string
	TmpAudioDir string

	VADModelPath            string
	VADModelURL             string
	VADSamplingRate         int
	VADThreshold            float64
	VADMinSpeechDurationMS  int
	VADMinSilenceDurationMS int
	VADSpeechPadMS          int
	VADSpeechProbWindow     int

	VADUseDynamicCorrections bool
	VADCorrectionEnterThres  float64
	VADCorrectionExitThres   float64
	VADCorrectionDebug       bool

	ShortPauseOffsetMS   int
	LongPauseOffsetMS    int
	UserSilenceTimeoutMS int

	InterruptionsAreAllowed bool
	SIPEarlyEOC             bool
	RecordAudioParts        bool
	IsStreaming             bool

	UseLocalSTT   bool
	LocalSTTURL   string
	LocalSTTLang  string

	OperatorListenAddr string
	LogLevel           string
}

// Load reads .env (if present, never overriding already-set process env) then
// builds a Config from the environment, applying spec §6's documented
// defaults. It returns an aggregate error if validation fails.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cwd, _ := os.Getwd()
	audioDir := getenv("SIP_AUDIO_DIR", cwd)

	cfg := &Config{
		BackendURL:         getenv("BACKEND_URL", ""),
		AuthorizationToken: getenv("AUTHORIZATION_TOKEN", ""),

		SIPUser:     getenv("SIP_USER", "user"),
		SIPDomain:   getenv("SIP_DOMAIN", "sip.linphone.org"),
		SIPPassword: getenv("SIP_PASSWORD", "password"),
		SIPCallerID: getenv("SIP_CALLER_ID", ""),

		AudioDir:    getenv("SIP_AUDIO_WAV_DIR", filepath.Join(audioDir, "wav")),
		TmpAudioDir: getenv("SIP_AUDIO_TMP_DIR", filepath.Join(audioDir, "tmp")),

		VADModelPath:            getenv("VAD_MODEL_PATH", filepath.Join(cwd, "silero_vad.onnx")),
		VADModelURL:             getenv("VAD_MODEL_URL", "https://huggingface.co/onnx-community/silero-vad/resolve/main/onnx/model.onnx"),
		VADSamplingRate:         getenvInt("VAD_SAMPLING_RATE", 16000),
		VADThreshold:            getenvFloat("VAD_THRESHOLD", 0.65),
		VADMinSpeechDurationMS:  getenvInt("VAD_MIN_SPEECH_DURATION_MS", 150),
		VADMinSilenceDurationMS: getenvInt("VAD_MIN_SILENCE_DURATION_MS", 300),
		VADSpeechPadMS:          getenvInt("VAD_SPEECH_PAD_MS", 700),
		VADSpeechProbWindow:     getenvInt("VAD_SPEECH_PROB_WINDOW", 3),

		VADUseDynamicCorrections: getenvBool("VAD_USE_DYNAMIC_CORRECTIONS", true),
		VADCorrectionEnterThres:  getenvFloat("VAD_CORRECTION_ENTER_THRESHOLD", 0.6),
		VADCorrectionExitThres:   getenvFloat("VAD_CORRECTION_EXIT_THRESHOLD", 0.4),
		VADCorrectionDebug:       getenvBool("VAD_CORRECTION_DEBUG", false),

		ShortPauseOffsetMS:   getenvInt("SHORT_PAUSE_OFFSET_MS", 200),
		LongPauseOffsetMS:    getenvInt("LONG_PAUSE_OFFSET_MS", 850),
		UserSilenceTimeoutMS: getenvInt("USER_SILENCE_TIMEOUT_MS", 60000),

		InterruptionsAreAllowed: getenvBool("INTERRUPTIONS_ARE_ALLOWED", true),
		SIPEarlyEOC:             getenvBool("SIP_EARLY_EOC", false),
		RecordAudioParts:        getenvBool("RECORD_AUDIO_PARTS", false),
		IsStreaming:             getenvBool("IS_STREAMING", true),

		UseLocalSTT:  getenvBool("USE_LOCAL_STT", false),
		LocalSTTURL:  getenv("LOCAL_STT_URL", ""),
		LocalSTTLang: getenv("LOCAL_STT_LANG", "en"),

		OperatorListenAddr: getenv("SIP_REST_API_ADDR", ":8000"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
	}
	cfg.SIPLogin = getenv("SIP_LOGIN", cfg.SIPUser)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants and returns every problem found,
// joined via errors.Join so callers see the full picture in one report.
func (c *Config) Validate() error {
	var errs []error

	if c.BackendURL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required"))
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("VAD_THRESHOLD must be in [0,1], got %v", c.VADThreshold))
	}
	if c.VADCorrectionEnterThres <= c.VADCorrectionExitThres {
		errs = append(errs, fmt.Errorf(
			"VAD_CORRECTION_ENTER_THRESHOLD (%v) must be greater than VAD_CORRECTION_EXIT_THRESHOLD (%v)",
			c.VADCorrectionEnterThres, c.VADCorrectionExitThres))
	}
	if c.VADSpeechProbWindow < 1 {
		errs = append(errs, errors.New("VAD_SPEECH_PROB_WINDOW must be >= 1"))
	}
	if c.ShortPauseOffsetMS < 0 || c.LongPauseOffsetMS < 0 {
		errs = append(errs, errors.New("pause offsets must be non-negative"))
	}
	if c.AuthorizationToken == "" {
		slog.Warn("AUTHORIZATION_TOKEN is empty; backend requests will be unauthenticated")
	}

	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.ToLower(strings.TrimSpace(v)) == "true"
}
