package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port      string
	PublicURL string

	PhoneProvider   string // "twilio" or "telnyx"
	PhoneAccountSID string
	PhoneAuthToken  string
	PhoneNumber     string
	UserPhoneNumber string
	TelnyxPublicKey string // base64 Ed25519 key, optional

	TTSProvider   string // "openai" or "deepgram"
	TTSAPIKey     string
	TTSBaseURL    string
	TTSVoice      string
	TTSModel      string
	TTSSampleRate int

	STTProvider       string // "deepgram" or "openai"
	STTAPIKey         string
	STTModel          string
	SilenceDuration   time.Duration
	TranscriptTimeout time.Duration
}

// MediaStreamURL derives the carrier-facing media WebSocket URL from the
// public base URL.
func (c Config) MediaStreamURL() string {
	base := strings.TrimSuffix(c.PublicURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/media-stream"
}

// StatusCallbackURL is where the carrier posts call lifecycle events.
func (c Config) StatusCallbackURL() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/status"
}

// CallInstructionURL is the document the carrier fetches on pickup.
func (c Config) CallInstructionURL() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/call-instruction"
}

// Load reads environment variables and returns Config with sane defaults.
// Missing required keys are a startup error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	cfg := Config{
		Port:            envOr("PORT", "3333"),
		PublicURL:       os.Getenv("PUBLIC_URL"),
		PhoneProvider:   envOr("PHONE_PROVIDER", "twilio"),
		PhoneAccountSID: os.Getenv("PHONE_ACCOUNT_SID"),
		PhoneAuthToken:  os.Getenv("PHONE_AUTH_TOKEN"),
		PhoneNumber:     os.Getenv("PHONE_NUMBER"),
		UserPhoneNumber: os.Getenv("USER_PHONE_NUMBER"),
		TelnyxPublicKey: os.Getenv("TELNYX_PUBLIC_KEY"),
		TTSProvider:     envOr("TTS_PROVIDER", "openai"),
		TTSAPIKey:       os.Getenv("TTS_API_KEY"),
		TTSBaseURL:      envOr("TTS_BASE_URL", "https://api.openai.com/v1"),
		TTSVoice:        envOr("TTS_VOICE", "alloy"),
		TTSModel:        envOr("TTS_MODEL", "tts-1"),
		STTProvider:     envOr("STT_PROVIDER", "deepgram"),
		STTAPIKey:       os.Getenv("STT_API_KEY"),
		STTModel:        os.Getenv("STT_MODEL"),
	}

	cfg.TTSSampleRate = envInt("TTS_SAMPLE_RATE", 24000)
	cfg.SilenceDuration = time.Duration(envInt("STT_SILENCE_DURATION_MS", 800)) * time.Millisecond
	cfg.TranscriptTimeout = time.Duration(envInt("TRANSCRIPT_TIMEOUT_MS", 180000)) * time.Millisecond

	switch cfg.PhoneProvider {
	case "twilio", "telnyx":
	default:
		return cfg, fmt.Errorf("config: unknown PHONE_PROVIDER %q", cfg.PhoneProvider)
	}
	switch cfg.STTProvider {
	case "deepgram", "openai":
	default:
		return cfg, fmt.Errorf("config: unknown STT_PROVIDER %q", cfg.STTProvider)
	}
	switch cfg.TTSProvider {
	case "openai", "deepgram":
	default:
		return cfg, fmt.Errorf("config: unknown TTS_PROVIDER %q", cfg.TTSProvider)
	}

	required := map[string]string{
		"PHONE_AUTH_TOKEN":  cfg.PhoneAuthToken,
		"PHONE_NUMBER":      cfg.PhoneNumber,
		"USER_PHONE_NUMBER": cfg.UserPhoneNumber,
		"PUBLIC_URL":        cfg.PublicURL,
		"TTS_API_KEY":       cfg.TTSAPIKey,
		"STT_API_KEY":       cfg.STTAPIKey,
	}
	if cfg.PhoneProvider == "twilio" {
		required["PHONE_ACCOUNT_SID"] = cfg.PhoneAccountSID
	}
	for key, val := range required {
		if val == "" {
			return cfg, fmt.Errorf("config: %s is required", key)
		}
	}

	log.Printf("config: port=%s phone=%s tts=%s stt=%s", cfg.Port, cfg.PhoneProvider, cfg.TTSProvider, cfg.STTProvider)
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}
