package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/callbridge/internal/call"
	"github.com/chadiek/callbridge/internal/config"
	"github.com/chadiek/callbridge/internal/httpserver"
	"github.com/chadiek/callbridge/internal/stt"
	"github.com/chadiek/callbridge/internal/telephony"
	"github.com/chadiek/callbridge/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	phone, err := buildPhone(cfg)
	if err != nil {
		log.Fatalf("telephony: %v", err)
	}
	synth := buildTTS(cfg)
	rec := buildSTT(cfg)

	manager := call.NewManager(phone, synth, rec, call.Config{
		FromNumber:        cfg.PhoneNumber,
		ToNumber:          cfg.UserPhoneNumber,
		MediaStreamURL:    cfg.MediaStreamURL(),
		StatusCallbackURL: cfg.StatusCallbackURL(),
		TranscriptTimeout: cfg.TranscriptTimeout,
	})

	srv := httpserver.New(cfg, phone, manager, synth.Name(), rec.Name())

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on :%s", cfg.Port)
		serverErrors <- srv.Start(":" + cfg.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func buildPhone(cfg config.Config) (telephony.Provider, error) {
	switch cfg.PhoneProvider {
	case "twilio":
		return telephony.NewTwilioProvider(cfg.PhoneAccountSID, cfg.PhoneAuthToken), nil
	case "telnyx":
		return telephony.NewTelnyxProvider(cfg.PhoneAuthToken, cfg.PhoneAccountSID, cfg.TelnyxPublicKey), nil
	default:
		return nil, fmt.Errorf("unknown phone provider %q", cfg.PhoneProvider)
	}
}

func buildTTS(cfg config.Config) tts.Provider {
	if cfg.TTSProvider == "deepgram" {
		return tts.NewDeepgramClient(cfg.TTSAPIKey, cfg.TTSVoice, cfg.TTSSampleRate)
	}
	return tts.NewOpenAIClient(cfg.TTSAPIKey, cfg.TTSBaseURL, cfg.TTSVoice, cfg.TTSModel, cfg.TTSSampleRate)
}

func buildSTT(cfg config.Config) stt.Provider {
	if cfg.STTProvider == "openai" {
		return stt.NewOpenAIProvider(cfg.STTAPIKey, cfg.STTModel, cfg.SilenceDuration)
	}
	return stt.NewDeepgramProvider(cfg.STTAPIKey, cfg.STTModel, cfg.SilenceDuration)
}
