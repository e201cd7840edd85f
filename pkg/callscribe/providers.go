package callscribe

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/configutil"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/providers/deepgram"
	"github.com/harunnryd/callscribe/pkg/providers/mock"
	"github.com/harunnryd/callscribe/pkg/providers/vosk"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/transports"
	memtransport "github.com/harunnryd/callscribe/pkg/transports/mock"
	"github.com/harunnryd/callscribe/pkg/transports/twilio"
)

type mockSettings struct {
	Transcript        string    `mapstructure:"transcript"`
	FinalEverySamples int       `mapstructure:"final_every_samples"`
	Speaker           []float64 `mapstructure:"speaker"`
}

type deepgramSettings struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	Language         string `mapstructure:"language"`
	SmartFormat      *bool  `mapstructure:"smart_format"`
	UtteranceEndMS   *int   `mapstructure:"utterance_end_ms"`
	ConnectRetries   *int   `mapstructure:"connect_retries"`
	ConnectBackoffMS int    `mapstructure:"connect_backoff_ms"`
}

type voskSettings struct {
	ModelPath        string `mapstructure:"model_path"`
	SpeakerModelPath string `mapstructure:"speaker_model_path"`
	LogLevel         *int   `mapstructure:"log_level"`
}

// RegisterBuiltins wires the recognizers and transports shipped with callscribe.
func RegisterBuiltins(reg *ProviderRegistry) {
	reg.RegisterModel("mock", func(_ context.Context, cfg Config) (recognizer.Model, error) {
		var settings mockSettings
		if err := configutil.Decode("recognizer.settings", cfg.Recognizer.Settings, configutil.Schema{
			Optional: []string{"transcript", "final_every_samples", "speaker"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewModel(mock.ModelConfig{
			Transcript:        settings.Transcript,
			FinalEverySamples: settings.FinalEverySamples,
			Speaker:           settings.Speaker,
		}), nil
	})

	reg.RegisterModel("deepgram", func(_ context.Context, cfg Config) (recognizer.Model, error) {
		var settings deepgramSettings
		if err := configutil.Decode("recognizer.settings", cfg.Recognizer.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "smart_format", "utterance_end_ms", "connect_retries", "connect_backoff_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "recognizer.settings.api_key"); err != nil {
			return nil, err
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("recognizer.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			SmartFormat:    configutil.BoolValue(settings.SmartFormat, true),
			UtteranceEndMS: utteranceEnd,
			ConnectRetries: configutil.IntValue(settings.ConnectRetries, 2),
			ConnectBackoff: configutil.Millis(settings.ConnectBackoffMS, 200*time.Millisecond),
		}), nil
	})

	reg.RegisterModel("vosk", func(_ context.Context, cfg Config) (recognizer.Model, error) {
		var settings voskSettings
		if err := configutil.Decode("recognizer.settings", cfg.Recognizer.Settings, configutil.Schema{
			Required: []string{"model_path"},
			Optional: []string{"speaker_model_path", "log_level"},
		}, &settings); err != nil {
			return nil, err
		}
		m, err := vosk.Load(vosk.Config{
			ModelPath:        settings.ModelPath,
			SpeakerModelPath: settings.SpeakerModelPath,
			SampleRate:       cfg.Recognizer.SampleRate,
			LogLevel:         configutil.IntValue(settings.LogLevel, -1),
		})
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonModelLoad)
		}
		return m, nil
	})

	reg.RegisterTransport("twilio", func(cfg Config, deps TransportDeps) (transports.Transport, error) {
		tcfg, err := twilioConfig(cfg)
		if err != nil {
			return nil, err
		}
		return twilio.New(tcfg, cfg.SessionConfig(), twilio.Deps{
			Model:    deps.Model,
			Sink:     deps.Sink,
			Observer: deps.Observer,
			Breaker:  deps.Breaker,
			Registry: deps.Registry,
			Logger:   deps.Logger,
		}), nil
	})

	reg.RegisterTransport("mock", func(cfg Config, deps TransportDeps) (transports.Transport, error) {
		return memtransport.New(cfg.SessionConfig(), session.Options{
			Model:    deps.Model,
			Sink:     deps.Sink,
			Observer: deps.Observer,
			Breaker:  deps.Breaker,
			Logger:   deps.Logger,
		}, deps.Registry), nil
	})

	reg.RegisterDialer("twilio", func(cfg Config) (transports.OutboundDialer, error) {
		tcfg, err := twilioConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := configutil.RequireString(tcfg.AccountSID, "transport.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(tcfg.AuthToken, "transport.settings.auth_token"); err != nil {
			return nil, err
		}
		return twilio.NewDialer(tcfg), nil
	})
}

func twilioConfig(cfg Config) (twilio.Config, error) {
	var tcfg twilio.Config
	err := configutil.Decode("transport.settings", cfg.Transport.Settings, configutil.Schema{
		Optional: []string{
			"server_addr", "public_url", "auth_token", "account_sid",
			"voice_path", "stream_path", "status_callback_path", "voice_greeting",
			"allow_any_origin", "allowed_origins",
		},
	}, &tcfg)
	return tcfg, err
}
