package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/captcha"
	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/logging"
	"github.com/scratcha/scratcha/internal/replay"
	"github.com/scratcha/scratcha/internal/telemetry"
	"github.com/scratcha/scratcha/internal/transport"
	"github.com/scratcha/scratcha/internal/widget"
)

func main() {
	tracePath := flag.String("trace", "", "recorded pointer trace (JSON)")
	answer := flag.String("answer", "", "answer to submit; defaults to the trace's last answer click")
	speed := flag.Float64("speed", 1, "replay speed multiplier, 0 replays instantly")
	flag.Parse()

	// Load config
	configPath := config.Path("config/scratcha.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatal().Err(err).Msg("Invalid client config")
	}

	// Setup logging
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}
	defer logCloser.Close()

	if *tracePath == "" {
		log.Fatal().Msg("-trace is required")
	}
	trace, err := replay.Load(*tracePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *tracePath).Msg("Failed to load trace")
	}
	if *answer == "" {
		for _, s := range trace.Samples {
			if s.Answer != "" {
				*answer = s.Answer
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := captcha.NewClient(cfg.CaptchaConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API client")
	}
	if err := client.Health(ctx); err != nil {
		log.Fatal().Err(err).Str("endpoint", client.Endpoint()).Msg("Verification service is not healthy")
	}

	layout := trace.Layout()
	tracker := telemetry.NewTracker(cfg.TrackerConfig(), layout, layout)

	senderCfg := cfg.SenderConfig()
	senderCfg.Callbacks = transport.Callbacks{
		OnSizeExceeded: func(info transport.SizeInfo) {
			log.Warn().Int("actual", info.ActualSize).Int("max", info.MaxSize).Msg("Telemetry too large")
		},
		OnTimeout: func(msg string) {
			log.Warn().Msg(msg)
		},
	}
	sender := transport.NewSender(senderCfg)

	widgetCfg := cfg.WidgetConfig()
	widgetCfg.AutoReset = false
	w := widget.New(widgetCfg, client, tracker, sender)
	defer w.Close()

	if err := w.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load problem")
	}
	problem := w.Problem()
	log.Info().Str("prompt", problem.Prompt).Strs("options", problem.Options).Msg("Problem ready")

	if err := replay.Play(ctx, tracker, trace.Samples, *speed); err != nil {
		log.Fatal().Err(err).Msg("Replay interrupted")
	}

	out, err := w.SelectAnswer(ctx, *answer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to submit answer")
	}

	fmt.Println(sender.Status())
	if out.Err != nil {
		fmt.Fprintf(os.Stderr, "verification failed: %v\n", out.Err)
		os.Exit(1)
	}
	fmt.Printf("answer=%q success=%t message=%q processing=%s\n",
		out.Answer, out.Verdict.Success, out.Verdict.Message, out.Verdict.ProcessingTime)
	if !out.Verdict.Success {
		os.Exit(2)
	}
}
