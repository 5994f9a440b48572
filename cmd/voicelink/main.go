// Command voicelink runs an interactive realtime voice conversation from the
// terminal: microphone in, spoken responses out, with barge-in.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voicelink-go/voicelink/pkg/audio/miniaudio"
	"github.com/voicelink-go/voicelink/pkg/config"
	"github.com/voicelink-go/voicelink/pkg/live"
	"github.com/voicelink-go/voicelink/pkg/live/engine"
	"github.com/voicelink-go/voicelink/pkg/live/protocol"
	"github.com/voicelink-go/voicelink/pkg/live/state"
	"github.com/voicelink-go/voicelink/pkg/metrics"
)

type options struct {
	configPath  string
	instruction string
	listDevices bool
	micDevice   string
	textOnly    bool
	debug       bool
}

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.configPath, "config", "", "Path to config.yaml (optional)")
	flag.StringVar(&opt.instruction, "instructions", "", "System instructions override")
	flag.BoolVar(&opt.listDevices, "list-devices", false, "List capture devices and exit")
	flag.StringVar(&opt.micDevice, "mic-device", "", "Capture device ID (see -list-devices)")
	flag.BoolVar(&opt.textOnly, "text-only", false, "Run without audio hardware")
	flag.BoolVar(&opt.debug, "debug", false, "Debug logging")
	flag.Parse()

	if err := run(opt); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(opt options) error {
	cfg, err := config.Load(opt.configPath)
	if err != nil {
		return err
	}
	if opt.debug {
		cfg.Logging.Level = "debug"
	}
	if opt.instruction != "" {
		cfg.Session.Instructions = opt.instruction
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	met := metrics.New(nil)
	if cfg.Metrics.Enabled {
		go serveMetrics(log, cfg.Metrics.Address)
	}

	var port *miniaudio.Port
	if !opt.textOnly {
		port = miniaudio.New(miniaudio.Config{
			CaptureRate:      cfg.Audio.CaptureRate,
			TargetRate:       cfg.Audio.ProviderRate,
			PlaybackRate:     cfg.Audio.PlaybackRate,
			ChunkMS:          cfg.Audio.ChunkMS,
			PreRollMS:        cfg.Audio.PreRollMS,
			CrossfadeSamples: cfg.Audio.CrossfadeSamples,
			Log:              log,
			Metrics:          met,
		})
		if err := port.Init(); err != nil {
			return err
		}
		defer func() { _ = port.Close() }()

		if opt.listDevices {
			return printDevices(port)
		}
		if opt.micDevice != "" {
			if err := port.SelectDevice(opt.micDevice); err != nil {
				return err
			}
		}
	} else if opt.listDevices {
		return fmt.Errorf("-list-devices needs audio hardware, drop -text-only")
	}

	tools := engine.NewToolRegistry()

	convOpts := live.Options{
		URL:    cfg.Session.URL,
		APIKey: cfg.Session.APIKey,
		Session: protocol.SessionConfig{
			Modalities:   []string{"audio", "text"},
			Voice:        cfg.Session.Voice,
			Instructions: cfg.Session.Instructions,
			TurnDetection: &protocol.TurnDetection{
				Type: "server_vad",
			},
			InputAudioTranscription: &protocol.Transcription{
				Model: "whisper-1",
			},
		},
		Tools:          tools,
		ProviderRate:   cfg.Audio.ProviderRate,
		DialTimeout:    cfg.Session.DialTimeout(),
		ConnectRetries: cfg.Session.ConnectRetries,
		Log:            log,
		Metrics:        met,
	}
	if port != nil {
		convOpts.Port = port
	}

	conv, err := live.New(convOpts)
	if err != nil {
		return err
	}
	conv.OnStateChange(func(from, to state.ConnectionState) {
		log.Info("state", zap.Stringer("from", from), zap.Stringer("to", to))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := conv.Start(ctx); err != nil {
		return err
	}
	if port != nil {
		if err := conv.StartRecording(); err != nil {
			return err
		}
		fmt.Println("listening; speak to converse, ctrl-c to quit")
	} else {
		fmt.Println("connected in text-only mode, ctrl-c to quit")
	}

	go printEvents(conv)
	if port != nil {
		go watchDeviceFaults(ctx, log, port)
	}

	<-ctx.Done()
	fmt.Println("\nshutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conv.Stop(stopCtx)
}

func printEvents(conv *live.Conversation) {
	for ev := range conv.Events() {
		switch e := ev.(type) {
		case engine.UserTranscriptEvent:
			fmt.Printf("you: %s\n", e.Transcript)
		case engine.AssistantTranscriptEvent:
			fmt.Printf("assistant: %s\n", e.Transcript)
		case engine.SpeechStartedEvent:
			if e.Interrupted {
				fmt.Println("(interrupted)")
			}
		case engine.ErrorEvent:
			fmt.Printf("server error [%s]: %s\n", e.Code, e.Message)
		}
	}
}

func watchDeviceFaults(ctx context.Context, log *zap.Logger, port *miniaudio.Port) {
	for {
		select {
		case <-ctx.Done():
			return
		case fault := <-port.Errors():
			log.Error("audio device fault",
				zap.String("op", fault.Op),
				zap.String("recovery", fault.Recovery),
				zap.Error(fault.Err))
		}
	}
}

func printDevices(port *miniaudio.Port) error {
	devices, err := port.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, d.ID, d.Name)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func serveMetrics(log *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(nil))
	log.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
