package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/langdetect"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/normalize"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath string

	speakMode   string
	speakVoice  string
	speakRate   float32
	speakOut    string
	speakTarget string

	rootCmd = &cobra.Command{
		Use:           "loqa-voice",
		Short:         "Multi-backend text-to-speech service for chat voice sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the speech service",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	voicesCmd = &cobra.Command{
		Use:   "voices [mode]",
		Short: "List the voices each backend offers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runVoices,
	}

	speakCmd = &cobra.Command{
		Use:   "speak TEXT",
		Short: "Synthesize TEXT once and write the audio to a file",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSpeak,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "loqa-voice.yaml", "Path to configuration file")

	speakCmd.Flags().StringVarP(&speakMode, "mode", "m", string(speech.KindGTTS), "Backend to synthesize with")
	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "Backend voice")
	speakCmd.Flags().Float32Var(&speakRate, "rate", 1, "Speaking rate")
	speakCmd.Flags().StringVarP(&speakOut, "out", "o", "-", "Output file, - for stdout")
	speakCmd.Flags().StringVar(&speakTarget, "translate-to", "", "Translate to this language first (remote backends)")

	rootCmd.AddCommand(serveCmd, voicesCmd, speakCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loqa-voice:", err)
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the default config path is absent.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Telemetry, os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runVoices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.Discard()
	out := cmd.OutOrStdout()

	kinds := speech.Kinds
	if len(args) == 1 {
		kind, err := speech.ParseKind(args[0])
		if err != nil {
			return err
		}
		kinds = []speech.BackendKind{kind}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	catalog := backend.FetchCatalog(ctx, cfg.Remote, &http.Client{Timeout: 30 * time.Second}, logger)
	clips := runtime.LoadClips(cfg.VoiceClips, logger)

	for _, kind := range kinds {
		switch {
		case kind == speech.KindXTTS:
			fmt.Fprintf(out, "%s:\n", kind)
			for _, v := range clips.Voices() {
				fmt.Fprintf(out, "  %s (%s)\n", v.Name, strings.Join(v.Languages(), ", "))
			}
		case kind.Remote():
			voices := catalog.Voices(kind)
			fmt.Fprintf(out, "%s: %d voices\n", kind, len(voices))
			for _, v := range voices {
				fmt.Fprintf(out, "  %s\n", v)
			}
		default:
			fmt.Fprintf(out, "%s: voice is passed through to the provider\n", kind)
		}
	}
	return nil
}

func runSpeak(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.Discard()
	mode, err := speech.ParseKind(speakMode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Pipeline.RequestTimeoutMS)*time.Millisecond)
	defer cancel()

	clips := runtime.LoadClips(cfg.VoiceClips, logger)
	dispatcher, closeBackends, err := runtime.NewDispatcher(ctx, cfg, clips, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeBackends() }()

	pipeline := synth.New(dispatcher, synth.Options{
		QueueDepth: cfg.Pipeline.QueueDepth,
		Silence:    synth.SilencePad(cfg.Pipeline.SilenceSampleRate, cfg.Pipeline.SilenceSeconds),
		Detect:     langdetect.Detect,
	}, logger)

	cleaned := normalize.Normalize(strings.Join(args, " "), normalize.Context{
		SkipEmoji:     cfg.Normalizer.SkipEmoji,
		RepeatedChars: cfg.Normalizer.RepeatedChars,
	})
	if !normalize.Speakable(cleaned.Text) {
		return speech.ErrEmptyText
	}

	stream, err := pipeline.Stream(ctx, speech.Request{
		ID:           uuid.NewString(),
		Session:      "cli",
		Text:         cleaned.Text,
		Voice:        speakVoice,
		Mode:         mode,
		SpeakingRate: speakRate,
		Instruction:  cleaned.Instruction,
		TranslateTo:  speakTarget,
	})
	if err != nil {
		return err
	}
	audio, err := synth.Concat(ctx, stream)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if speakOut != "-" {
		f, err := os.Create(speakOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(audio); err != nil {
		return err
	}
	if speakOut != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d chunks (%d bytes) to %s\n", stream.Chunks(), len(audio), speakOut)
	}
	return nil
}
