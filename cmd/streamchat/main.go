package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"StreamChat/internal/chatbot"
	"StreamChat/internal/config"
	"StreamChat/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "LLM backend (openai|ollama)")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "Model identifier served by the backend")
	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "OpenAI-compatible API base URL (empty for api.openai.com)")
	flag.StringVar(&cfg.OllamaHost, "ollama-host", cfg.OllamaHost, "Ollama server URL")
	flag.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "Sampling temperature, within (0, 2]")
	flag.IntVar(&cfg.MaxTokens, "max-tokens", cfg.MaxTokens, "Maximum tokens per answer")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Per-answer timeout (0 disables)")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs, traces and metrics")
	flag.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite file recording finished exchanges (empty disables)")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "Serve websocket renderers on this address instead of the terminal")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	bot, err := chatbot.NewChatBot(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}
	defer bot.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Listen != "" {
		err = server.New(bot.NewController, bot.Logger()).ListenAndServe(ctx, cfg.Listen)
	} else {
		err = bot.Run(ctx, os.Stdin, os.Stdout)
	}
	if err != nil {
		bot.Logger().Error("exited with error", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		bot.Close()
		os.Exit(1)
	}
}
