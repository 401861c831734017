package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"gemini-bridge/internal/completion"
	"gemini-bridge/internal/config"
	"gemini-bridge/internal/credentials"
	"gemini-bridge/internal/gemini"
	"gemini-bridge/internal/gemini/web"
	"gemini-bridge/internal/server"
)

const serveUsage = `Usage:
  gemini-bridge serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	setupLogging(cfg.Log)

	store, err := loadCredentialStore(cfg.Gemini.EnvFile)
	if err != nil {
		return err
	}

	session, err := gemini.Open(ctx, store, web.Dial, gemini.Options{
		InitTimeout: cfg.Gemini.InitTimeout(),
		Probe:       cfg.Gemini.ProbeEnabled(),
	})
	if err != nil {
		if errors.Is(err, gemini.ErrAuthentication) {
			return fmt.Errorf("session cookies were rejected; refresh %s and %s in %s: %w",
				credentials.KeyPSID, credentials.KeyPSIDTS, cfg.Gemini.EnvFile, err)
		}
		return err
	}
	defer session.Close()

	orch := completion.New(session)

	srv, err := server.New(cfg, orch)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadCredentialStore reads the session cookies from the env file and
// builds the store that mirrors rotating-token updates back into it.
func loadCredentialStore(envFile string) (*credentials.Store, error) {
	values, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("read credential file %q: %w", envFile, err)
	}

	return credentials.NewStore(envFile, credentials.Credentials{
		PSID:   values[credentials.KeyPSID],
		PSIDTS: values[credentials.KeyPSIDTS],
		Proxy:  proxyValue(values[credentials.KeyProxy]),
	})
}

// proxyValue filters the placeholder spellings operators leave in env
// files when no proxy is configured.
func proxyValue(raw string) string {
	switch raw {
	case "", "none", "None", "null", "Null":
		return ""
	default:
		return raw
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: level,
	})))
}
