package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"blocktree/api"
	"blocktree/config"
	"blocktree/logging"
	"blocktree/notify"
	"blocktree/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.ParseFlags(config.DefaultConfig(), args)
	if err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if cfg, err = config.ReadConfigFile(cfg); err != nil {
			return nil, err
		}
		// Flags take precedence over the config file.
		if cfg, err = config.ParseFlags(cfg, args); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logCfg, err := cfg.Logging()
	if err != nil {
		return err
	}
	logger, level := logging.New(logCfg)
	defer logger.Sync()
	defer zap.ReplaceGlobals(logger)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	ctx = logging.NewContext(ctx, logger)

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.SMTP.Host != "" {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	} else {
		logger.Warn("no SMTP server configured, vote confirmations will only be logged")
	}

	logger.Info("creating block tree", zap.String("difficulty", cfg.Difficulty))
	vs, err := service.NewVotingService(ctx, service.Config{
		Difficulty: cfg.Difficulty,
		QueueSize:  cfg.QueueSize,
		ReceiptKey: cfg.ReceiptKey,
	}, notifier)
	if err != nil {
		return fmt.Errorf("failed to initialize voting service: %w", err)
	}

	server := api.NewServer(ctx, vs, api.WithLogLevel(level))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Listen)
	}()

	select {
	case err = <-serverErr:
		logger.Error("server stopped", zap.Error(err))
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("failed to stop REST server", zap.Error(serr))
	}
	if cerr := vs.Close(shutdownCtx); cerr != nil {
		logger.Warn("shutdown did not complete", zap.Error(cerr))
	}
	logger.Info("server shutdown completed")
	return err
}
