package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"blocktree/blockchain/pow"
	"blocktree/logging"
)

const (
	defaultListen     = "localhost:4567"
	defaultDifficulty = "0000"
	defaultLogLevel   = "info"
	defaultQueueSize  = 256
	defaultSMTPPort   = 587
)

type SMTPConfig struct {
	Host     string `long:"host" description:"SMTP server used for vote confirmations; confirmations are only logged when empty"`
	Port     int    `long:"port" description:"SMTP submission port"`
	Username string `long:"username" env:"EMAIL_USERNAME" description:"SMTP username"`
	Password string `long:"password" env:"EMAIL_PASSWORD" description:"SMTP password"`
	From     string `long:"from" description:"Sender address, defaults to the username"`
}

// Config defines the configuration options for the server.
type Config struct {
	ConfigFile string `short:"c" long:"configfile" description:"Path to an ini configuration file"`
	Listen     string `short:"l" long:"listen" description:"The interface/port to listen for REST connections"`
	Difficulty string `short:"d" long:"difficulty" description:"Lowercase hex prefix every block hash must start with"`

	LogLevel      string `long:"loglevel" description:"Log level (debug, info, warn, error)"`
	LogFile       string `long:"logfile" description:"Also write logs to this rotated file"`
	LogMaxSize    int    `long:"logmaxsize" description:"Size in megabytes at which the log file is rotated"`
	LogMaxAge     int    `long:"logmaxage" description:"Days to keep rotated log files"`
	LogMaxBackups int    `long:"logmaxbackups" description:"Number of rotated log files to keep"`
	JSONLog       bool   `long:"jsonlog" description:"Whether to log in JSON format"`

	QueueSize  int    `long:"queuesize" description:"Number of vote events buffered before they join the confirmation backlog"`
	ReceiptKey string `long:"receiptkey" env:"RECEIPT_KEY" description:"Hex secp256k1 key signing vote receipts; a fresh key is generated when empty"`

	SMTP SMTPConfig `group:"SMTP" namespace:"smtp"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	return &Config{
		Listen:     defaultListen,
		Difficulty: defaultDifficulty,
		LogLevel:   defaultLogLevel,
		QueueSize:  defaultQueueSize,
		SMTP: SMTPConfig{
			Port: defaultSMTPPort,
		},
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config, args []string) (*Config, error) {
	parser := flags.NewParser(preCfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile loads values from the ini file named by ConfigFile, if any.
// Command line flags should be parsed again afterwards so they take
// precedence.
func ReadConfigFile(preCfg *Config) (*Config, error) {
	if preCfg.ConfigFile == "" {
		return preCfg, nil
	}
	if err := flags.IniParse(preCfg.ConfigFile, preCfg); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", preCfg.ConfigFile, err)
	}
	return preCfg, nil
}

// Validate checks the options that cannot be validated by the parser.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if err := pow.ValidatePrefix(c.Difficulty); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.QueueSize < 1 {
		return errors.New("queue size must be positive")
	}
	if c.LogMaxSize < 0 || c.LogMaxAge < 0 || c.LogMaxBackups < 0 {
		return errors.New("log rotation limits must not be negative")
	}
	if c.ReceiptKey != "" {
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.ReceiptKey, "0x")); err != nil {
			return fmt.Errorf("invalid receipt key: %w", err)
		}
	}
	if c.SMTP.Host != "" && (c.SMTP.Port < 1 || c.SMTP.Port > 65535) {
		return fmt.Errorf("invalid smtp port %d", c.SMTP.Port)
	}
	return nil
}

func (c *Config) Level() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Logging returns the logger configuration selected by the options.
func (c *Config) Logging() (logging.Config, error) {
	level, err := c.Level()
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:      level,
		JSON:       c.JSONLog,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSize,
		MaxAgeDays: c.LogMaxAge,
		MaxBackups: c.LogMaxBackups,
	}, nil
}
