package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname     = ".walletd"
	defaultDBFilename      = "wallet.db"
	defaultListenAddr      = "localhost:8777"
	defaultApprovalTimeout = 2 * time.Minute
	defaultEventInterval   = 250 * time.Millisecond
	defaultLogLevel        = "info"
)

// Config holds the daemon configuration, populated from defaults and command
// line flags.
type Config struct {
	DataDir string `long:"datadir" description:"The directory the wallet state database lives in"`

	Listen string `long:"listen" description:"The host:port to serve websocket bridge connections on"`

	ApprovalTimeout time.Duration `long:"approvaltimeout" description:"How long an approval prompt may stay unanswered before it resolves as timed out"`

	EventInterval time.Duration `long:"eventinterval" description:"How often coalesced state-change events are pushed to connected origins"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical, off} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	NetworkName string `long:"network.name" description:"Display name of the active network"`
	ChainID     string `long:"network.chainid" description:"Chain id of the active network"`
	NetworkURL  string `long:"network.url" description:"Node endpoint of the active network"`
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return Config{
		DataDir:         filepath.Join(homeDir, defaultDataDirname),
		Listen:          defaultListenAddr,
		ApprovalTimeout: defaultApprovalTimeout,
		EventInterval:   defaultEventInterval,
		DebugLevel:      defaultLogLevel,
	}
}

// loadConfig parses the command line into a validated Config.
func loadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		if flagErr, ok := err.(*flags.Error); ok &&
			flagErr.Type == flags.ErrHelp {

			os.Exit(0)
		}
		return nil, err
	}

	if cfg.ApprovalTimeout <= 0 {
		return nil, fmt.Errorf("approvaltimeout must be positive")
	}
	if cfg.EventInterval <= 0 {
		return nil, fmt.Errorf("eventinterval must be positive")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %w", err)
	}

	return &cfg, nil
}

// dbPath returns the location of the wallet state database.
func (c *Config) dbPath() string {
	return filepath.Join(c.DataDir, defaultDBFilename)
}
