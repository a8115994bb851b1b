// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"golang.org/x/time/rate"
	"kevacoin.org/kvaelectrum/client/asset/kva"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
	"kevacoin.org/kvaelectrum/client/asset/kvdb"
	"kevacoin.org/kvaelectrum/dex"
	"kevacoin.org/kvaelectrum/dex/config"
)

const (
	defaultLogLevel    = "info"
	configFilename     = "kvawallet.conf"
	walletsDirname     = "wallets"
	dbTypeBadger       = "badger"
	dbTypeBolt         = "bolt"
	defaultConnectWait = 30
)

var (
	defaultApplicationDirectory = btcutil.AppDataDir("kvawallet", false)
	defaultConfigPath           = filepath.Join(defaultApplicationDirectory, configFilename)
)

// ServerConfig encapsulates the Electrum server settings.
type ServerConfig struct {
	Server         string        `long:"server" description:"Preferred Electrum server as host:port, optionally suffixed with :s (TLS, default) or :t (plain TCP)."`
	TorProxy       string        `long:"torproxy" description:"Connect via TOR (eg. 127.0.0.1:9050)."`
	ConnectTimeout time.Duration `long:"connecttimeout" description:"Timeout for dialing and the version handshake."`
	ConnectTries   int           `long:"connecttries" description:"Number of connection polls before giving up."`
	SequentialRate float64       `long:"seqrate" description:"Requests per second sent to a server that does not accept batched requests."`
	Genesis        string        `long:"genesis" description:"Genesis block hash expected from servers. Servers on another chain are rejected."`
}

// WalletSettings are the non-secret settings of the active wallet. Seeds and
// private keys are never read from the config file.
type WalletSettings struct {
	WalletID string         `long:"wallet" description:"Wallet name. Defaults to the wallet kind."`
	Kind     kva.WalletKind `long:"kind" description:"Wallet kind {legacy, segwitP2SH, segwitBech32, HDlegacyP2PKH, HDsegwitP2SH, HDsegwitBech32}"`
	XPub     string         `long:"xpub" description:"Account extended public key (xpub, ypub or zpub) for a watch-only HD wallet."`
	GapLimit uint32         `long:"gaplimit" description:"Number of unused addresses scanned past the last used one."`
}

// LogConfig encapsulates the logging-related settings.
type LogConfig struct {
	LogPath    string `long:"logpath" description:"A file to save app logs"`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, optionally per subsystem, e.g. info,SESS=debug"`
	LogStdout  bool   `long:"logstdout" description:"Also write logs to stdout."`
}

// Config is the application configuration.
type Config struct {
	ServerConfig
	WalletSettings
	LogConfig
	// AppData and ConfigPath should be parsed from the command-line,
	// as it makes no sense to set these in the config file itself. If no values
	// are assigned, defaults will be used.
	AppData    string `long:"appdata" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`
	DBPath     string `long:"db" description:"Database path. Database will be created if it does not exist."`
	DBType     string `long:"dbtype" choice:"badger" choice:"bolt" description:"Database backend."`
	Testnet    bool   `long:"testnet" description:"use testnet"`
	Regtest    bool   `long:"regtest" description:"use regtest"`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit"`
	// Net is a derivative field set by ResolveConfig.
	Net dex.Network
}

// DefaultConfig is the starting point for parsing.
var DefaultConfig = Config{
	AppData:    defaultApplicationDirectory,
	ConfigPath: defaultConfigPath,
	DBType:     dbTypeBadger,
	LogConfig:  LogConfig{DebugLevel: defaultLogLevel},
	ServerConfig: ServerConfig{
		ConnectTries: defaultConnectWait,
	},
}

// ParseCLIConfig parses the command-line arguments into the provided struct
// with go-flags tags. If the --help flag has been passed, the struct is
// described back to the terminal and the program exits using os.Exit. Any
// positional arguments are returned.
func ParseCLIConfig(cfg any) ([]string, error) {
	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	args, flagerr := preParser.Parse()

	if flagerr != nil {
		e, ok := flagerr.(*flags.Error)
		if !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		if ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return nil, flagerr
	}
	return args, nil
}

// ResolveCLIConfigPaths resolves the app data directory path and the
// configuration file path from the CLI config, (presumably parsed with
// ParseCLIConfig).
func ResolveCLIConfigPaths(cfg *Config) (appData, configPath string) {
	// If the app directory has been changed, replace shortcut chars such
	// as "~" with the full path.
	if cfg.AppData != defaultApplicationDirectory {
		cfg.AppData = expandPath(cfg.AppData, "")
		// If the app directory has been changed, but the config file path hasn't,
		// reform the config file path with the new directory.
		if cfg.ConfigPath == defaultConfigPath {
			cfg.ConfigPath = filepath.Join(cfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = expandPath(cfg.ConfigPath, "")
	return cfg.AppData, cfg.ConfigPath
}

// ParseFileConfig parses the INI file into the provided struct with go-flags
// tags. The CLI args are then parsed, and take precedence over the file values.
func ParseFileConfig(path string, cfg any) ([]string, error) {
	parser := flags.NewParser(cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(path)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
		// Missing file is not an error.
	}

	// Parse command line options again to ensure they take precedence.
	args, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}
	return args, nil
}

// ResolveConfig sets derivative fields of the Config struct using the specified
// app data directory (presumably returned from ResolveCLIConfigPaths). Some
// unset values are given defaults.
func ResolveConfig(appData string, cfg *Config) error {
	if cfg.Regtest && cfg.Testnet {
		return fmt.Errorf("regtest and testnet cannot both be specified")
	}
	if cfg.SequentialRate < 0 {
		return fmt.Errorf("negative sequential request rate %f", cfg.SequentialRate)
	}

	cfg.AppData = appData
	switch {
	case cfg.Testnet:
		cfg.Net = dex.Testnet
	case cfg.Regtest:
		cfg.Net = dex.Regtest
	default:
		cfg.Net = dex.Mainnet
	}
	netDir := NetDirectory(appData, cfg.Net)

	if cfg.DBType == "" {
		cfg.DBType = dbTypeBadger
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(netDir, "kvawallet."+cfg.DBType)
	}
	cfg.DBPath = expandPath(cfg.DBPath, netDir)
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(netDir, "logs", "kvawallet.log")
	}
	cfg.LogPath = expandPath(cfg.LogPath, netDir)
	if cfg.ConnectTries <= 0 {
		cfg.ConnectTries = defaultConnectWait
	}
	return nil
}

// NetDirectory is the network specific data directory.
func NetDirectory(appData string, net dex.Network) string {
	return filepath.Join(appData, net.String())
}

// Peer is the configured preferred server, nil when none is configured.
func (cfg *Config) Peer() (*electrum.Peer, error) {
	if cfg.Server == "" {
		return nil, nil
	}
	return electrum.ParsePeer(cfg.Server)
}

// Session creates the electrum session configuration.
func (cfg *Config) Session(log dex.Logger) (*electrum.SessionConfig, error) {
	peer, err := cfg.Peer()
	if err != nil {
		return nil, err
	}
	return &electrum.SessionConfig{
		PreferredPeer:  peer,
		TorProxy:       cfg.TorProxy,
		Genesis:        cfg.Genesis,
		Logger:         log,
		ConnectTimeout: cfg.ConnectTimeout,
	}, nil
}

// Engine creates the wallet engine configuration.
func (cfg *Config) Engine(conn kva.Connection, db kvdb.KeyValueDB, log dex.Logger) *kva.EngineConfig {
	return &kva.EngineConfig{
		Net:            cfg.Net,
		Conn:           conn,
		DB:             db,
		Logger:         log,
		SequentialRate: rate.Limit(cfg.SequentialRate),
	}
}

// OpenDB opens the configured database backend.
func (cfg *Config) OpenDB(log dex.Logger) (kvdb.KeyValueDB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	switch cfg.DBType {
	case dbTypeBolt:
		return kvdb.NewBoltDB(cfg.DBPath)
	case dbTypeBadger:
		return kvdb.NewFileDB(cfg.DBPath, log)
	}
	return nil, fmt.Errorf("unknown database type %q", cfg.DBType)
}

// walletFile is the stored form of WalletSettings.
type walletFile struct {
	Kind     string `ini:"kind"`
	XPub     string `ini:"xpub"`
	GapLimit int    `ini:"gaplimit"`
}

// WalletSettingsPath is the path of the stored settings of the named wallet.
func WalletSettingsPath(appData string, net dex.Network, id string) string {
	return filepath.Join(NetDirectory(appData, net), walletsDirname, id+".conf")
}

// SaveWalletSettings stores the wallet settings as an INI file.
func SaveWalletSettings(path string, ws *WalletSettings) error {
	settings, err := config.Mapify(&walletFile{
		Kind:     ws.Kind.String(),
		XPub:     ws.XPub,
		GapLimit: int(ws.GapLimit),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, config.OptionsMapToINIData(settings), 0600)
}

// LoadWalletSettings reads settings stored by SaveWalletSettings. The id is
// taken from the file name.
func LoadWalletSettings(path string) (*WalletSettings, error) {
	settings, err := config.Options(path)
	if err != nil {
		return nil, err
	}
	var wf walletFile
	if err := config.Unmapify(settings, &wf); err != nil {
		return nil, err
	}
	kind, err := kva.ParseWalletKind(wf.Kind)
	if err != nil {
		return nil, err
	}
	if wf.GapLimit < 0 {
		return nil, fmt.Errorf("negative gap limit %d", wf.GapLimit)
	}
	name := filepath.Base(path)
	return &WalletSettings{
		WalletID: name[:len(name)-len(filepath.Ext(name))],
		Kind:     kind,
		XPub:     wf.XPub,
		GapLimit: uint32(wf.GapLimit),
	}, nil
}
