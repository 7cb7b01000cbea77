package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/czh0526/walletcore/internal/cfgutil"
	"github.com/czh0526/walletcore/netparams"
	"github.com/czh0526/walletcore/securestore"
	"github.com/czh0526/walletcore/swaps"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "walletcore.conf"
	defaultDBFilename     = "walletcore.db"
	defaultLogFilename    = "walletcore.log"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultDBTimeout      = 60 * time.Second
)

var (
	defaultAppDataDir = btcutil.AppDataDir("walletcore", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
)

type config struct {
	ConfigFile     string        `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir     string        `short:"A" long:"appdata" description:"Application data directory for the database and logs"`
	TestNet3       bool          `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	Regtest        bool          `long:"regtest" description:"Use the regression test network (default mainnet)"`
	DebugLevel     string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	LogDir         string        `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int           `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int           `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DBTimeout      time.Duration `long:"dbtimeout" description:"The timeout value to use when opening the database."`

	// Secure storage options
	HardwareKeystore bool   `long:"hardwarekeystore" description:"Write secure storage values in the hardware keystore format"`
	StoragePass      string `long:"storagepass" default-mask:"-" description:"Passphrase unlocking the software keystore"`
	AuditTrailSize   int    `long:"audittrailsize" description:"Number of secure storage operations kept in the audit trail"`
	KeyCacheSize     uint64 `long:"keycachesize" description:"Number of unwrapped keystore keys kept in memory"`

	// RPC server options
	RPCListeners  []string `long:"rpclisten" description:"Listen for RPC connections on this interface/port (default port: 8432, testnet: 18432, regtest: 28432)"`
	DustThreshold int64    `long:"dustthreshold" description:"Smallest change output in satoshis a withdrawal may create"`
}

// coreConfig is the validated configuration handed to every component.
type coreConfig struct {
	params         *netparams.Params
	dbPath         string
	dbTimeout      time.Duration
	logFile        string
	maxLogFiles    int
	maxLogFileSize int
	storageMode    securestore.Mode
	storagePass    []byte
	auditTrailSize int
	keyCacheSize   uint64
	rpcListeners   []string
	dustThreshold  btcutil.Amount
}

// networkDir returns the directory name of a network directory to hold
// the database for the network.
func networkDir(dataDir string, params *netparams.Params) string {
	return filepath.Join(dataDir, params.Network.String())
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// parseAndSetDebugLevels attempts to parse the specified debug level and
// set the levels accordingly. An appropriate error is returned if anything
// is invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level contains an "+
				"invalid subsystem/level pair [%v]", logLevelPair)
		}

		subsysID, logLevel := fields[0], fields[1]
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid", subsysID)
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(args []string) (*coreConfig, error) {
	cfg := config{
		ConfigFile:     defaultConfigFile,
		AppDataDir:     defaultAppDataDir,
		DebugLevel:     defaultLogLevel,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DBTimeout:      defaultDBTimeout,
		AuditTrailSize: securestore.DefaultAuditTrailSize,
		KeyCacheSize:   securestore.DefaultKeyCacheSize,
		DustThreshold:  int64(swaps.DustThreshold),
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}

	// When only the data directory moved, the config file moves with it.
	explicitConfig := preCfg.ConfigFile != defaultConfigFile
	if !explicitConfig && preCfg.AppDataDir != defaultAppDataDir {
		preCfg.ConfigFile = filepath.Join(
			preCfg.AppDataDir, defaultConfigFilename,
		)
	}

	parser := flags.NewParser(&cfg, flags.HelpFlag)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	exists, err := cfgutil.FileExists(configFile)
	if err != nil {
		return nil, err
	}
	if exists {
		err := flags.NewIniParser(parser).ParseFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w",
				configFile, err)
		}
	} else if explicitConfig {
		return nil, fmt.Errorf("config file %s does not exist",
			configFile)
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	return validateConfig(&cfg)
}

// validateConfig checks the parsed options and turns them into a
// coreConfig.
func validateConfig(cfg *config) (*coreConfig, error) {
	if cfg.TestNet3 && cfg.Regtest {
		return nil, errors.New("the testnet and regtest params can't " +
			"be used together -- choose one of the two")
	}

	params := &netparams.MainNetParams
	switch {
	case cfg.TestNet3:
		params = &netparams.TestNetParams
	case cfg.Regtest:
		params = &netparams.RegtestParams
	}

	if cfg.DustThreshold < 0 {
		return nil, fmt.Errorf("dust threshold must not be negative, "+
			"got %d", cfg.DustThreshold)
	}
	if cfg.AuditTrailSize <= 0 {
		return nil, fmt.Errorf("audit trail size must be positive, "+
			"got %d", cfg.AuditTrailSize)
	}
	if cfg.StoragePass == "" {
		return nil, errors.New("a storage passphrase is required " +
			"(--storagepass)")
	}

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	appDataDir := cleanAndExpandPath(cfg.AppDataDir)
	netDir := networkDir(appDataDir, params)

	logDir := filepath.Join(appDataDir, defaultLogDirname)
	if cfg.LogDir != "" {
		logDir = cleanAndExpandPath(cfg.LogDir)
	}

	listeners, err := normalizeAddresses(
		cfg.RPCListeners, params.RPCServerPort,
	)
	if err != nil {
		return nil, err
	}

	return &coreConfig{
		params:    params,
		dbPath:    filepath.Join(netDir, defaultDBFilename),
		dbTimeout: cfg.DBTimeout,
		logFile: filepath.Join(
			logDir, params.Network.String(), defaultLogFilename,
		),
		maxLogFiles:    cfg.MaxLogFiles,
		maxLogFileSize: cfg.MaxLogFileSize,
		storageMode:    securestore.SelectMode(cfg.HardwareKeystore),
		storagePass:    []byte(cfg.StoragePass),
		auditTrailSize: cfg.AuditTrailSize,
		keyCacheSize:   cfg.KeyCacheSize,
		rpcListeners:   listeners,
		dustThreshold:  btcutil.Amount(cfg.DustThreshold),
	}, nil
}

// normalizeAddresses returns addrs with the default port added to any
// address missing one. Without addresses the service listens on localhost.
func normalizeAddresses(addrs []string, defaultPort string) ([]string,
	error) {

	if len(addrs) == 0 {
		addrs = []string{"localhost"}
	}

	normalized := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, defaultPort)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid rpc listener %q: %w",
				addr, err)
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		normalized = append(normalized, addr)
	}

	return normalized, nil
}
