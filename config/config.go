// Package config defines the on-disk/command-line configuration shape for
// this module's three daemons (takerd, makerd, directoryd), following the
// struct-tag-driven jessevdk/go-flags idiom: an INI file supplies defaults,
// command-line flags of the same name override it.
package config

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "teleport.conf"
	defaultDirectoryPort  = "8090"
	defaultMakerPort      = "9735"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "teleport.log"
)

func defaultDataDir() string {
	return filepath.Join(defaultHomeDir(), defaultDataDirname)
}

func defaultLogDir() string {
	return filepath.Join(defaultHomeDir(), defaultLogDirname)
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".teleport")
}

// Common holds the settings shared by every daemon in this module: where it
// keeps its data, how it logs, and which network it talks to.
type Common struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to a configuration file"`

	DataDir    string `long:"datadir" description:"Directory to store the swap ledger and chain-sync state"`
	LogDir     string `long:"logdir" description:"Directory to write log files"`
	Network    string `long:"network" description:"Bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems"`
}

func defaultCommon() Common {
	return Common{
		DataDir:    defaultDataDir(),
		LogDir:     defaultLogDir(),
		Network:    "mainnet",
		DebugLevel: "info",
	}
}

// TakerConfig is takerd's full configuration.
type TakerConfig struct {
	Common

	DirectoryAddress string `long:"directory" description:"Base URL of the directory server to pull Maker addresses from"`

	BaseLocktime         int64         `long:"baselocktime" description:"Locktime, in blocks, of the first hop's contract"`
	MinContractReactTime int64         `long:"mincontractreacttime" description:"Minimum blocks a party needs to react to an about-to-expire contract"`
	RequiredConfs        uint32        `long:"requiredconfs" description:"Confirmations required before treating a funding tx as final"`
	StepDeadline         time.Duration `long:"stepdeadline" description:"Timeout for each request/response step of a swap"`

	SendAmount btcutil.Amount `long:"amount" description:"Amount, in satoshis, to swap out in a one-shot swap run"`
	Hops       int            `long:"hops" description:"Number of Makers to route a one-shot swap through"`
}

// DefaultTakerConfig returns takerd's defaults, ready to be overridden by an
// INI file and then by command-line flags.
func DefaultTakerConfig() TakerConfig {
	return TakerConfig{
		Common:               defaultCommon(),
		DirectoryAddress:     "http://localhost:" + defaultDirectoryPort,
		BaseLocktime:         144,
		MinContractReactTime: 20,
		RequiredConfs:        1,
		StepDeadline:         5 * time.Minute,
		Hops:                 1,
	}
}

// MakerConfig is makerd's full configuration.
type MakerConfig struct {
	Common

	DirectoryAddress string `long:"directory" description:"Base URL of the directory server to advertise this Maker's address to"`
	ListenAddress    string `long:"listen" description:"Address to accept Taker/Maker coinswap connections on"`
	MaxWorkers       int    `long:"maxworkers" description:"Maximum number of concurrent swap sessions"`

	MinSize      btcutil.Amount `long:"minsize" description:"Minimum swap size this Maker will accept, in satoshis"`
	MaxSize      btcutil.Amount `long:"maxsize" description:"Maximum swap size this Maker will accept, in satoshis"`
	BaseFee      btcutil.Amount `long:"basefee" description:"Flat fee charged per hop, in satoshis"`
	AmountFeePPB int64          `long:"amountfeeppb" description:"Fee rate on swap amount, in parts per billion"`
	TimeFeePPB   int64          `long:"timefeeppb" description:"Fee rate on locktime, in parts per billion"`

	MinLocktime   int64         `long:"minlocktime" description:"Minimum locktime, in blocks, this Maker will accept on an incoming hop"`
	RequiredConfs uint32        `long:"requiredconfs" description:"Confirmations required before treating a funding tx as final"`
	MinVersion    uint32        `long:"minversion" description:"Minimum protocol version this Maker will serve"`
	MaxVersion    uint32        `long:"maxversion" description:"Maximum protocol version this Maker will serve"`
	StepDeadline  time.Duration `long:"stepdeadline" description:"Timeout for each request/response step of a swap"`

	FidelityBondFile string `long:"fidelitybondfile" description:"Path to this Maker's fidelity bond proof"`
}

// DefaultMakerConfig returns makerd's defaults.
func DefaultMakerConfig() MakerConfig {
	return MakerConfig{
		Common:            defaultCommon(),
		DirectoryAddress:  "http://localhost:" + defaultDirectoryPort,
		ListenAddress:     ":" + defaultMakerPort,
		MaxWorkers:        16,
		MinSize:           10_000,
		MaxSize:           10_000_000,
		BaseFee:           500,
		AmountFeePPB:      1_000_000,
		TimeFeePPB:        1_000,
		MinLocktime:       10,
		RequiredConfs:     1,
		MinVersion:        1,
		MaxVersion:        1,
		StepDeadline:      5 * time.Minute,
	}
}

// DirectoryConfig is directoryd's full configuration.
type DirectoryConfig struct {
	Common

	ListenAddress string `long:"listen" description:"Address to serve the directory HTTP API on"`
}

// DefaultDirectoryConfig returns directoryd's defaults.
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		Common:        defaultCommon(),
		ListenAddress: ":" + defaultDirectoryPort,
	}
}

// LoadTaker parses args (typically os.Args[1:]) into a TakerConfig,
// applying an INI config file (teleport.conf in the default home
// directory if present, or the file named by -C) before command-line
// flags, so flags always win.
func LoadTaker(args []string) (*TakerConfig, error) {
	cfg := DefaultTakerConfig()
	if err := loadInto(&cfg, args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadMaker parses args into a MakerConfig.
func LoadMaker(args []string) (*MakerConfig, error) {
	cfg := DefaultMakerConfig()
	if err := loadInto(&cfg, args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDirectory parses args into a DirectoryConfig.
func LoadDirectory(args []string) (*DirectoryConfig, error) {
	cfg := DefaultDirectoryConfig()
	if err := loadInto(&cfg, args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// configFile is promoted onto every *XConfig via its embedded Common.
func (c Common) configFile() string { return c.ConfigFile }

// loadInto runs a first flags pass (with flags.IgnoreUnknown, so it stops
// on no flag it doesn't recognize) purely to read -C/--configfile, applies the
// INI file it names (or the default path, if that file exists) over cfg's
// defaults, then re-parses args over the result so explicit flags always
// take precedence over the file.
func loadInto(cfg interface{ configFile() string }, args []string) error {
	preParser := flags.NewParser(cfg, flags.Default|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return err
	}

	configPath := cfg.configFile()
	if configPath == "" {
		configPath = filepath.Join(defaultHomeDir(), defaultConfigFilename)
	}

	if _, err := os.Stat(configPath); err == nil {
		iniParser := flags.NewIniParser(flags.NewParser(cfg, flags.Default))
		if err := iniParser.ParseFile(configPath); err != nil {
			return err
		}
	}

	parser := flags.NewParser(cfg, flags.Default)
	_, err := parser.ParseArgs(args)
	return err
}

// ResolveListener normalizes a single listen address for one of this
// module's daemons into a dialable net.Addr.
func ResolveListener(addr, defaultPort string) (net.Addr, error) {
	return ParseAddressString(addr, defaultPort, net.ResolveTCPAddr)
}

// LogFilePath returns the path a daemon should open (and hand to
// build.LogWriter.InitLogRotator) for its rotated log file, given its LogDir.
func LogFilePath(logDir string) string {
	return filepath.Join(logDir, defaultLogFilename)
}
