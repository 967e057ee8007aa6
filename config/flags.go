package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Flags holds parsed command-line flags. Settings are kept as raw values
// in command-line order and applied on top of the config file.
type Flags struct {
	Help    bool
	Version bool
	Config  string

	// Args are the positional arguments.
	Args []string

	overrides []override
}

type override struct {
	opt   *option
	value string
}

// Network returns the network selected on the command line, if any.
func (f *Flags) Network() string { return f.last("network") }

// DataDir returns the data directory given on the command line, if any.
func (f *Flags) DataDir() string { return f.last("datadir") }

func (f *Flags) last(key string) string {
	for i := len(f.overrides) - 1; i >= 0; i-- {
		if f.overrides[i].opt.key == key {
			return f.overrides[i].value
		}
	}
	return ""
}

// ParseFlags parses os.Args, exiting on malformed input.
func ParseFlags() *Flags {
	f, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlags(args []string, stderr io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("peerbloomd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }

	fs.BoolVar(&f.Help, "help", false, "")
	fs.BoolVar(&f.Help, "h", false, "")
	fs.BoolVar(&f.Version, "version", false, "")
	fs.BoolVar(&f.Version, "v", false, "")
	fs.StringVar(&f.Config, "config", "", "")
	fs.StringVar(&f.Config, "c", "", "")

	for i := range options {
		o := &options[i]
		if o.flag == "" {
			continue
		}
		record := func(v string) error {
			// Reject bad values while parsing, before anything is loaded.
			var scratch Config
			if err := o.set(&scratch, v); err != nil {
				return err
			}
			f.overrides = append(f.overrides, override{opt: o, value: v})
			return nil
		}
		if o.boolean {
			fs.BoolFunc(o.flag, o.usage, record)
		} else {
			fs.Func(o.flag, o.usage, record)
		}
	}
	network, _ := fileOption("network")
	fs.BoolFunc("testnet", "Shorthand for --network=testnet", func(v string) error {
		on, err := parseBool(v)
		if on {
			f.overrides = append(f.overrides, override{opt: network, value: string(Testnet)})
		}
		return err
	})

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.Args = fs.Args()

	// A positional argument stops the parser, so anything flag-like after
	// it would be silently dropped.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line settings to cfg in the order given.
func ApplyFlags(cfg *Config, f *Flags) error {
	for _, ov := range f.overrides {
		if err := ov.opt.set(cfg, ov.value); err != nil {
			return fmt.Errorf("--%s: %w", ov.opt.flag, err)
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Peerbloom - peer-to-peer node: wire protocol, discovery and block sync

Usage:
  peerbloomd [options]

  --help, -h      Show this help message
  --version, -v   Show version information
  --config, -c    Config file path (default: <datadir>/peerbloom.conf)
  --testnet       Shorthand for --network=testnet
`)
	section := ""
	for _, o := range options {
		if o.flag == "" {
			continue
		}
		if o.section != section {
			section = o.section
			fmt.Fprintf(w, "\n%s Options:\n", section)
		}
		fmt.Fprintf(w, "  --%-14s %s\n", o.flag, o.usage)
	}
	fmt.Fprint(w, `
Examples:
  # Start mainnet node
  peerbloomd

  # Start testnet node with a seed
  peerbloomd --testnet --seeds=/ip4/203.0.113.1/tcp/30304
`)
}

// Version is the daemon version string.
const Version = "0.1.0"

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("peerbloomd version " + Version)
		os.Exit(0)
	}

	cfg, err := LoadWith(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// LoadWith builds the configuration from defaults, the config file and
// already-parsed flags.
func LoadWith(flags *Flags) (*Config, error) {
	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network()) == string(Testnet) {
		network = Testnet
	}

	cfg := Default(network)
	if dir := flags.DataDir(); dir != "" {
		cfg.DataDir = dir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Flags have the highest precedence.
	if err := ApplyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.BlocksDir(),
		cfg.PeersDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
