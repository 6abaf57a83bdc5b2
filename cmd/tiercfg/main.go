// tiercfg reads and edits a cache set's on-disk configuration (spec.md
// §6), the way "tk print-config" reports the ticket tool's resolved
// config, but with get/set/show subcommands since this config has many
// more keys than a single ticket_dir.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tierengine/tierengine/internal/cli"
	"github.com/tierengine/tierengine/internal/config"

	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	commands := []*cli.Command{
		showCmd(),
		getCmd(),
		setCmd(),
		validateCmd(),
	}

	commandMap := make(map[string]*cli.Command, len(commands))
	for _, c := range commands {
		commandMap[c.Name()] = c
	}

	io := cli.NewIO(out, errOut)

	if len(args) < 2 {
		printUsage(io, commands)
		return 1
	}

	cmd, ok := commandMap[args[1]]
	if !ok {
		io.ErrPrintln("error: unknown command:", args[1])
		printUsage(io, commands)

		return 1
	}

	exitCode := cmd.Run(context.Background(), io, args[2:])
	if exitCode != 0 {
		return exitCode
	}

	return io.Finish()
}

func printUsage(io *cli.IO, commands []*cli.Command) {
	io.Println("tiercfg - inspect and edit a cache set's configuration")
	io.Println()
	io.Println("Usage: tiercfg <command> [flags] <config-file>")
	io.Println()
	io.Println("Commands:")

	for _, c := range commands {
		io.Println(c.HelpLine())
	}
}

func configPathFlag(fs *flag.FlagSet) *string {
	return fs.StringP("config", "c", "", "path to the cache set's config file (required)")
}

func requireConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("missing -c/--config")
	}

	return nil
}

func showCmd() *cli.Command {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	path := configPathFlag(fs)

	return &cli.Command{
		Flags: fs,
		Usage: "show -c <config-file>",
		Short: "Print the resolved configuration as key=value lines",
		Exec: func(_ context.Context, io *cli.IO, _ []string) error {
			if err := requireConfigPath(*path); err != nil {
				return err
			}

			cfg, err := config.Load(*path)
			if err != nil {
				return err
			}

			printConfig(io, cfg)

			return nil
		},
	}
}

func printConfig(io *cli.IO, cfg config.Config) {
	io.Println("# engine")
	io.Printf("cache_mode=%s\n", cfg.Engine.CacheMode)
	io.Printf("sequential_cutoff=%d\n", cfg.Engine.SequentialCutoff)
	io.Printf("readahead=%d\n", cfg.Engine.Readahead)
	io.Printf("writeback_percent=%d\n", cfg.Engine.WritebackPercent)
	io.Printf("writeback_running=%v\n", boolVal(cfg.Engine.WritebackRunning))
	io.Printf("congested_read_threshold_us=%d\n", cfg.Engine.CongestedReadThresholdUs)
	io.Printf("congested_write_threshold_us=%d\n", cfg.Engine.CongestedWriteThresholdUs)
	io.Printf("io_error_limit=%d\n", cfg.Engine.IOErrorLimit)
	io.Printf("io_error_halflife=%d\n", cfg.Engine.IOErrorHalflife)
	io.Printf("tiering_enabled=%v\n", boolVal(cfg.Engine.TieringEnabled))
	io.Printf("tiering_percent=%d\n", cfg.Engine.TieringPercent)
	io.Printf("copy_gc_enabled=%v\n", boolVal(cfg.Engine.CopyGCEnabled))
	io.Printf("cache_replacement_policy=%s\n", cfg.Engine.CacheReplacementPolicy)

	if len(cfg.Devices) == 0 {
		return
	}

	io.Println()
	io.Println("# devices")

	for name, dev := range cfg.Devices {
		io.Printf("%s: tier=%d discard=%v\n", name, dev.Tier, dev.Discard)
	}
}

func boolVal(b *bool) bool {
	return b != nil && *b
}

func getCmd() *cli.Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	path := configPathFlag(fs)

	return &cli.Command{
		Flags: fs,
		Usage: "get -c <config-file> <key>",
		Short: "Print a single engine-level key",
		Exec: func(_ context.Context, io *cli.IO, args []string) error {
			if err := requireConfigPath(*path); err != nil {
				return err
			}

			if len(args) != 1 {
				return fmt.Errorf("usage: tiercfg get -c <config-file> <key>")
			}

			cfg, err := config.Load(*path)
			if err != nil {
				return err
			}

			val, err := engineKeyString(cfg, args[0])
			if err != nil {
				return err
			}

			io.Println(val)

			return nil
		},
	}
}

func setCmd() *cli.Command {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	path := configPathFlag(fs)

	return &cli.Command{
		Flags: fs,
		Usage: "set -c <config-file> <key> <value>",
		Short: "Set a single engine-level key and save",
		Exec: func(_ context.Context, io *cli.IO, args []string) error {
			if err := requireConfigPath(*path); err != nil {
				return err
			}

			if len(args) != 2 {
				return fmt.Errorf("usage: tiercfg set -c <config-file> <key> <value>")
			}

			cfg, err := config.Load(*path)
			if err != nil {
				return err
			}

			if err := setEngineKey(&cfg, args[0], args[1]); err != nil {
				return err
			}

			if err := config.Validate(cfg); err != nil {
				return err
			}

			if err := config.Save(*path, cfg); err != nil {
				return err
			}

			io.Printf("%s=%s\n", args[0], args[1])

			return nil
		},
	}
}

func validateCmd() *cli.Command {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := configPathFlag(fs)

	return &cli.Command{
		Flags: fs,
		Usage: "validate -c <config-file>",
		Short: "Load and validate a config file without printing it",
		Exec: func(_ context.Context, io *cli.IO, _ []string) error {
			if err := requireConfigPath(*path); err != nil {
				return err
			}

			if _, err := config.Load(*path); err != nil {
				return err
			}

			io.Println("ok")

			return nil
		},
	}
}

// engineKeyString returns one engine key's textual value, matching the
// field names printConfig uses.
func engineKeyString(cfg config.Config, key string) (string, error) {
	e := cfg.Engine

	switch key {
	case "cache_mode":
		return string(e.CacheMode), nil
	case "sequential_cutoff":
		return strconv.FormatUint(e.SequentialCutoff, 10), nil
	case "readahead":
		return strconv.FormatUint(uint64(e.Readahead), 10), nil
	case "writeback_percent":
		return strconv.Itoa(e.WritebackPercent), nil
	case "writeback_running":
		return strconv.FormatBool(boolVal(e.WritebackRunning)), nil
	case "congested_read_threshold_us":
		return strconv.FormatUint(e.CongestedReadThresholdUs, 10), nil
	case "congested_write_threshold_us":
		return strconv.FormatUint(e.CongestedWriteThresholdUs, 10), nil
	case "io_error_limit":
		return strconv.FormatUint(uint64(e.IOErrorLimit), 10), nil
	case "io_error_halflife":
		return strconv.FormatUint(uint64(e.IOErrorHalflife), 10), nil
	case "tiering_enabled":
		return strconv.FormatBool(boolVal(e.TieringEnabled)), nil
	case "tiering_percent":
		return strconv.Itoa(e.TieringPercent), nil
	case "copy_gc_enabled":
		return strconv.FormatBool(boolVal(e.CopyGCEnabled)), nil
	case "cache_replacement_policy":
		return string(e.CacheReplacementPolicy), nil
	default:
		return "", fmt.Errorf("tiercfg: unknown key %q", key)
	}
}

// setEngineKey parses value and assigns it into cfg's engine key named
// key. Unknown keys and parse failures are returned as errors rather
// than silently ignored, matching tiercfg's fail-closed editing model.
func setEngineKey(cfg *config.Config, key, value string) error {
	e := &cfg.Engine

	switch key {
	case "cache_mode":
		e.CacheMode = config.CacheMode(value)
	case "sequential_cutoff":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}

		e.SequentialCutoff = v
	case "readahead":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}

		e.Readahead = uint32(v)
	case "writeback_percent":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}

		e.WritebackPercent = v
	case "writeback_running":
		v, err := parseBool(value)
		if err != nil {
			return err
		}

		e.WritebackRunning = &v
	case "congested_read_threshold_us":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}

		e.CongestedReadThresholdUs = v
	case "congested_write_threshold_us":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}

		e.CongestedWriteThresholdUs = v
	case "io_error_limit":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}

		e.IOErrorLimit = uint32(v)
	case "io_error_halflife":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}

		e.IOErrorHalflife = uint32(v)
	case "tiering_enabled":
		v, err := parseBool(value)
		if err != nil {
			return err
		}

		e.TieringEnabled = &v
	case "tiering_percent":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}

		e.TieringPercent = v
	case "copy_gc_enabled":
		v, err := parseBool(value)
		if err != nil {
			return err
		}

		e.CopyGCEnabled = &v
	case "cache_replacement_policy":
		e.CacheReplacementPolicy = config.ReplacementPolicy(value)
	default:
		return fmt.Errorf("tiercfg: unknown key %q", key)
	}

	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1", "on":
		return true, nil
	case "false", "no", "n", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("tiercfg: %q is not a boolean", s)
	}
}
