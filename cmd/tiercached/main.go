// tiercached is the cache set daemon's thin entry point: it loads a
// config file (internal/config), attaches the cache set it describes
// into the process-wide registry (internal/registry), and then offers
// a read-only interactive debug shell over the attached set's layout
// and configuration, the way "sloty" offers a REPL over one slotcache
// file. It does not itself drive any block I/O - that lives in
// pkg/pipeline, pkg/bucket and pkg/btree, wired up by whatever caller
// constructs the real device tables; this binary is the operator-facing
// surface spec.md §9 calls the "attach admin command" plus a debug shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"

	"github.com/tierengine/tierengine/internal/config"
	"github.com/tierengine/tierengine/internal/registry"

	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("tiercached", flag.ContinueOnError)
	fs.SetOutput(errOut)

	configPath := fs.StringP("config", "c", "", "path to the cache set's config file (required)")
	name := fs.StringP("name", "n", "", "cache set name to register under (default: config file's base name)")
	noShell := fs.Bool("no-shell", false, "attach and exit instead of opening the debug shell")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		return 1
	}

	if *configPath == "" {
		fmt.Fprintln(errOut, "error: missing -c/--config")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	setName := *name
	if setName == "" {
		setName = strings.TrimSuffix(filepath.Base(*configPath), filepath.Ext(*configPath))
	}

	devices := make([]string, 0, len(cfg.Devices))
	for dev := range cfg.Devices {
		devices = append(devices, dev)
	}

	sort.Strings(devices)

	reg := registry.New()
	if err := reg.Attach(setName, devices, nil); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	defer func() {
		_ = reg.Detach(setName)
	}()

	if *noShell {
		fmt.Fprintf(out, "attached %s (%d devices)\n", setName, len(devices))
		return 0
	}

	sh := &shell{reg: reg, cfg: cfg, configPath: *configPath, out: out, errOut: errOut}

	return sh.run(context.Background())
}

// shell is the interactive, read-only stats REPL. Every command prints
// and returns; nothing here mutates an attached cache set's state.
type shell struct {
	reg        *registry.Registry
	cfg        config.Config
	configPath string
	out        io.Writer
	errOut     io.Writer
	line       *liner.State
}

func (s *shell) run(ctx context.Context) int {
	s.line = liner.NewLiner()
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)
	s.line.SetCompleter(s.completer)

	fmt.Fprintln(s.out, "tiercached debug shell - read-only, type 'help' for commands")

	for {
		input, err := s.line.Prompt("tiercached> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nbye")
				return 0
			}

			fmt.Fprintln(s.errOut, "error:", err)
			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		s.line.AppendHistory(input)

		fields := strings.Fields(input)
		cmd, cmdArgs := fields[0], fields[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Fprintln(s.out, "bye")
			return 0
		case "help", "?":
			s.help()
		case "list":
			s.list()
		case "devices":
			s.devices(cmdArgs)
		case "config":
			s.printConfig()
		default:
			fmt.Fprintf(s.out, "unknown command: %s (type 'help')\n", cmd)
		}
	}
}

func (s *shell) completer(line string) []string {
	commands := []string{"list", "devices", "config", "help", "exit", "quit", "q"}

	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "commands:")
	fmt.Fprintln(s.out, "  list              show attached cache sets")
	fmt.Fprintln(s.out, "  devices [name]    show device list and tiers for a cache set")
	fmt.Fprintln(s.out, "  config            print the resolved engine configuration")
	fmt.Fprintln(s.out, "  help              show this help")
	fmt.Fprintln(s.out, "  exit / quit / q   leave the shell")
}

func (s *shell) list() {
	names := s.reg.List()
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Fprintln(s.out, "(no cache sets attached)")
		return
	}

	for _, n := range names {
		fmt.Fprintln(s.out, n)
	}
}

func (s *shell) devices(args []string) {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	entry, ok := s.reg.Get(name)
	if !ok {
		names := s.reg.List()
		if len(names) != 1 {
			fmt.Fprintf(s.out, "usage: devices <name>, attached: %v\n", names)
			return
		}

		entry, _ = s.reg.Get(names[0])
	}

	if len(entry.Devices) == 0 {
		fmt.Fprintln(s.out, "(no devices configured)")
		return
	}

	for _, dev := range entry.Devices {
		cfg, ok := s.cfg.Devices[dev]
		if !ok {
			fmt.Fprintf(s.out, "%s\n", dev)
			continue
		}

		fmt.Fprintf(s.out, "%s: tier=%d discard=%v\n", dev, cfg.Tier, cfg.Discard)
	}
}

func (s *shell) printConfig() {
	e := s.cfg.Engine
	fmt.Fprintf(s.out, "config_file=%s\n", s.configPath)
	fmt.Fprintf(s.out, "cache_mode=%s\n", e.CacheMode)
	fmt.Fprintf(s.out, "sequential_cutoff=%d\n", e.SequentialCutoff)
	fmt.Fprintf(s.out, "writeback_percent=%d\n", e.WritebackPercent)
	fmt.Fprintf(s.out, "tiering_enabled=%v\n", e.TieringEnabled != nil && *e.TieringEnabled)
	fmt.Fprintf(s.out, "tiering_percent=%d\n", e.TieringPercent)
	fmt.Fprintf(s.out, "cache_replacement_policy=%s\n", e.CacheReplacementPolicy)
}
