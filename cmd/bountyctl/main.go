package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"bountyescrow/config"
	"bountyescrow/core"
	"bountyescrow/observability/logging"
)

const defaultConfig = "./config.toml"

type command struct {
	summary string
	run     func(args []string, out io.Writer) error
}

var commands = map[string]command{
	"faucet":  {"credit an address with a registered asset", runFaucet},
	"mint":    {"register a new bounty", runMint},
	"deposit": {"fund a bounty", runDeposit},
	"refund":  {"refund an expired deposit to its funder", runRefund},
	"close":   {"close a bounty using the variant's close operation", runClose},
	"show":    {"print a bounty record as JSON", runShow},
	"events":  {"print journal entries as JSON lines", runEvents},
	"replay":  {"rebuild escrow balances from the journal", runReplay},
	"export":  {"export the journal as csv, jsonl, parquet or sqlite", runExport},
	"token":   {"issue an arbiterd bearer token", runToken},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return fmt.Errorf("command required")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(args[1:], out)
}

func usage(out io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "usage: bountyctl <command> [flags]")
	for _, name := range names {
		fmt.Fprintf(out, "  %-8s %s\n", name, commands[name].summary)
	}
}

// newFlagSet returns a flag set carrying the shared -config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "path to the node config file")
	return fs, configPath
}

func openNode(configPath string) (*core.Node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	opts := core.LogOptions(cfg.Logging)
	opts.Output = os.Stderr
	if strings.TrimSpace(os.Getenv("BOUNTYCTL_VERBOSE")) == "" {
		opts.Level = slog.LevelWarn
	}
	logger := logging.Setup("bountyctl", cfg.Logging.Env, opts)
	return core.NewNode(cfg, logger, nil)
}
