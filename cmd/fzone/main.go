// fzone is a node of a replicated content-addressed object store. It
// stores objects in a local repository, serves them to peers over SSH
// and pulls the channels it follows from peers.
//
// Usage:
//
//	fzone [--repo DIR] <command> [flags] [args]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/systemshift/fzone/internal/config"
	"github.com/systemshift/fzone/internal/dag"
)

type command struct {
	summary string
	run     func(env *env, args []string) error
}

var commands = map[string]command{
	"init":          {"create a repository, identity and keys", runInit},
	"add":           {"add encoded message files to the store", runAdd},
	"put":           {"store stdin as the body of a new message", runPut},
	"publish":       {"sign stdin as an entry of your channel", runPublish},
	"show":          {"print an object in CBOR diagnostic notation", runShow},
	"stat":          {"show where an object is in its lifecycle", runStat},
	"channels":      {"list known channels and their heads", runChannels},
	"subscribe":     {"follow channels so pulls ask peers for them", runSubscribe},
	"index-pending": {"index objects left unindexed by an interrupted run", runIndexPending},
	"serve":         {"serve the repository to peers and pull periodically", runServe},
	"pull":          {"run one synchronization pass against peers", runPull},
	"mount":         {"mount a read-only view of the repository", runMount},
}

// env is the state shared by every command.
type env struct {
	root   string
	cfg    *config.Config
	log    *logrus.Logger
	ctx    context.Context
	stdout *os.File
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fzone: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var root string
	flagSet := pflag.NewFlagSet("fzone", pflag.ContinueOnError)
	flagSet.StringVar(&root, "repo", envOr("FZONE_REPO", "."), "repository directory")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		printUsage(flagSet)
		return fmt.Errorf("no command")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.LoadOrDefault(root)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = cmd.run(&env{root: root, cfg: cfg, log: logger, ctx: ctx, stdout: os.Stdout}, args[1:])
	if errors.Is(err, errHelp) {
		return nil
	}
	return err
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: fzone [--repo DIR] <command> [flags] [args]")
	fmt.Fprintln(os.Stderr, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(os.Stderr, "\nflags:")
	flagSet.PrintDefaults()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openRepo opens the configured repository, verifying entry signatures
// when the configuration asks for it.
func (e *env) openRepo() (*dag.Repository, error) {
	var verifier dag.Verifier
	if e.cfg.VerifySignatures {
		verifier = dag.VerifierFunc(dag.VerifyEntry)
	}
	return dag.OpenRepository(e.ctx, e.cfg.Repository, e.log, verifier)
}

// parseFlags parses a subcommand's flags, printing its usage on --help.
func parseFlags(flagSet *pflag.FlagSet, args []string) error {
	flagSet.SetOutput(os.Stderr)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		return err
	}
	return nil
}

var errHelp = errors.New("help requested")
