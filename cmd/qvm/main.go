// qvm: command-line host for QVM bytecode modules.
//
// It runs modules from files or from the local module store, wiring the
// standard traps to stdout, manages stored modules and arena snapshots, and
// serves both over JSON-RPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortiblox/qvm/pkg/config"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Global flags
var (
	configPath  = flag.String("config", "", "Path to qvm.toml (default: search upward from the working directory)")
	verbosity   = flag.Int("v", 0, "Log verbosity (-4..2, overrides config)")
	logFile     = flag.String("log-file", "", "Log file (default stderr, overrides config)")
	debugLevel  = flag.Int("debug-level", -1, "VM debug level 0..2 (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var log = commonlog.GetLogger("qvm")

func usage() {
	fmt.Fprintf(os.Stderr, `usage: qvm [flags] <command> [args]

commands:
  run [-save label] [-restore label] [-max-instructions n] [-timeout d] <module> [command] [args...]
  add <file> [name]
  list
  inspect <module>
  rm <module>
  snapshot list <module>
  snapshot export <module> <label> <file>
  snapshot import <file>
  serve [-addr host:port] [-no-snapshots]

<module> is a file path, a stored module name, or a base58 module id.

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("qvm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "qvm: %v\n", err)
		os.Exit(1)
	}
	configureLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Noticef("received signal %v, aborting", sig)
		cancel()
	}()

	app := &app{cfg: cfg, out: os.Stdout}
	defer app.close()

	if err := app.dispatch(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "qvm: %v\n", err)
		app.close()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		wd, werr := os.Getwd()
		if werr != nil {
			return nil, werr
		}
		cfg, err = config.FindAndLoad(wd)
	}
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "v":
			cfg.Log.Verbosity = *verbosity
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
	if *debugLevel >= 0 {
		cfg.DebugLevel = *debugLevel
	}
	return cfg, cfg.Validate()
}

func configureLogging(cfg *config.Config) {
	if path := cfg.LogFile(); path != "" {
		commonlog.Configure(cfg.Log.Verbosity, &path)
		return
	}
	commonlog.Configure(cfg.Log.Verbosity, nil)
}
