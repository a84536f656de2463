package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"multisocks/internal/app"
	"multisocks/internal/proxyspec"
	"multisocks/internal/shared/config"
	"multisocks/internal/shared/logger"
	"multisocks/internal/shared/types"
)

// version is overridden at build time via -ldflags, matching the
// original's __version__ string surfaced through --version.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && (args[0] == "--version" || args[0] == "-v") {
		fmt.Printf("multisocks version %s\n", version)
		return 0
	}
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage()
		return 0
	}
	if args[0] != "start" {
		printUsage()
		return 1
	}

	return runStart(args[1:])
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "bind address")
	port := fs.Int("port", 1080, "listen port")
	var proxyArgs stringSliceFlag
	fs.Var(&proxyArgs, "proxies", "one or more space-separated proxy specs; repeatable")
	proxyFile := fs.String("proxy-file", "", "path to a file of proxy specs, one per line")
	autoOptimize := fs.Bool("auto-optimize", false, "enable the auto-optimizer")
	logLevel := fs.String("log-level", "info", "error|warn|info|debug|trace")
	configPath := fs.String("config", "", "optional ini file of tunables")
	stateFile := fs.String("state-file", "", "optional proxy-health snapshot file")
	bandwidthURL := fs.String("bandwidth-url", "", "override the auto-optimizer's measurement target")
	shutdownGrace := fs.Duration("shutdown-grace", 10*time.Second, "grace period for in-flight sessions on shutdown")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if (len(proxyArgs) == 0) == (*proxyFile == "") {
		fmt.Fprintln(os.Stderr, "multisocks: exactly one of --proxies or --proxy-file is required")
		return 1
	}

	cfg := types.Defaults()
	if *configPath != "" {
		if err := config.LoadIni(&cfg, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "multisocks: failed to load config %s: %v\n", *configPath, err)
			return 1
		}
	}
	if *logLevel != "" {
		cfg.LogConf.Level = *logLevel
	}
	if *bandwidthURL != "" {
		cfg.OptimizerConf.BandwidthURL = *bandwidthURL
	}

	if err := logger.Init(cfg.LogConf.Level); err != nil {
		fmt.Fprintf(os.Stderr, "multisocks: failed to initialize logger: %v\n", err)
		return 1
	}

	cliLog := logger.WithComponent("cli")

	descriptors, err := loadDescriptors(proxyArgs, *proxyFile)
	if err != nil {
		cliLog.Error().Err(err).Msg("multisocks: failed to load proxy specs")
		return 1
	}

	opts := app.Options{
		Host:          *host,
		Port:          *port,
		Descriptors:   descriptors,
		AutoOptimize:  *autoOptimize,
		StateFile:     *stateFile,
		ShutdownGrace: *shutdownGrace,
		Pool:          cfg.PoolConf,
		Session:       cfg.SessionConf,
		Optimizer:     cfg.OptimizerConf,
	}
	if err := opts.Validate(); err != nil {
		cliLog.Error().Err(err).Msg("multisocks: startup validation failed")
		return 3
	}

	server := app.New(opts)
	if err := server.Run(); err != nil {
		cliLog.Error().Err(err).Msg("multisocks: failed to start")
		return 2
	}

	waitForSignal(server)
	server.Wait()
	return 0
}

func loadDescriptors(proxyArgs []string, proxyFile string) ([]proxyspec.ProxyDescriptor, error) {
	if proxyFile != "" {
		return proxyspec.LoadFile(proxyFile)
	}
	return proxyspec.ParseAll(proxyArgs)
}

func waitForSignal(server *app.AppServer) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	lg := logger.WithComponent("cli")
	lg.Info().Msg("multisocks: signal received, shutting down")
	server.Stop()
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: multisocks [--help|--version] start [options]")
	fmt.Fprintln(os.Stderr, "  --host ADDR          bind address (default 127.0.0.1)")
	fmt.Fprintln(os.Stderr, "  --port N             listen port (default 1080)")
	fmt.Fprintln(os.Stderr, "  --proxies SPEC...    space-separated proxy specs (quote as one arg)")
	fmt.Fprintln(os.Stderr, "  --proxy-file PATH    load specs from file")
	fmt.Fprintln(os.Stderr, "  --auto-optimize      enable the auto-optimizer")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL    error|warn|info|debug|trace")
	fmt.Fprintln(os.Stderr, "  --config PATH        optional ini file of tunables")
	fmt.Fprintln(os.Stderr, "  --state-file PATH    optional proxy-health snapshot file")
	fmt.Fprintln(os.Stderr, "  --bandwidth-url URL  override the auto-optimizer's measurement target")
	fmt.Fprintln(os.Stderr, "  --shutdown-grace DUR grace period for in-flight sessions on shutdown")
}

// stringSliceFlag accumulates proxy specs from --proxies. Per spec.md §6
// the flag takes a single space-separated list ("--proxies a b c" as one
// shell-quoted argument); repeating the flag also accumulates, for
// operators who prefer --proxies a --proxies b instead.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return fmt.Sprintf("%v", *s) }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Fields(value)...)
	return nil
}
