package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dalnet/rdcc/internal/config"
	"github.com/dalnet/rdcc/internal/dcc"
	"github.com/dalnet/rdcc/internal/irc"
	"github.com/dalnet/rdcc/internal/progress"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

type options struct {
	foreground  bool
	configPath  string
	showVersion bool
	progress    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "rdcc",
		Short:         "IRC bot that sends and receives files over DCC",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Show version and exit
			if opts.showVersion {
				fmt.Printf("rdcc version %s\n", version)
				fmt.Printf("Built: %s\n", buildDate)
				fmt.Printf("Commit: %s\n", gitCommit)
				return nil
			}

			// Set version info in irc package
			irc.Version = version
			irc.BuildDate = buildDate
			irc.GitCommit = gitCommit

			// Daemonize unless -x flag is set
			if !opts.foreground {
				daemonize()
				return nil
			}

			// Write PID file
			if err := writePIDFile(); err != nil {
				log.Printf("Warning: could not write PID file: %v", err)
			}

			return run(opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.foreground, "foreground", "x", false, "Run in foreground (don't daemonize)")
	flags.StringVarP(&opts.configPath, "config", "c", "./config.yaml", "Path to configuration file")
	flags.BoolVarP(&opts.showVersion, "version", "v", false, "Show version information and exit")
	flags.BoolVar(&opts.progress, "progress", false, "Draw transfer progress on stderr (foreground only)")
	return cmd
}

// daemonize performs double-fork to become a daemon
func daemonize() {
	// Check if we're already a daemon child
	if os.Getenv("RDCC_DAEMON") == "1" {
		// Write PID file
		if err := writePIDFile(); err != nil {
			log.Printf("Warning: could not write PID file: %v", err)
		}

		fmt.Printf("Now becoming a daemon\nMy pid is %d, this has been written to pid.txt\n", os.Getpid())

		// Re-exec ourselves in the foreground, we're already detached
		args := append(os.Args, "-x")

		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdout = nil
		cmd.Stderr = nil
		cmd.Stdin = nil
		cmd.Env = os.Environ()

		if err := cmd.Start(); err != nil {
			log.Fatalf("Failed to start daemon: %v", err)
		}
		os.Exit(0)
	}

	// First fork
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "RDCC_DAEMON=1")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to fork: %v", err)
	}

	// Parent exits
	os.Exit(0)
}

func writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func run(opts *options) error {
	configPath := opts.configPath
	// Make config path absolute
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	// Create data directories if they don't exist
	for _, dir := range []string{
		cfg.DataDir,
		cfg.Option(config.DCCDomain, "send.directory"),
		cfg.Option(config.DCCDomain, "receive.savelocation"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	var sinks []dcc.Sink
	if opts.progress {
		sinks = append(sinks, progress.New(os.Stderr, cfg.OptionBool(config.DCCDomain, "general.percentageInTitle")))
	}

	// Create IRC client
	client, err := irc.NewClient(cfg, sinks...)
	if err != nil {
		return fmt.Errorf("failed to create IRC client: %w", err)
	}

	// Set up shutdown handler
	client.OnShutdown = func() {
		client.Quit("Shutdown requested")
		os.Exit(0)
	}

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		client.Quit("Received shutdown signal")
		os.Exit(0)
	}()

	// Connect and run
	log.Printf("Connecting to %s:%d...", cfg.Server, cfg.Port)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	log.Println("Connected, entering main loop...")
	client.Loop()
	return nil
}
