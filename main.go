// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pairwave/pairwave/internal/app"
	"github.com/pairwave/pairwave/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Pairwave v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: pairwave peer <data-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: pairwave relay <data-directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Data directory not usable: %v", err)
	}

	cfgPath := filepath.Join(absDir, "pairwave.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runRelay(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Data directory not usable: %v", err)
	}

	cfgPath := filepath.Join(absDir, "pairwave.json")
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Force relay-only mode regardless of what the config file says.
	cfg.Relay.Host = true
	cfg.Relay.HostOnly = true

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Relay server failed: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	return ctx, cancel
}

func showUsage() {
	fmt.Println("Pairwave - presence & pairing coordinator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pairwave peer <directory>   Run a participant")
	fmt.Println("  pairwave relay <directory>  Run a standalone message relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Join the channel as a participant")
	fmt.Println("        The directory holds pairwave.json plus identity and recordings")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run only the HTTP message relay (no participant)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Join as a participant")
	fmt.Println("  pairwave peer ./peers/alice")
	fmt.Println()
	fmt.Println("  # Host a relay for participants behind restrictive networks")
	fmt.Println("  pairwave relay ./peers/relay")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Pairwave Runner                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Channel:        %s\n", cfg.P2P.Channel)
	fmt.Println()

	if cfg.Relay.Host {
		fmt.Printf("Relay Server:   http://%s:%d\n", cfg.Relay.Bind, cfg.Relay.Port)
		if cfg.Relay.HostOnly {
			fmt.Println("Mode: Relay Only (no participant)")
		}
		fmt.Println()
	}

	if cfg.Monitor.HTTPAddr != "" && !cfg.Relay.HostOnly {
		monURL := cfg.Monitor.HTTPAddr
		if monURL[0] == ':' {
			monURL = "http://127.0.0.1" + monURL
		}
		fmt.Printf("Monitor:        %s\n", monURL)
		fmt.Println()
	}

	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
