package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/nfc-agent/internal/api"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/pcsc"
	"github.com/SimplyPrint/nfc-agent/internal/registry"
	"github.com/SimplyPrint/nfc-agent/internal/service"
	"github.com/SimplyPrint/nfc-agent/internal/settings"
	"github.com/SimplyPrint/nfc-agent/internal/tray"
	"github.com/SimplyPrint/nfc-agent/internal/welcome"
)

func main() {
	// Define flags
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "NFC Agent - Local NFC card reader service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  nfc-agent [flags]\n")
		fmt.Fprintf(os.Stderr, "  nfc-agent <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  NFC_AGENT_PORT    Port to listen on (default: 32145)\n")
		fmt.Fprintf(os.Stderr, "  NFC_AGENT_HOST    Host to bind to (default: 127.0.0.1)\n")
	}

	flag.Parse()

	// Handle version flag
	if *versionFlag {
		printVersion()
		return
	}

	// Handle commands (non-flag arguments)
	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "install":
			if err := installService(); err != nil {
				log.Fatalf("Failed to install service: %v", err)
			}
			fmt.Println("Auto-start service installed successfully")
			return
		case "uninstall":
			if err := uninstallService(); err != nil {
				log.Fatalf("Failed to uninstall service: %v", err)
			}
			fmt.Println("Auto-start service removed successfully")
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flag.Usage()
			os.Exit(1)
		}
	}

	run(*noTrayFlag)
}

func printVersion() {
	fmt.Printf("nfc-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// listenAddress resolves the host:port the HTTP/WebSocket server binds to.
func listenAddress() string {
	host := os.Getenv("NFC_AGENT_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("NFC_AGENT_PORT")
	if port == "" {
		port = "32145"
	}
	return host + ":" + port
}

func logLevelFor(name string) logging.Level {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func run(headless bool) {
	userSettings, err := settings.Load()
	if err != nil {
		log.Printf("failed to load settings, using defaults: %v", err)
	}

	// Initialize logging system
	logging.Init(1000, logLevelFor(userSettings.LogLevel))
	logging.Info(logging.CatSystem, "NFC Agent starting", map[string]any{
		"version": api.Version,
	})

	if logging.InitSentry(api.Version, userSettings.CrashReporting) {
		defer logging.FlushSentry(2 * time.Second)
	}

	// Build the service registry and register the PC/SC plugin. A missing
	// or unreachable PC/SC resource manager (no smartcard subsystem on the
	// host) is logged, not fatal: the server still comes up so its status
	// endpoints remain reachable.
	reg := registry.New()
	if _, err := reg.RegisterPlugin(pcsc.NewFactory()); err != nil {
		logging.Warn(logging.CatPlugin, "PC/SC plugin unavailable", map[string]any{
			"error": err.Error(),
		})
		log.Printf("warning: PC/SC plugin unavailable: %v", err)
	}
	api.SetRegistry(reg)

	mux := api.NewMux()

	// Add WebSocket endpoint
	mux.HandleFunc("/v1/ws", api.InitWebSocket())

	addr := listenAddress()

	// Server start function
	startServer := func() {
		log.Printf("nfc-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	shutdown := func() {
		log.Println("Shutting down...")
		for _, name := range reg.GetPluginNames() {
			reg.UnregisterPlugin(name)
		}
		logging.FlushSentry(2 * time.Second)
		os.Exit(0)
	}
	api.SetShutdownHandler(shutdown)

	// Determine if we should use system tray
	useTray := !headless && tray.IsSupported()

	if useTray {
		log.Println("Starting with system tray...")

		// Show welcome popup on first run
		if welcome.IsFirstRun() {
			go func() {
				welcome.ShowWelcome()
				_ = welcome.MarkAsShown() // Ignore error - non-critical
			}()
		}

		// Create tray app with quit handler
		trayApp := tray.New(addr, reg, shutdown)

		// Run tray with server - this blocks on the main thread until quit
		// (required for macOS Cocoa compatibility)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}

		// Set up signal handling for graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			shutdown()
		}()

		startServer()
	}
}

// installService installs the auto-start service for the current platform.
func installService() error {
	svc := service.New()
	return svc.Install()
}

// uninstallService removes the auto-start service for the current platform.
func uninstallService() error {
	svc := service.New()
	return svc.Uninstall()
}
