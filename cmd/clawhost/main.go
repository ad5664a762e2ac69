// ABOUTME: Entry point for the clawhost control plane
// ABOUTME: Supervises the clawdbot gateway and serves the ownership API

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/clawhost/internal/config"
	"github.com/2389/clawhost/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                 _               _
   ___| | __ ___      __| |__   ___  ___| |_
  / __| |/ _' \ \ /\ / /| '_ \ / _ \/ __| __|
 | (__| | (_| |\ V  V / | | | | (_) \__ \ |_
  \___|_|\__,_| \_/\_/  |_| |_|\___/|___/\__|
`

// getConfigPath returns the path to the clawhost config file.
// Priority: CLAWHOST_CONFIG env var > XDG_CONFIG_HOME/clawhost/clawhost.yaml > ~/.config/clawhost/clawhost.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLAWHOST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "clawhost.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "clawhost", "clawhost.yaml")
}

// getDataPath returns the path to the clawhost data directory.
// Priority: XDG_DATA_HOME/clawhost > ~/.local/share/clawhost
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "clawhost")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: clawhost <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the control plane server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check control plane health")
		fmt.Println("  status   Show gateway status")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s (port %d)\n", cfg.Gateway.Program, cfg.Gateway.Port)

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting clawhost",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"gateway_program", cfg.Gateway.Program,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runStatus queries the public gateway status endpoint. Unauthenticated,
// so it only reports whether the gateway is running.
func runStatus(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/gateway/status", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var status struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if status.Running {
		color.New(color.FgGreen).Println("gateway: running")
	} else {
		color.New(color.FgYellow).Println("gateway: stopped")
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("clawhost configuration setup")
	fmt.Println("============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "clawhost.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	exchangeURL := prompt(reader, "OAuth session exchange URL", "https://auth.example.com/api/session")
	corsOrigin := prompt(reader, "Allowed web origin", "https://app.example.com")

	// Gateway
	fmt.Println("\n--- Gateway Configuration ---")
	gatewayProgram := prompt(reader, "Supervisor program name", "clawdbot-gateway")
	gatewayPort := prompt(reader, "Gateway port", "18789")
	gatewayConfigDir := prompt(reader, "Gateway config directory", filepath.Join(defaultDataPath, "gateway"))
	workspaceDir := prompt(reader, "Agent workspace directory", filepath.Join(defaultDataPath, "workspace"))

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "clawhost")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
		funnelStr := prompt(reader, "Enable Funnel (public HTTPS)?", "no")
		tsFunnel = strings.ToLower(funnelStr) == "yes" || strings.ToLower(funnelStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# clawhost configuration\n")
	cfg.WriteString("# Generated by clawhost init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  exchange_url: \"%s\"\n", exchangeURL))
	cfg.WriteString("  session_duration: \"720h\"\n")
	cfg.WriteString("  cookie_samesite: \"lax\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("gateway:\n")
	cfg.WriteString(fmt.Sprintf("  program: \"%s\"\n", gatewayProgram))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", gatewayPort))
	cfg.WriteString(fmt.Sprintf("  config_dir: \"%s\"\n", gatewayConfigDir))
	cfg.WriteString(fmt.Sprintf("  workspace_dir: \"%s\"\n", workspaceDir))
	cfg.WriteString("  start_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString("  max_message_bytes: 1048576\n")
	cfg.WriteString("  idle_timeout: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("ratelimit:\n")
	cfg.WriteString("  auth:\n")
	cfg.WriteString("    max_requests: 10\n")
	cfg.WriteString("    window_seconds: 60\n")
	cfg.WriteString("  start:\n")
	cfg.WriteString("    max_requests: 5\n")
	cfg.WriteString("    window_seconds: 60\n")
	cfg.WriteString("\n")

	cfg.WriteString("cors:\n")
	cfg.WriteString(fmt.Sprintf("  origins: [\"%s\"]\n", corsOrigin))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  clawhost serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
