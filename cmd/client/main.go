package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sombochea/tungo/internal/client"
	"github.com/sombochea/tungo/internal/client/introspect"
	"github.com/sombochea/tungo/pkg/config"
	"github.com/sombochea/tungo/pkg/version"
)

// fatalRegistrationReasons are substrings (matched case-insensitively)
// that mark a registration failure as unrecoverable: retrying without
// the operator changing something (subdomain, key, config) would just
// fail the same way again, so the client gives up instead of looping.
var fatalRegistrationReasons = []string{
	"subdomain already taken",
	"invalid subdomain",
	"invalid api key",
	"tunnel limit reached",
	"registration failed",
	"rate limit exceeded",
	"message too large",
}

// isFatalRegistrationError reports whether err names one of the
// unrecoverable registration failures above.
func isFatalRegistrationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, reason := range fatalRegistrationReasons {
		if strings.Contains(msg, reason) {
			return true
		}
	}
	return false
}

// backoffState tracks the reconnect delay across attempts: it grows by
// BackoffFactor per failure up to MaxBackoff (0 = uncapped), and resets
// to InitialBackoff the moment a connection succeeds.
type backoffState struct {
	current time.Duration
	cfg     *config.ClientConfig
}

func newBackoffState(cfg *config.ClientConfig) *backoffState {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = cfg.RetryInterval
	}
	return &backoffState{current: initial, cfg: cfg}
}

// next returns the delay to sleep for this attempt, then grows it for
// the next one.
func (b *backoffState) next() time.Duration {
	delay := b.current

	grown := time.Duration(float64(b.current) * b.cfg.BackoffFactor)
	if grown <= b.current {
		grown = b.current
	}
	if b.cfg.MaxBackoff > 0 && grown > b.cfg.MaxBackoff {
		grown = b.cfg.MaxBackoff
	}
	b.current = grown

	return delay
}

// reset restores the delay to its initial value after a successful
// connection.
func (b *backoffState) reset() {
	initial := b.cfg.InitialBackoff
	if initial <= 0 {
		initial = b.cfg.RetryInterval
	}
	b.current = initial
}

var (
	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("69")).
			Padding(0, 2)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	urlStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

var (
	cfgFile         string
	serverURL       string
	serverHost      string
	serverPort      int
	localHost       string
	localPort       int
	subDomain       string
	secretKey       string
	password        string
	enableDashboard bool
	dashboardPort   int
	insecureTLS     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "tungo",
		Short:   "TunGo client - expose your local server to the internet",
		Long:    `TunGo client creates a secure tunnel from a public URL to your local development server.`,
		Version: version.GetShortVersion(),
		Run:     runClient,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetFullVersion())
		},
	}

	// Upgrade command
	upgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade to the latest version",
		Long:  `Downloads and installs the latest version of TunGo client from GitHub releases.`,
		Run:   runUpgrade,
	}

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(upgradeCmd)

	// Flags for the root command (tunnel)
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.Flags().StringVar(&serverURL, "server-url", "", "full server URL with control port (e.g., http://tungo.example.com:5555 or ws://tungo.example.com:5555)")
	rootCmd.Flags().StringVar(&serverHost, "server", "localhost", "tungo server host")
	rootCmd.Flags().IntVar(&serverPort, "port", 5555, "tungo server control port")
	rootCmd.Flags().StringVar(&localHost, "local-host", "localhost", "local server host")
	rootCmd.Flags().IntVar(&localPort, "local-port", 8000, "local server port")
	rootCmd.Flags().StringVarP(&subDomain, "subdomain", "s", "", "requested subdomain")
	rootCmd.Flags().StringVarP(&secretKey, "key", "k", "", "secret key for authentication")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "tunnel password sent with registration (the server does not check it)")
	rootCmd.Flags().BoolVarP(&enableDashboard, "dashboard", "d", false, "enable introspection dashboard")
	rootCmd.Flags().IntVar(&dashboardPort, "dashboard-port", 3000, "introspection dashboard port")
	rootCmd.Flags().BoolVar(&insecureTLS, "insecure", false, "skip TLS certificate verification (for testing only)")

	// Set version template
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) {
	// Load configuration
	cfg, err := config.LoadClientConfig(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Override with command-line flags
	// ServerURL takes precedence over individual server/port flags
	if serverURL != "" && cmd.Flags().Changed("server-url") {
		cfg.ServerURL = serverURL
		// Clear individual host/port to ensure ServerURL is used
		cfg.ServerHost = ""
		cfg.ControlPort = 0
	} else {
		if serverURL == "" && version.GetShortVersion() != "dev" {
			// For production releases, use default server URL if none provided
			cfg.ServerURL = "wss://singal-tg01.ctdn.dev"
			cfg.ServerHost = ""
			cfg.ControlPort = 0
		} else {
			if serverHost != "" && cmd.Flags().Changed("server") {
				cfg.ServerHost = serverHost
			}
			if cmd.Flags().Changed("port") {
				cfg.ControlPort = serverPort
			}
		}
	}
	if localHost != "" && cmd.Flags().Changed("local-host") {
		cfg.LocalHost = localHost
	}
	if cmd.Flags().Changed("local-port") {
		cfg.LocalPort = localPort
	}
	if subDomain != "" && cmd.Flags().Changed("subdomain") {
		cfg.SubDomain = subDomain
	}
	if secretKey != "" && cmd.Flags().Changed("key") {
		cfg.SecretKey = secretKey
	}
	if password != "" && cmd.Flags().Changed("password") {
		cfg.TunnelPassword = password
	}
	if cmd.Flags().Changed("dashboard") {
		cfg.EnableDashboard = enableDashboard
	}
	if cmd.Flags().Changed("dashboard-port") {
		cfg.DashboardPort = dashboardPort
	}
	if cmd.Flags().Changed("insecure") {
		cfg.InsecureTLS = insecureTLS
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	version.InsecureTLS = cfg.InsecureTLS

	// Setup logger
	setupLogger(cfg)

	// Start dashboard if enabled
	var dashboard *introspect.Dashboard
	if cfg.EnableDashboard {
		var err error
		dashboard, err = introspect.NewDashboard(cfg.DashboardPort, fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create dashboard")
		}
		go func() {
			if err := dashboard.Start(); err != nil {
				log.Error().Err(err).Msg("Dashboard server error")
			}
		}()
		defer dashboard.Stop()
	}

	log.Info().Msg("Starting tungo client")
	log.Info().
		Str("server", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)).
		Str("local", fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort)).
		Str("subdomain", cfg.SubDomain).
		Msg("Client configuration")

	// Create tunnel client
	tunnelClient := client.NewTunnelClient(cfg, log.Logger)

	// Setup signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Continuous connection loop with auto-reconnect
	firstConnection := true
	serverRotation := 0 // Track server rotation attempts
	backoff := newBackoffState(cfg)

	for {
		// Connect to server with retry logic
		connected := false
		for retry := 0; retry <= cfg.MaxRetries; retry++ {
			// Check if we should exit
			select {
			case <-quit:
				log.Info().Msg("Shutting down client...")
				tunnelClient.Close()
				return
			default:
			}

			if retry > 0 || !firstConnection {
				delay := backoff.next()
				log.Info().
					Int("retry", retry).
					Int("max_retries", cfg.MaxRetries).
					Dur("backoff", delay).
					Msg("Retrying connection")
				time.Sleep(delay)
			}

			if err := tunnelClient.Connect(); err != nil {
				currentServer := tunnelClient.GetCurrentServer()
				log.Error().
					Err(err).
					Str("server", fmt.Sprintf("%s:%d", currentServer.Host, currentServer.Port)).
					Msg("Failed to connect to server")

				if isFatalRegistrationError(err) {
					log.Fatal().Err(err).Msg("registration rejected, giving up")
				}

				if retry == cfg.MaxRetries {
					// Max retries for current server reached
					if tunnelClient.GetServerCount() > 1 {
						// Rotate to next server in cluster
						tunnelClient.RotateToNextServer()
						serverRotation++

						// If we've tried all servers, wait before retrying
						if serverRotation >= tunnelClient.GetServerCount() {
							log.Warn().Msg("Tried all servers in cluster, will retry cycle again")
							time.Sleep(backoff.next())
							serverRotation = 0 // Reset rotation counter
						}
					} else {
						log.Warn().Msg("Max retries reached, will retry cycle again")
					}
					break // Break inner loop to restart retry cycle
				}
				continue
			}

			// Successfully connected - reset rotation counter and backoff
			connected = true
			serverRotation = 0
			backoff.reset()
			break
		}

		if !connected {
			log.Warn().Msg("Connection cycle failed, retrying...")
			continue // Restart retry cycle
		}

		// Display connection info
		serverInfo := tunnelClient.GetServerInfo()
		currentServer := tunnelClient.GetCurrentServer()

		if firstConnection {
			// Use PublicURL if available, otherwise fall back to Hostname
			publicURL := serverInfo.PublicURL
			if publicURL == "" {
				publicURL = fmt.Sprintf("http://%s", serverInfo.Hostname)
			}

			log.Info().
				Str("url", publicURL).
				Str("subdomain", serverInfo.SubDomain).
				Str("server", fmt.Sprintf("%s:%d", currentServer.Host, currentServer.Port)).
				Int("cluster_size", tunnelClient.GetServerCount()).
				Msg("tunnel established")

			fmt.Println()
			fmt.Println(bannerStyle.Render(tunnelBanner(cfg, tunnelClient, publicURL)))
			fmt.Println()
			firstConnection = false
		} else {
			// Use PublicURL if available, otherwise fall back to Hostname
			publicURL := serverInfo.PublicURL
			if publicURL == "" {
				publicURL = fmt.Sprintf("http://%s", serverInfo.Hostname)
			}

			log.Info().
				Str("url", publicURL).
				Str("subdomain", serverInfo.SubDomain).
				Str("server", fmt.Sprintf("%s:%d", currentServer.Host, currentServer.Port)).
				Msg("reconnected")
		}

		// Start periodic stats logging
		statsQuit := make(chan struct{})
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					activeStreams := tunnelClient.GetActiveStreams()
					if activeStreams > 0 {
						log.Debug().Int("active_streams", activeStreams).Msg("Client stats")
					}
				case <-statsQuit:
					return
				}
			}
		}()

		// Run the client event loop (blocks until connection drops)
		log.Info().Msg("Starting tunnel...")
		err := tunnelClient.Run()

		// Connection dropped or error
		close(statsQuit)

		select {
		case <-quit:
			// User interrupt during Run()
			log.Info().Msg("Shutting down client...")
			tunnelClient.Close()
			return
		default:
			// Connection dropped, will reconnect
			if err != nil {
				log.Warn().Err(err).Msg("Connection error, will reconnect")
			} else {
				log.Warn().Msg("Connection lost, will reconnect")
			}
			// Continue outer loop to reconnect
		}
	}
}

// tunnelBanner renders the connection summary shown once a tunnel is up.
func tunnelBanner(cfg *config.ClientConfig, tc *client.TunnelClient, publicURL string) string {
	lines := []string{
		labelStyle.Render("Public URL  ") + urlStyle.Render(publicURL),
		labelStyle.Render("Local       ") + fmt.Sprintf("http://%s:%d", cfg.LocalHost, cfg.LocalPort),
	}
	if n := tc.GetServerCount(); n > 1 {
		lines = append(lines, labelStyle.Render("Cluster     ")+fmt.Sprintf("%d servers (auto-failover enabled)", n))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func setupLogger(cfg *config.ClientConfig) {
	// Set log level
	var level zerolog.Level
	switch cfg.LogLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set log format
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}

func runUpgrade(cmd *cobra.Command, args []string) {
	fmt.Println("Checking for updates...")
	fmt.Printf("Current version: %s\n", version.GetShortVersion())

	hasUpdate, latestVersion, err := version.CheckForUpdates()
	if err != nil {
		log.Error().Err(err).Msg("Failed to check for updates")
		fmt.Printf("Failed to check for updates: %v\n", err)
		os.Exit(1)
	}

	if !hasUpdate {
		fmt.Println("Already running the latest version.")
		return
	}

	fmt.Printf("New version available: %s\n", latestVersion)
	fmt.Println("Downloading and installing...")

	if err := version.DownloadAndInstall(); err != nil {
		log.Error().Err(err).Msg("Failed to upgrade")
		fmt.Printf("Upgrade failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Upgrade completed successfully.")
	fmt.Println("Please run 'tungo' again to use the new version.")
}
