// Command mesh is the CLI entry point for the reverse-tunnel service
// mesh ingress: it can run the ingress server ("mesh server") or the
// outbound-dialing agent ("mesh client") against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kloudcover/anywhere-mesh/internal/client"
	"github.com/kloudcover/anywhere-mesh/internal/meshconfig"
	"github.com/kloudcover/anywhere-mesh/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mesh",
	Short:   "anywhere-mesh — reverse-tunnel service mesh ingress",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(statusCmd)
}

// initLogging builds a slog handler whose format depends on whether
// stdout is a terminal: a human-readable text handler for an
// interactive TTY, structured JSON otherwise (container logs, piped
// output).
func initLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ============================================================================
// mesh server
// ============================================================================

var (
	albPort        int
	healthPort     int
	websocketPort  int
	requestTimeout int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ingress server",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().IntVar(&albPort, "alb-port", 0, "Downstream edge port (overrides config)")
	serverCmd.Flags().IntVar(&healthPort, "health-port", 0, "Operator health/metrics port (overrides config)")
	serverCmd.Flags().IntVar(&websocketPort, "websocket-port", 0, "Agent control-channel port (overrides config)")
	serverCmd.Flags().IntVar(&requestTimeout, "request-timeout", 0, "Per-request timeout in seconds (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := meshconfig.LoadIngress(configPath)
	if err != nil {
		return err
	}
	if albPort != 0 {
		cfg.Server.AlbPort = albPort
	}
	if healthPort != 0 {
		cfg.Server.HealthPort = healthPort
	}
	if websocketPort != 0 {
		cfg.Server.WebsocketPort = websocketPort
	}
	if requestTimeout != 0 {
		cfg.Server.RequestTimeout = requestTimeout
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return server.Run(ctx, server.Options{
		Config:     cfg,
		ConfigPath: configPath,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})
}

// ============================================================================
// mesh client
// ============================================================================

var (
	ingressEndpoint   string
	localEndpoint     string
	clusterHost       string
	clusterPort       int
	serviceName       string
	clusterName       string
	healthCheckPath   string
	skipIamValidation bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the agent that bridges a local service into the mesh",
	RunE:  runClient,
}

func init() {
	clientCmd.Flags().StringVar(&ingressEndpoint, "ingress-endpoint", "", "Ingress control-channel WebSocket URL (overrides config)")
	clientCmd.Flags().StringVar(&localEndpoint, "local-endpoint", "", "Local service base URL (overrides config)")
	clientCmd.Flags().StringVar(&clusterHost, "host", "", "Hostname this agent serves (overrides config)")
	clientCmd.Flags().IntVar(&clusterPort, "port", 0, "Local service port (overrides config)")
	clientCmd.Flags().StringVar(&serviceName, "service-name", "", "Service name to register (overrides config)")
	clientCmd.Flags().StringVar(&clusterName, "cluster-name", "", "Cluster name to register (overrides config)")
	clientCmd.Flags().StringVar(&healthCheckPath, "health-check-path", "", "Local health-check path (overrides config)")
	clientCmd.Flags().BoolVar(&skipIamValidation, "skip-iam-validation", false, "Skip STS identity validation (dev only)")
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := meshconfig.LoadClient(configPath)
	if err != nil {
		return err
	}
	if ingressEndpoint != "" {
		cfg.Connection.IngressEndpoint = ingressEndpoint
	}
	if localEndpoint != "" {
		cfg.Connection.LocalEndpoint = localEndpoint
	}
	if clusterHost != "" {
		cfg.Cluster.Host = clusterHost
	}
	if clusterPort != 0 {
		cfg.Cluster.Port = clusterPort
	}
	if serviceName != "" {
		cfg.Cluster.ServiceName = serviceName
	}
	if clusterName != "" {
		cfg.Cluster.ClusterName = clusterName
	}
	if healthCheckPath != "" {
		cfg.Cluster.HealthCheckPath = healthCheckPath
	}
	if skipIamValidation {
		cfg.AWS.SkipIamValidation = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cc := client.NewControlClient(cfg)
	slog.Info("agent starting",
		"ingress_endpoint", cfg.Connection.IngressEndpoint,
		"local_endpoint", cfg.Connection.LocalEndpoint,
		"service_name", cfg.Cluster.ServiceName,
	)
	return cc.Run(ctx)
}

// ============================================================================
// mesh status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running ingress server's operator health endpoint",
	RunE:  runStatus,
}

type statusHealthJSON struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Registrations int    `json:"registrations"`
	InstanceID    string `json:"instance_id"`
	StartedAt     int64  `json:"started_at"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := meshconfig.LoadIngress(configPath)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("http://localhost:%d", cfg.Server.HealthPort)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(addr + "/health")
	if err != nil {
		fmt.Println("[mesh] Status: NOT RUNNING")
		fmt.Printf("[mesh] Expected at: %s\n", addr)
		return nil
	}
	defer resp.Body.Close()

	var health statusHealthJSON
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Println("[mesh] Status: RUNNING (could not parse health payload)")
		return nil
	}

	fmt.Println("[mesh] Status: RUNNING")
	fmt.Printf("[mesh] Instance:      %s\n", health.InstanceID)
	fmt.Printf("[mesh] Started:       %s\n", humanize.RelTime(time.Unix(health.StartedAt, 0), time.Now(), "ago", "from now"))
	fmt.Printf("[mesh] Connections:   %d\n", health.Connections)
	fmt.Printf("[mesh] Registrations: %d\n", health.Registrations)
	return nil
}
