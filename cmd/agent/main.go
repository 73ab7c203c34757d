package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/agent"
	"github.com/loomgrid/loom/pkg/client"
	"github.com/loomgrid/loom/pkg/observability"
	"github.com/loomgrid/loom/pkg/poller"
	loomruntime "github.com/loomgrid/loom/pkg/runtime"
	"github.com/loomgrid/loom/pkg/supervisor"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	rootCmd = &cobra.Command{
		Use:   "loom-agent",
		Short: "LoomGrid Agent - provider node agent for the compute marketplace",
		Long: `The LoomGrid Agent runs on a provider node, pulls containerized jobs from
the orchestrator, executes them under the local container engine, and reports
job status and node telemetry back.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("credentials", "/etc/loom/credentials.json", "Node credentials file")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("containerd-socket", "/run/containerd/containerd.sock", "Container engine socket path")
	rootCmd.PersistentFlags().String("containerd-namespace", "loom", "Container engine namespace")
	rootCmd.PersistentFlags().String("artifact-root", "/var/lib/loom/artifacts", "Host directory for per-job artifact mounts")
	rootCmd.PersistentFlags().Int("max-concurrent", runtime.NumCPU(), "Maximum parallel job executions")
	rootCmd.PersistentFlags().Duration("poll-wait", 30*time.Second, "Server-side long-poll window")
	rootCmd.PersistentFlags().Duration("telemetry-interval", 30*time.Second, "Node telemetry report interval")
	rootCmd.PersistentFlags().Duration("shutdown-grace", 30*time.Second, "How long to wait for running jobs on shutdown")
	rootCmd.PersistentFlags().StringSlice("tags", nil, "Capability tags advertised to the orchestrator")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("credentials", rootCmd.PersistentFlags().Lookup("credentials"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("containerd.socket", rootCmd.PersistentFlags().Lookup("containerd-socket"))
	viper.BindPFlag("containerd.namespace", rootCmd.PersistentFlags().Lookup("containerd-namespace"))
	viper.BindPFlag("artifact_root", rootCmd.PersistentFlags().Lookup("artifact-root"))
	viper.BindPFlag("max_concurrent", rootCmd.PersistentFlags().Lookup("max-concurrent"))
	viper.BindPFlag("poll_wait", rootCmd.PersistentFlags().Lookup("poll-wait"))
	viper.BindPFlag("telemetry_interval", rootCmd.PersistentFlags().Lookup("telemetry-interval"))
	viper.BindPFlag("shutdown_grace", rootCmd.PersistentFlags().Lookup("shutdown-grace"))
	viper.BindPFlag("tags", rootCmd.PersistentFlags().Lookup("tags"))

	viper.SetEnvPrefix("LOOM")
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("LoomGrid Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Inspect node capabilities and container engine status",
		RunE:  inspect,
	})

	enrollCmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll this node with the orchestrator and store credentials",
		RunE:  enroll,
	}
	enrollCmd.Flags().String("orchestrator-url", "", "Orchestrator base URL")
	enrollCmd.Flags().String("token", "", "One-time enrollment token")
	enrollCmd.Flags().String("node-id", "", "Node identifier (generated when empty)")
	rootCmd.AddCommand(enrollCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	logger, err := observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting LoomGrid Agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	creds, err := client.LoadCredentials(viper.GetString("credentials"))
	if err != nil {
		return fmt.Errorf("failed to load credentials (run 'loom-agent enroll' first): %w", err)
	}

	config := agent.Config{
		Credentials:       creds,
		TelemetryInterval: viper.GetDuration("telemetry_interval"),
		ShutdownGrace:     viper.GetDuration("shutdown_grace"),
		Monitor: agent.MonitorConfig{
			Tags: viper.GetStringSlice("tags"),
		},
		Poller: poller.Config{
			Wait: viper.GetDuration("poll_wait"),
		},
		Runtime: loomruntime.Config{
			SocketPath: viper.GetString("containerd.socket"),
			Namespace:  viper.GetString("containerd.namespace"),
		},
		Supervisor: supervisor.Config{
			MaxConcurrent: viper.GetInt("max_concurrent"),
			ArtifactRoot:  viper.GetString("artifact_root"),
		},
	}

	agentInstance, err := agent.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	metricsServer := startMetricsServer(viper.GetString("metrics_addr"), agentInstance, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	runErr := agentInstance.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("agent exited: %w", runErr)
	}
	logger.Info("Shutdown complete")
	return nil
}

func enroll(cmd *cobra.Command, args []string) error {
	orchestratorURL, _ := cmd.Flags().GetString("orchestrator-url")
	token, _ := cmd.Flags().GetString("token")
	nodeID, _ := cmd.Flags().GetString("node-id")

	if orchestratorURL == "" || token == "" {
		return fmt.Errorf("--orchestrator-url and --token are required")
	}
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	creds, err := client.Enroll(ctx, orchestratorURL, token, nodeID)
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	path := viper.GetString("credentials")
	if err := client.SaveCredentials(path, creds); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	fmt.Printf("Enrolled node %s\n", creds.NodeID)
	fmt.Printf("Credentials written to %s\n", path)
	return nil
}

func startMetricsServer(addr string, agentInstance *agent.Agent, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !agentInstance.Healthy() {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return server
}

func inspect(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger("info")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	fmt.Println("Node Inspection Report")
	fmt.Println("======================")
	fmt.Printf("Operating System: %s\n", runtime.GOOS)
	fmt.Printf("Architecture: %s\n", runtime.GOARCH)
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())

	fmt.Println("\nAccelerators:")
	gpus := agent.DetectGPUs(logger)
	if len(gpus) == 0 {
		fmt.Println("  none detected")
	}
	for _, gpu := range gpus {
		fmt.Printf("  [%d] %s\n", gpu.Index, gpu.Model)
	}

	fmt.Println("\nContainer Engine:")
	socket := viper.GetString("containerd.socket")
	fmt.Printf("  Socket: %s\n", socket)
	if _, err := os.Stat(socket); os.IsNotExist(err) {
		fmt.Printf("  Status: NOT FOUND (socket does not exist)\n")
	} else {
		fmt.Printf("  Status: Found\n")
	}

	return nil
}
