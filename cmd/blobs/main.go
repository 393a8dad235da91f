package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andrew-markin/blobs/pkg/auth"
	"github.com/andrew-markin/blobs/pkg/config"
	"github.com/andrew-markin/blobs/pkg/gate"
	"github.com/andrew-markin/blobs/pkg/log"
	"github.com/andrew-markin/blobs/pkg/metrics"
	"github.com/andrew-markin/blobs/pkg/server"
	"github.com/andrew-markin/blobs/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blobs",
	Short: "Blobs - versioned blob storage with change notifications",
	Long: `Blobs is a small network service that stores opaque binary values
addressed by 32-byte references, isolated per tenant bucket, with
optimistic versioning and change fan-out to watching clients.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Blobs version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tokenCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the blobs server",
	Long: `Run the blobs server until SIGINT or SIGTERM, then drain in-flight
operations and exit.

Configuration comes from built-in defaults, the optional --config YAML
file, the TOKEN_SECRET, STORAGE and PORT environment variables, and
command-line flags, in that order of precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger := log.WithComponent("main")
		metrics.SetVersion(Version)

		if cfg.InsecureSecret() {
			logger.Warn().Msg("TOKEN_SECRET is not set, using insecure placeholder secret")
		}

		st, err := store.NewFileStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		logger.Info().Str("storage", st.Root()).Msg("storage ready")

		srv := server.NewServer(server.Options{
			Addr:   fmt.Sprintf(":%d", cfg.Port),
			Signer: auth.NewSigner(cfg.TokenSecret),
			Store:  st,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("signal received")
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		}

		return srv.Shutdown(gate.DefaultDrainTimeout)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [bucket]",
	Short: "Mint an access token for a bucket",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return nil
		}
		bucket := args[0]

		cfg := config.Default()
		if err := cfg.FromEnv(); err != nil {
			return err
		}

		token, err := auth.NewSigner(cfg.TokenSecret).Mint(bucket)
		if err != nil {
			return err
		}

		fmt.Println(bucket)
		fmt.Println(token)
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.FromEnv(); err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("storage") {
		cfg.Storage, _ = cmd.Flags().GetString("storage")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().Int("port", config.DefaultPort, "Listen port")
	serverCmd.Flags().String("storage", "", "Storage root directory")
}
