package cmd

import (
	"os"
	"time"

	"github.com/AzielCF/az-publisher/core/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagPort          string
	flagDebug         bool
	flagBasicAuth     []string
	flagBasePath      string
	flagPlatformsFile string
	flagLogFormat     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "az-publisher",
	Short: "Publication orchestration and resilience engine",
	Long: `Fans publications out to per-platform adapters through a priority queue,
with circuit breakers, automated recovery, rate limit tracking and session monitoring.`,
}

func init() {
	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initApp)
}

func initFlags() {
	rootCmd.PersistentFlags().StringVarP(
		&flagPort,
		"port", "p",
		"",
		"change port number with --port <number> | example: --port=8080",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&flagDebug,
		"debug", "d",
		false,
		"hide or displaying log with --debug <true/false> | example: --debug=true",
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&flagBasicAuth,
		"basic-auth", "b",
		nil,
		"basic auth credential | -b=yourUsername:yourPassword",
	)
	rootCmd.PersistentFlags().StringVarP(
		&flagBasePath,
		"base-path", "",
		"",
		`base path for subpath deployment --base-path <string> | example: --base-path="/publisher"`,
	)
	rootCmd.PersistentFlags().StringVarP(
		&flagPlatformsFile,
		"platforms-file", "",
		"",
		`platform adapter definitions --platforms-file <path> | example: --platforms-file="platforms.yaml"`,
	)
	rootCmd.PersistentFlags().StringVarP(
		&flagLogFormat,
		"log-format", "",
		"",
		`log output format --log-format <text/json>`,
	)
}

// initApp loads the environment and configuration, then applies flag overrides.
func initApp() {
	config.LoadEnv()
	if flagPlatformsFile != "" {
		os.Setenv("PLATFORMS_FILE", flagPlatformsFile)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}

	if flagPort != "" {
		cfg.App.Port = flagPort
	}
	if flagDebug {
		cfg.App.Debug = true
	}
	if len(flagBasicAuth) > 0 {
		cfg.App.BasicAuth = flagBasicAuth
	}
	if flagBasePath != "" {
		cfg.App.BasePath = flagBasePath
	}
	if flagLogFormat != "" {
		cfg.App.LogFormat = flagLogFormat
	}

	if cfg.App.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(cfg.Paths.Storages, 0o755); err != nil {
		logrus.Errorln(err)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
