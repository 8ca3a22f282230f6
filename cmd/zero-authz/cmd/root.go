package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gematik/zero-lab/go/authzserver"
	"github.com/phsym/console-slog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbose = false
var workdir = ""
var envFiles []string

var (
	rootCmd = &cobra.Command{
		Use:   "zero-authz",
		Short: "Zero Trust Authorization Server",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if workdir != "" {
				err := os.Chdir(workdir)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to change working directory: %v\n", err)
					os.Exit(1)
				}
			}
			if len(envFiles) > 0 {
				if err := authzserver.LoadEnv(envFiles...); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to load env files: %v\n", err)
					os.Exit(1)
				}
			} else {
				// .env is optional
				authzserver.LoadEnv(".env")
			}

			logLevel := slog.LevelInfo
			if verbose {
				logLevel = slog.LevelDebug
			}
			if os.Getenv("PRETTY_LOGS") != "false" {
				logger := slog.New(
					console.NewHandler(os.Stderr, &console.HandlerOptions{Level: logLevel}),
				)
				slog.SetDefault(logger)
			} else {
				slog.SetLogLoggerLevel(logLevel)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUTHZ")
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.StringVarP(&workdir, "workdir", "w", "", "working directory")
	persistentFlags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	persistentFlags.StringSliceVarP(&envFiles, "env-file", "e", nil, "env files to load (default is .env if present)")
	persistentFlags.StringP("config-file", "f", "authz.yaml", "config file")
	viper.BindPFlag("config_file", persistentFlags.Lookup("config-file"))
}
