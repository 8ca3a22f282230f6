package cmd

import (
	"log/slog"
	"os"

	"github.com/gematik/zero-lab/go/authzserver"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	runCmd.Flags().StringP("addr", "a", ":8011", "Address to listen on")
	viper.BindPFlag("addr", runCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the authorization server",
	Run: func(cmd *cobra.Command, args []string) {
		configFile := authzserver.ExpandPath(viper.GetString("config_file"))
		if configFile == "" {
			cobra.CheckErr("config file is required. Use --config-file/-f flag or environment variable")
		}
		config, err := authzserver.LoadConfigFile(configFile)
		if err != nil {
			slog.Error("Failed to load config file", "error", err)
			os.Exit(1)
		}

		slog.Info("Starting authorization server", "version", authzserver.Version, "config_file", configFile, "tenants", len(config.Tenants))
		server, err := authzserver.New(config)
		if err != nil {
			slog.Error("Failed to create authorization server", "error", err)
			os.Exit(1)
		}
		defer server.Close()

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Recover())

		server.MountRoutes(e.Group(""))

		for _, route := range e.Routes() {
			slog.Debug("Route", "method", route.Method, "path", route.Path)
		}

		addr := viper.GetString("addr")
		slog.Info("Listening", "addr", addr)
		e.Logger.Fatal(e.Start(addr))
	},
}
