package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/gematik/zero-lab/go/authzserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Zero Authorization Server v%s\n", authzserver.Version)
		configfile := viper.GetString("config_file")
		expanded, err := filepath.Abs(configfile)
		if err != nil {
			fmt.Printf("Error expanding config file: %s\n", err)
		} else {
			fmt.Println("Config file:", expanded)
		}
	},
}
