package cmd

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(joseCmd)
	joseCmd.AddCommand(joseGenerateJwkCmd)
	joseCmd.AddCommand(joseGenerateJwkSetCmd)
	joseCmd.AddCommand(josePublicJwkSetCmd)
}

var joseCmd = &cobra.Command{
	Use:   "jose",
	Short: "Various JOSE utilities",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var joseGenerateJwkCmd = &cobra.Command{
	Use:   "generate-jwk",
	Short: "Generate a P-256 signing JWK",
	Run: func(cmd *cobra.Command, args []string) {
		randomJwk, err := jose.GenerateRandomJwk()
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(randomJwk))
	},
}

var joseGenerateJwkSetCmd = &cobra.Command{
	Use:   "generate-jwks [number of keys]",
	Short: "Generate a JWK Set",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		num := 1
		if len(args) > 0 {
			var err error
			num, err = strconv.Atoi(strings.TrimSpace(args[0]))
			cobra.CheckErr(err)
		}
		set := jwk.NewSet()
		for i := 0; i < num; i++ {
			key, err := jose.GenerateRandomJwk()
			cobra.CheckErr(err)
			cobra.CheckErr(set.AddKey(key))
		}
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(set))
	},
}

var josePublicJwkSetCmd = &cobra.Command{
	Use:   "public-jwks",
	Short: "Reads a JWK Set from stdin and prints the public JWK Set to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := io.ReadAll(os.Stdin)
		cobra.CheckErr(err)
		set, err := jwk.Parse(data)
		cobra.CheckErr(err)
		publicSet, err := jose.PublicSet(set)
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(publicSet))
	},
}
