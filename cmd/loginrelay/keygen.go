package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/loginrelay/loginrelay/pkg/util"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
)

var keygenOutputPath string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ES256 signing key for the credential issuer",
	Run: func(cmd *cobra.Command, args []string) {
		key, err := util.RandomJWK()
		if err != nil {
			log.Fatal(err)
		}
		key.Set(jwk.KeyIDKey, ksuid.New().String())
		key.Set(jwk.AlgorithmKey, jwa.ES256)

		keyBytes, err := json.MarshalIndent(key, "", "  ")
		if err != nil {
			log.Fatal(err)
		}

		if keygenOutputPath == "" {
			fmt.Println(string(keyBytes))
			return
		}
		if err := os.WriteFile(keygenOutputPath, keyBytes, 0600); err != nil {
			log.Fatal(err)
		}
		fmt.Println("wrote signing key to", keygenOutputPath)
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOutputPath, "output", "o", "", "write the key to this file instead of stdout")
	rootCmd.AddCommand(keygenCmd)
}
