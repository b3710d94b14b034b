package cmd

import (
	"fmt"
	"os"

	"github.com/AzielCF/az-publisher/pkg/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sealCmd = &cobra.Command{
	Use:   "seal <token>",
	Short: "Encrypt a platform token for the platforms file",
	Long:  `Prints an enc: value that is decrypted at startup with APP_SECRET_KEY.`,
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		sealer, err := crypto.NewSealer(os.Getenv("APP_SECRET_KEY"))
		if err != nil {
			logrus.Fatalf("[CONFIG] %v", err)
		}
		sealed, err := sealer.Seal(args[0])
		if err != nil {
			logrus.Fatalf("[CONFIG] %v", err)
		}
		fmt.Println(sealed)
	},
}

func init() {
	rootCmd.AddCommand(sealCmd)
}
