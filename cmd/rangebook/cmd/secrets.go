package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rangebook/config"
	"github.com/jmcleod/rangebook/internal/util"
	"github.com/jmcleod/rangebook/pki"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Generate a master key and token secret",
	Long: `Prints fresh random values for pki.master_key and auth.jwt_secret as
environment assignments. Store them in your secret manager; losing the
master key makes every sealed certificate key unusable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		master, err := util.RandomHex(pki.MinMasterKeySize)
		if err != nil {
			return err
		}
		secret, err := util.RandomHex(32)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%sPKI_MASTER__KEY=%s\n", config.EnvPrefix, master)
		fmt.Fprintf(out, "%sAUTH_JWT__SECRET=%s\n", config.EnvPrefix, secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretsCmd)
}
