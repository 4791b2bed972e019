package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIdentifierCmd(base *baseConfiguration) *cobra.Command {
	var file string
	var generate bool
	cmd := &cobra.Command{
		Use:   "identifier",
		Short: "Prints the peer ID of the node",
		// doesn't need logger or observability of the base command
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			base.initConfigFileLocation()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = base.pathInHome(defaultKeysFileName)
			}
			keys, err := LoadKeys(file, generate)
			if err != nil {
				return fmt.Errorf("failed to load keys %s: %w", file, err)
			}
			id, err := keys.PeerID()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the key file (default $OBS_HOME/%s)", defaultKeysFileName))
	cmd.Flags().BoolVarP(&generate, "generate", "g", false, "generate new key file if it doesn't exist")
	return cmd
}
