package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/udmo/udmo/keys"
)

// keygen <key-file>: mint a static key. Refuses to overwrite.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <key-file>",
		Short: "Generate a new static pre-shared key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keys.GenerateStatic(args[0]); err != nil {
				return err
			}
			fmt.Printf("wrote %d-byte key to %s\n", keys.KeySize, args[0])
			fmt.Println("copy it to the other endpoint over a secure channel")
			return nil
		},
	}
}
