package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cborprofile "github.com/udmo/udmo/profile/cbor"
)

// profile encode/decode: convert between the shareable JSON profile
// and its compact CBOR form.
func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Convert connection profiles between JSON and CBOR",
	}
	cmd.AddCommand(profileEncodeCmd(), profileDecodeCmd())
	return cmd
}

func profileEncodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode <json-file> <cbor-file>",
		Short: "Pack a JSON profile into compact CBOR",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonData, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			data, err := cborprofile.EncodeJSONProfile(jsonData)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes to %s\n", len(data), args[1])
			return nil
		},
	}
}

func profileDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <cbor-file>",
		Short: "Print a CBOR profile as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			jsonOut, err := cborprofile.DecodeCBORToJSON(data)
			if err != nil {
				return err
			}
			fmt.Println(string(jsonOut))
			return nil
		},
	}
}
