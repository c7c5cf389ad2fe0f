package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var collectionsCmd = &cobra.Command{
	Use:   "collections <tenant>",
	Short: "List the indexed collections of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		f, _, closeFn, err := openFinder(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		collections, err := f.Collections(ctx, args[0])
		if err != nil {
			return err
		}
		if len(collections) == 0 {
			fmt.Println("No indexed collections.")
			return nil
		}
		for _, c := range collections {
			fmt.Printf("%s\t%d faces\t%d photos\n", c.Collection, c.FaceCount, c.References)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(collectionsCmd)
}
