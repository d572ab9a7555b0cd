package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barecat/barecat/internal/archive"
)

var verifyRecount bool

var verifyCmd = &cobra.Command{
	Use:   "verify <archive-base> [path]",
	Short: "Check stored checksums against the bytes on disk",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := args[0]
		path := ""
		if len(args) == 2 {
			path = args[1]
		}

		mode := archive.ReadOnly
		if verifyRecount {
			mode = archive.ReadWrite
		}
		a, err := archive.Open(base, mode)
		if err != nil {
			return err
		}
		defer a.Close()

		mismatches, err := a.Verify(path)
		if err != nil {
			return err
		}
		for _, m := range mismatches {
			fmt.Printf("MISMATCH %s: expected %08x, got %08x\n", m.Path, m.Expected, m.Actual)
		}

		if verifyRecount {
			if err := a.Recount(); err != nil {
				return err
			}
		}

		if len(mismatches) > 0 {
			return fmt.Errorf("%d checksum mismatch(es) found", len(mismatches))
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyRecount, "recount", false, "also rebuild directory aggregates from ground truth, logging any divergence found")
	RootCmd.AddCommand(verifyCmd)
}
