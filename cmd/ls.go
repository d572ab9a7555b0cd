package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barecat/barecat/internal/archive"
)

var lsCmd = &cobra.Command{
	Use:   "ls <archive-base> [path]",
	Short: "List a directory's immediate children",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := args[0]
		path := ""
		if len(args) == 2 {
			path = args[1]
		}

		a, err := archive.Open(base, archive.ReadOnly)
		if err != nil {
			return err
		}
		defer a.Close()

		subdirs, files, err := a.ListDir(path)
		if err != nil {
			return err
		}
		for _, d := range subdirs {
			fmt.Printf("%s/\n", d)
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(lsCmd)
}
