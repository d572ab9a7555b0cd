package cmd

import (
	"github.com/spf13/cobra"

	"github.com/barecat/barecat/internal/archive"
)

var defragQuick bool

var defragCmd = &cobra.Command{
	Use:   "defrag <archive-base>",
	Short: "Reclaim gap bytes left by deletes and truncates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := archive.Open(args[0], archive.ReadWrite, archive.WithLogger(log.WithField("archive", args[0])))
		if err != nil {
			return err
		}
		defer a.Close()

		mode := archive.DefragFull
		if defragQuick {
			mode = archive.DefragQuick
		}
		return a.Defrag(mode)
	},
}

func init() {
	defragCmd.Flags().BoolVar(&defragQuick, "quick", false, "use the first-fit-from-end strategy instead of a full forward pack")
	RootCmd.AddCommand(defragCmd)
}
