package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/barecat/barecat/internal/archive"
)

var statCmd = &cobra.Command{
	Use:   "stat <archive-base> <path>",
	Short: "Print attributes and (for directories) aggregate stats for a path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, path := args[0], args[1]

		a, err := archive.Open(base, archive.ReadOnly)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Stat(path)
		if err != nil {
			return err
		}

		kind := "file"
		if st.IsDir {
			kind = "directory"
		}
		fmt.Printf("path:  %s\n", st.Path)
		fmt.Printf("kind:  %s\n", kind)
		fmt.Printf("size:  %s (%d bytes)\n", humanize.Bytes(uint64(st.Size)), st.Size)
		if st.IsDir {
			fmt.Printf("files: %d\n", st.NumFiles)
		}
		if st.CRC32C != nil {
			fmt.Printf("crc32c: %08x\n", *st.CRC32C)
		}
		if st.Mode != nil {
			fmt.Printf("mode:  %#o\n", *st.Mode)
		}
		if st.UID != nil {
			fmt.Printf("uid:   %d\n", *st.UID)
		}
		if st.GID != nil {
			fmt.Printf("gid:   %d\n", *st.GID)
		}
		if st.MtimeNs != nil {
			fmt.Printf("mtime: %d ns\n", *st.MtimeNs)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statCmd)
}
