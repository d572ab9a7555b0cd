package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/barecat/barecat/internal/archive"
	"github.com/barecat/barecat/internal/barepath"
)

var extractCmd = &cobra.Command{
	Use:   "extract <archive-base> <dest-dir>",
	Short: "Extract every blob in an archive to a destination directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, dest := args[0], args[1]

		a, err := archive.Open(base, archive.ReadOnly)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Walk(context.Background(), "", func(dirpath string, subdirs, files []string) error {
			destDir := filepath.Join(dest, dirpath)
			if err := os.MkdirAll(destDir, 0o755); err != nil {
				return err
			}
			for _, name := range files {
				p := barepath.Join(dirpath, name)
				if err := extractFile(a, p, filepath.Join(destDir, name)); err != nil {
					return fmt.Errorf("extract %s: %w", p, err)
				}
			}
			return nil
		})
	},
}

func init() {
	RootCmd.AddCommand(extractCmd)
}

func extractFile(a *archive.Archive, path, dest string) error {
	data, err := a.Read(path)
	if err != nil {
		return err
	}
	st, err := a.Stat(path)
	if err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if st.Mode != nil {
		mode = os.FileMode(*st.Mode)
	}
	if err := os.WriteFile(dest, data, mode); err != nil {
		return err
	}
	if st.UID != nil && st.GID != nil {
		os.Chown(dest, int(*st.UID), int(*st.GID))
	}
	if st.MtimeNs != nil {
		mt := time.Unix(0, *st.MtimeNs)
		os.Chtimes(dest, mt, mt)
	}
	return nil
}
