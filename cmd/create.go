package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/barecat/barecat/internal/archive"
)

var createShardSizeLimit int64

var createCmd = &cobra.Command{
	Use:   "create <archive-base>",
	Short: "Create an archive from a list of paths read on stdin",
	Long: "Reads a NUL- or newline-separated list of paths from stdin, relative to the " +
		"current directory, and writes each one into a newly created archive.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := args[0]

		var opts []archive.Option
		if createShardSizeLimit > 0 {
			opts = append(opts, archive.WithShardSizeLimit(createShardSizeLimit))
		}

		a, err := archive.Open(base, archive.CreateNew, opts...)
		if err != nil {
			return err
		}
		defer a.Close()

		paths, err := readPathList(os.Stdin)
		if err != nil {
			return err
		}

		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			info, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			meta := metaFromFileInfo(info)
			if err := a.Write(p, data, meta); err != nil {
				return fmt.Errorf("write %s: %w", p, err)
			}
		}
		return nil
	},
}

func init() {
	createCmd.Flags().Int64Var(&createShardSizeLimit, "shard-size-limit", 0, "override the default shard size cap in bytes")
	RootCmd.AddCommand(createCmd)
}

// readPathList splits f's contents on NUL bytes if any are present, else on
// newlines, dropping empty entries.
func readPathList(f *os.File) ([]string, error) {
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	sep := "\n"
	if strings.IndexByte(string(raw), 0) >= 0 {
		sep = "\x00"
	}

	var out []string
	for _, p := range strings.Split(string(raw), sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
