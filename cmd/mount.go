package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/barecat/barecat/internal/archive"
	"github.com/barecat/barecat/pkg/fs"
)

var (
	mountWritable     bool
	mountEnableDefrag bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <archive-base> <mountpoint>",
	Short: "Expose an archive as a read-only (or --writable) FUSE filesystem",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, mountpoint := args[0], args[1]

		mode := archive.ReadOnly
		if mountWritable {
			mode = archive.ReadWrite
		}
		a, err := archive.Open(base, mode, archive.WithLogger(log.WithField("archive", base)))
		if err != nil {
			return err
		}
		defer a.Close()

		if mountEnableDefrag && !mountWritable {
			return usageErrorf("--enable-defrag requires --writable")
		}

		m, err := fs.Mount(mountpoint, a, mountWritable)
		if err != nil {
			return err
		}
		m.Serve()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			if mountEnableDefrag {
				if err := a.Defrag(archive.DefragQuick); err != nil {
					log.WithError(err).Warn("defrag on unmount failed")
				}
			}
			m.Unmount()
		}()

		fmt.Fprintf(os.Stderr, "mounted %s at %s\n", base, mountpoint)
		m.Wait()
		return nil
	},
}

func init() {
	mountCmd.Flags().BoolVar(&mountWritable, "writable", false, "allow writes, mkdir, delete, and rename through the mount")
	mountCmd.Flags().BoolVar(&mountEnableDefrag, "enable-defrag", false, "run a quick defrag pass when the mount is torn down")
	RootCmd.AddCommand(mountCmd)
}
