// Package cmd implements the barecat CLI: thin wiring of internal/archive
// for scripted creation, extraction, inspection, and maintenance of an
// archive, plus a demonstrative FUSE mount.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// errUsage marks a RunE failure as a usage error (exit code 2) rather than
// an operational one (exit code 1).
var errUsage = errors.New("usage error")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

var (
	logLevel string
	log      = logrus.New()
)

var RootCmd = &cobra.Command{
	Use:           "barecat",
	Short:         "Aggregate storage for huge collections of small immutable blobs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return usageErrorf("invalid --log-level %q", viper.GetString("log-level"))
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	viper.BindPFlag("log-level", RootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("BARECAT")
	viper.AutomaticEnv()
	viper.SetConfigName("barecat")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.ReadInConfig() // optional; absence is not an error
}

// Execute runs the CLI and returns the process exit code: 0 on success, 2
// on a usage error, 1 on any other failure.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, strings.TrimPrefix(err.Error(), errUsage.Error()+": "))
			return 2
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
