package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// exitError carries a process exit code out of a command without printing
// an error message.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "wave: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	workdir    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "wave",
		Short:         "Wave is a terminal coding assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath(), "path to config file")
	root.PersistentFlags().StringVarP(&flags.workdir, "workdir", "w", "", "working directory (overrides config)")

	root.AddCommand(
		newRunCmd(flags),
		newSessionsCmd(flags),
		newMemoryCmd(flags),
	)
	return root
}

// defaultConfigPath prefers ./wave.yaml, then ~/.wave/config.yaml.
func defaultConfigPath() string {
	if _, err := os.Stat("wave.yaml"); err == nil {
		return "wave.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "wave.yaml"
	}
	return filepath.Join(home, ".wave", "config.yaml")
}
