package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/kairon-os/kairon/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, written, err := writeDefaultConfig(initForce)
		if err != nil {
			return err
		}
		if !written {
			fmt.Printf("%s Config already exists at %s (use --force to overwrite)\n", okMark(false), path)
			return nil
		}
		fmt.Printf("%s Wrote default config to %s\n", okMark(true), path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

// writeDefaultConfig saves the default configuration unless a file is
// already present and force is unset.
func writeDefaultConfig(force bool) (string, bool, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return path, false, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return path, false, err
	}
	if err := config.Save(config.DefaultConfig()); err != nil {
		return path, false, fmt.Errorf("write config: %w", err)
	}
	return path, true, nil
}
