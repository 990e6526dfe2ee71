// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/efivarfs"
)

// errInactive distinguishes "Secure Boot is off" from actual failures: the
// state is reported on stdout, only the exit code differs.
var errInactive = errors.New("secure boot inactive")

// statusCmd represents the `status` command.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether Secure Boot enforcement is active",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rw, err := efivarfs.NewFilesystemReaderWriter()
		if err != nil {
			return err
		}

		defer rw.Close() //nolint:errcheck

		enforcing, err := efivarfs.GetSecureBoot(rw)
		if err != nil {
			return err
		}

		setupMode, err := efivarfs.GetSetupMode(rw)
		if err != nil {
			return err
		}

		if setupMode {
			fmt.Println("setup mode: enabled")
		}

		if !enforcing {
			fmt.Println(color.YellowString("Inactive"))

			return errInactive
		}

		fmt.Println(color.GreenString("Active"))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
