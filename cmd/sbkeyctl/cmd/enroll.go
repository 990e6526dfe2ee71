// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/efivarfs"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/enroll"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/keystore"
)

// enrollCmd represents the `enroll` command.
var enrollCmd = &cobra.Command{
	Use:   "enroll [current-pk-key [current-kek-key]]",
	Short: "Write the generated trust hierarchy into the firmware variable store",
	Long: `Write the generated trust hierarchy into the firmware variable store.

When rotating keys on a device already in user mode, pass the private key of
the currently enrolled Platform Key (and optionally Key Exchange Key); the
matching certificate is expected next to each key with a .crt extension. The
enrollment payloads are then re-signed under the enrolled hierarchy.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkPrivileged("enroll mutates firmware variables"); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}

		defer logger.Sync() //nolint:errcheck

		rw, err := efivarfs.NewFilesystemReaderWriter()
		if err != nil {
			return err
		}

		defer rw.Close() //nolint:errcheck

		// the store is only read during enrollment, confirmation happens in the sequencer
		store := keystore.NewStore(keystore.Config{Root: cfg.KeysDir}, nil, logger)

		options := enroll.Options{
			VendorBundle: cfg.EnableOprom,
		}

		if len(args) > 0 {
			options.PKAuthKeyPath = args[0]
		}

		if len(args) > 1 {
			options.KEKAuthKeyPath = args[1]
		}

		return enroll.NewSequencer(rw, store, confirmExact("enroll"), logger, options).Run()
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}
