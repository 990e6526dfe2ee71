// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// verifyCmd represents the `verify` command.
var verifyCmd = &cobra.Command{
	Use:   "verify <path-glob>",
	Short: "Verify EFI image signatures against the db certificate",
	Long: `Verify EFI image signatures against the db certificate.

All signatures present in an image are listed for diagnostics; an image may
carry signatures from unrelated authorities, which do not count towards
validity.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		verifier, err := newImageVerifier(cfg.KeysDir)
		if err != nil {
			return err
		}

		paths, err := expandGlob(args[0])
		if err != nil {
			return err
		}

		invalid := 0

		for _, path := range paths {
			verification, err := verifier.Verify(path)
			if err != nil {
				return err
			}

			if verification.Valid {
				fmt.Printf("%s %s: %d signature(s)\n", color.GreenString("valid"), path, len(verification.Signatures))
			} else {
				fmt.Printf("%s %s: %d signature(s), none valid against the db certificate\n",
					color.RedString("invalid"), path, len(verification.Signatures))

				invalid++
			}
		}

		if invalid > 0 {
			return fmt.Errorf("%w: %d image(s)", secureboot.ErrVerificationFailed, invalid)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
