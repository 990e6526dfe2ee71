// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/keystore"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/pesign"
)

// signCmd represents the `sign` command.
var signCmd = &cobra.Command{
	Use:   "sign [path-glob]",
	Short: "Sign EFI images with the db key, skipping images already signed by it",
	Long:  ``,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkPrivileged("sign rewrites boot assets"); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		signer, err := newImageSigner(cfg.KeysDir)
		if err != nil {
			return err
		}

		var results []pesign.Result

		if len(args) > 0 {
			paths, err := expandGlob(args[0])
			if err != nil {
				return err
			}

			for _, path := range paths {
				result, err := signer.Sign(path)
				if err != nil {
					result = pesign.Result{Path: path, Err: err}
				}

				results = append(results, result)
			}
		} else {
			results = signer.SignBatch(cfg.SignTargets())
		}

		return reportResults(results)
	},
}

func newImageSigner(keysDir string) (*pesign.Signer, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	// the store is only read here, no confirmation path is reachable
	store := keystore.NewStore(keystore.Config{Root: keysDir}, nil, logger)

	material, err := store.Load(secureboot.Db)
	if err != nil {
		return nil, err
	}

	return pesign.NewSigner(pesign.NewUEFIBackend(material), logger)
}

// newImageVerifier loads only the db certificate, so verification works
// without access to the locked private keys.
func newImageVerifier(keysDir string) (*pesign.Signer, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	store := keystore.NewStore(keystore.Config{Root: keysDir}, nil, logger)

	material, err := store.LoadCertificate(secureboot.Db)
	if err != nil {
		return nil, err
	}

	return pesign.NewSigner(pesign.NewUEFIBackend(material), logger)
}

func expandGlob(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: bad glob %q: %v", secureboot.ErrInvalidConfig, pattern, err)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: glob %q matched no files", secureboot.ErrInvalidConfig, pattern)
	}

	return paths, nil
}

func reportResults(results []pesign.Result) error {
	var result *multierror.Error

	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Printf("%s %s: %s\n", color.RedString("failed"), r.Path, r.Err)

			result = multierror.Append(result, r.Err)
		case r.Skipped:
			fmt.Printf("%s %s\n", color.YellowString("skipped"), r.Path)
		default:
			fmt.Printf("%s  %s\n", color.GreenString("signed"), r.Path)
		}
	}

	return result.ErrorOrNil()
}

func init() {
	rootCmd.AddCommand(signCmd)
}
