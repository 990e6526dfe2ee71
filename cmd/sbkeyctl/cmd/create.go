// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/keystore"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/vendordb"
)

var createCmdFlags struct {
	commonName string
}

// createCmd represents the `create` command.
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate the PK/KEK/db trust hierarchy and its enrollment payloads",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkPrivileged("create rewrites the protected key store"); err != nil {
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

		store := keystore.NewStore(keystore.Config{Root: cfg.KeysDir}, confirmExact("overwrite"), logger)

		set, err := store.Create(createCmdFlags.commonName)
		if err != nil {
			return err
		}

		if !cfg.EnableOprom {
			return nil
		}

		fetcher := &vendordb.Fetcher{
			URL:    cfg.OpromURL,
			SHA256: cfg.OpromSHA256,
			Logger: logger,
		}

		bundle, err := fetcher.Fetch(cmd.Context())
		if err != nil {
			return err
		}

		cert, err := vendordb.ParseCertificate(bundle)
		if err != nil {
			return err
		}

		esl, payload, err := vendordb.Package(cert, set.OwnerGUID, set.KEK)
		if err != nil {
			return err
		}

		return store.SaveVendor(cert.Raw, esl, payload)
	},
}

func init() {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "sbkeyctl"
	}

	createCmd.Flags().StringVar(&createCmdFlags.commonName, "common-name", hostname, "common name prefix of the generated certificates")

	rootCmd.AddCommand(createCmd)
}
