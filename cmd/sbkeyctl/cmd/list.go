// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/siderolabs/gen/xslices"
	"github.com/spf13/cobra"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/efivarfs"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// listCmd represents the `list` command.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the certificates currently enrolled in the firmware variable store",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rw, err := efivarfs.NewFilesystemReaderWriter()
		if err != nil {
			return err
		}

		defer rw.Close() //nolint:errcheck

		enrolled, err := efivarfs.ListEnrolledCertificates(rw)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

		fmt.Fprintln(w, "VARIABLE\tSUBJECT\tISSUER\tNOT AFTER")

		for _, h := range secureboot.Hierarchies() {
			certs := enrolled[h]

			if len(certs) == 0 {
				fmt.Fprintf(w, "%s\t-\t-\t-\n", h.Variable())

				continue
			}

			for _, line := range xslices.Map(certs, func(cert *x509.Certificate) string {
				return strings.Join([]string{
					h.Variable(),
					cert.Subject.CommonName,
					cert.Issuer.CommonName,
					cert.NotAfter.Format("2006-01-02"),
				}, "\t")
			}) {
				fmt.Fprintln(w, line)
			}
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
