// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keystore

import (
	"crypto"
	stdx509 "crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/foxboron/go-uefi/efi/util"
	"github.com/siderolabs/crypto/x509"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// Material is an active key and certificate at one level of the trust
// hierarchy. It satisfies both the payload-signing authority and the image
// signing provider interfaces.
type Material struct {
	hierarchy secureboot.Hierarchy
	key       crypto.Signer
	cert      *stdx509.Certificate
}

// Hierarchy returns the level this material belongs to.
func (m *Material) Hierarchy() secureboot.Hierarchy {
	return m.hierarchy
}

// Signer returns the private key.
func (m *Material) Signer() crypto.Signer {
	return m.key
}

// Certificate returns the certificate.
func (m *Material) Certificate() *stdx509.Certificate {
	return m.cert
}

func newMaterial(h secureboot.Hierarchy, ca *x509.CertificateAuthority) (*Material, error) {
	key, ok := ca.Key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s key does not implement crypto.Signer", h)
	}

	return &Material{
		hierarchy: h,
		key:       key,
		cert:      ca.Crt,
	}, nil
}

func loadMaterial(h secureboot.Hierarchy, keyPath, certPath string) (*Material, error) {
	for _, path := range []string{keyPath, certPath} {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", secureboot.ErrMissingKeyMaterial, h.Description(), path)
		}
	}

	key, err := util.ReadKeyFromFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s private key: %w", h, err)
	}

	cert, err := util.ReadCertFromFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s certificate: %w", h, err)
	}

	return &Material{
		hierarchy: h,
		key:       key,
		cert:      cert,
	}, nil
}

func loadCertificateMaterial(h secureboot.Hierarchy, certPath string) (*Material, error) {
	if _, err := os.Stat(certPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (%s)", secureboot.ErrMissingKeyMaterial, h.Description(), certPath)
	}

	cert, err := util.ReadCertFromFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s certificate: %w", h, err)
	}

	return &Material{
		hierarchy: h,
		cert:      cert,
	}, nil
}
