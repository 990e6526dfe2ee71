// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign

import (
	"bytes"
	"fmt"
	"os"

	"github.com/foxboron/go-uefi/authenticode"
)

// UEFIBackend embeds Authenticode signatures using the platform signing key
// material.
type UEFIBackend struct {
	provider CertificateSigner
}

// NewUEFIBackend creates a Backend signing with the given provider.
func NewUEFIBackend(provider CertificateSigner) *UEFIBackend {
	return &UEFIBackend{
		provider: provider,
	}
}

// Sign implements Backend. The image is rewritten in place, preserving its
// file mode.
func (b *UEFIBackend) Sign(path string) error {
	unsigned, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	binary, err := authenticode.Parse(bytes.NewReader(unsigned))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if _, err := binary.Sign(b.provider.Signer(), b.provider.Certificate()); err != nil {
		return fmt.Errorf("failed to sign executable: %w", err)
	}

	return os.WriteFile(path, binary.Bytes(), info.Mode().Perm())
}

// Verify implements Backend.
func (b *UEFIBackend) Verify(path string) (Verification, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return Verification{}, err
	}

	binary, err := authenticode.Parse(bytes.NewReader(image))
	if err != nil {
		return Verification{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	sigs, err := binary.Signatures()
	if err != nil {
		return Verification{}, fmt.Errorf("failed to read signatures of %s: %w", path, err)
	}

	verification := Verification{}

	for i, sig := range sigs {
		verification.Signatures = append(verification.Signatures, SignatureInfo{
			Index: i,
			Size:  len(sig.Certificate),
		})
	}

	if len(sigs) == 0 {
		return verification, nil
	}

	ok, err := binary.Verify(b.provider.Certificate())
	if err != nil {
		// signatures from unrelated authorities which cannot be validated
		// against our certificate count as absent
		return verification, nil
	}

	verification.Valid = ok

	return verification, nil
}
