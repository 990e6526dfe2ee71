// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pesign implements idempotent PE (portable executable) signing.
package pesign

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// CertificateSigner is a provider of the certificate and the signer.
type CertificateSigner interface {
	Signer() crypto.Signer
	Certificate() *x509.Certificate
}

// SignatureInfo describes one signature embedded in an image.
type SignatureInfo struct {
	// Index of the signature in the certificate table.
	Index int
	// Size of the raw signature blob.
	Size int
}

// Verification is the outcome of checking an image against the signature
// database certificate. Signatures lists everything embedded in the image,
// Valid reports whether at least one of them chains to the db certificate;
// the two are separate because images may carry signatures from unrelated
// authorities.
type Verification struct {
	Signatures []SignatureInfo
	Valid      bool
}

// Backend embeds and checks image signatures. The PE/COFF embedding
// algorithm itself is opaque to this package.
type Backend interface {
	// Sign embeds a signature into the image at path, replacing it in place.
	Sign(path string) error

	// Verify inspects the image at path. Verification failure is reported
	// through the result, not the error; the error covers unreadable or
	// malformed images.
	Verify(path string) (Verification, error)
}

// Result is the outcome of signing one image.
type Result struct {
	Path    string
	Skipped bool
	Err     error
}

// Signer signs EFI boot images against the signature database key.
type Signer struct {
	backend Backend
	logger  *zap.Logger
}

// NewSigner creates a new Signer.
func NewSigner(backend Backend, logger *zap.Logger) (*Signer, error) {
	return &Signer{
		backend: backend,
		logger:  logger,
	}, nil
}

// Sign signs the image at path in place and makes the write durable.
//
// Signing is idempotent: when the image already carries a signature valid
// against the db certificate the file is left untouched, avoiding stacked
// duplicate signatures and needless writes.
func (s *Signer) Sign(path string) (Result, error) {
	result, err := s.sign(path)
	if err != nil {
		return result, err
	}

	if !result.Skipped {
		unix.Sync()
	}

	return result, nil
}

func (s *Signer) sign(path string) (Result, error) {
	verification, err := s.backend.Verify(path)
	if err == nil && verification.Valid {
		s.logger.Info("image already signed, skipping", zap.String("path", path))

		return Result{Path: path, Skipped: true}, nil
	}

	if err := s.backend.Sign(path); err != nil {
		return Result{Path: path, Err: err}, fmt.Errorf("failed to sign %s: %w", path, err)
	}

	s.logger.Info("signed image", zap.String("path", path))

	return Result{Path: path}, nil
}

// Verify inspects the image at path against the db certificate.
func (s *Signer) Verify(path string) (Verification, error) {
	return s.backend.Verify(path)
}

// SignBatch signs every EFI image in the given directories, matching files
// by the .efi extension case-insensitively.
//
// A directory that does not exist yields a per-entry configuration error
// rather than aborting the batch, so one stale path does not block signing
// the rest. A single durability sync covers all writes of the batch.
func (s *Signer) SignBatch(dirs []string) []Result {
	var (
		results []Result
		wrote   bool
	)

	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			results = append(results, Result{
				Path: dir,
				Err:  fmt.Errorf("%w: not a directory: %s", secureboot.ErrInvalidConfig, dir),
			})

			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			results = append(results, Result{Path: dir, Err: err})

			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".efi") {
				continue
			}

			result, err := s.sign(filepath.Join(dir, entry.Name()))
			if err != nil {
				s.logger.Warn("failed to sign image", zap.String("path", result.Path), zap.Error(err))
			}

			if !result.Skipped && result.Err == nil {
				wrote = true
			}

			results = append(results, result)
		}
	}

	if wrote {
		unix.Sync()
	}

	return results
}
