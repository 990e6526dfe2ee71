// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vendordb fetches the vendor option ROM trust bundle and packages it
// as a signed db append payload.
package vendordb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-getter/v2"
	"go.uber.org/zap"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/database"
)

// fetch timeouts are generous: option ROM bundles are small, but the hosts
// serving them are not always fast.
const fetchTimeout = 5 * time.Minute

// Fetcher downloads the vendor trust bundle and pins it to a checksum.
type Fetcher struct {
	// URL of the vendor certificate, PEM or DER encoded.
	URL string

	// SHA256 is the hex-encoded pinned digest of the bundle as served.
	SHA256 string

	Logger *zap.Logger
}

// Fetch downloads the bundle, retrying transient failures, and verifies it
// against the pinned checksum. A checksum mismatch is never retried: the
// served content is wrong, not the transport.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	pinned, err := hex.DecodeString(f.SHA256)
	if err != nil || len(pinned) != sha256.Size {
		return nil, fmt.Errorf("%w: malformed vendor bundle checksum %q", secureboot.ErrInvalidConfig, f.SHA256)
	}

	tmpDir, err := os.MkdirTemp("", "sbkeyctl-vendordb")
	if err != nil {
		return nil, err
	}

	defer os.RemoveAll(tmpDir) //nolint:errcheck

	dst := filepath.Join(tmpDir, "vendor.crt")

	client := getter.Client{
		Getters: []getter.Getter{
			&getter.HttpGetter{
				HeadFirstTimeout: fetchTimeout,
				ReadTimeout:      fetchTimeout,
			},
			&getter.FileGetter{},
		},
	}

	var data []byte

	err = backoff.Retry(
		func() error {
			if _, err := client.Get(ctx, &getter.Request{
				Src:     f.URL,
				Dst:     dst,
				Copy:    true,
				GetMode: getter.ModeFile,
			}); err != nil {
				f.Logger.Warn("vendor bundle download failed, retrying", zap.Error(err))

				return err
			}

			data, err = os.ReadFile(dst)
			if err != nil {
				return err
			}

			if digest := sha256.Sum256(data); !bytes.Equal(digest[:], pinned) {
				return backoff.Permanent(fmt.Errorf("%w: got %s, expected %s",
					secureboot.ErrChecksumMismatch, hex.EncodeToString(digest[:]), f.SHA256))
			}

			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx),
	)
	if err != nil {
		return nil, err
	}

	f.Logger.Info("fetched vendor trust bundle",
		zap.String("url", f.URL),
		zap.Int("size", len(data)),
		zap.String("sha256", f.SHA256))

	return data, nil
}

// ParseCertificate decodes the fetched bundle, accepting both a PEM block and
// raw DER.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der := data

	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("vendor bundle holds a %q PEM block, expected a certificate", block.Type)
		}

		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("vendor bundle is not an X.509 certificate: %w", err)
	}

	return cert, nil
}

// Package builds the vendor signature list under the given owner GUID and the
// db append payload authorized by the Key Exchange Key.
func Package(cert *x509.Certificate, owner uuid.UUID, kek database.Authority) (esl, payload []byte, err error) {
	db, err := database.Build(owner, cert.Raw)
	if err != nil {
		return nil, nil, err
	}

	payload, err = database.SignUpdate(db, secureboot.Db, kek)
	if err != nil {
		return nil, nil, err
	}

	return db.Bytes(), payload, nil
}
