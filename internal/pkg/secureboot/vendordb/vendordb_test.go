// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vendordb_test

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	stdx509 "crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/google/uuid"
	"github.com/siderolabs/crypto/x509"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/vendordb"
)

func genCA(t *testing.T, commonName string) *x509.CertificateAuthority {
	t.Helper()

	currentTime := time.Now()

	opts := x509.NewDefaultOptions(
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName(commonName),
		x509.NotAfter(currentTime.Add(time.Hour)),
		x509.NotBefore(currentTime),
	)

	serialNumber, err := x509.NewSerialNumber()
	require.NoError(t, err)

	ca, err := x509.RSACertificateAuthority(&stdx509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		SignatureAlgorithm:    opts.SignatureAlgorithm,
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              stdx509.KeyUsageCertSign | stdx509.KeyUsageDigitalSignature,
	}, opts)
	require.NoError(t, err)

	return ca
}

func writeBundle(t *testing.T, data []byte) (path, digest string) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "vendor.crt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sum := sha256.Sum256(data)

	return path, hex.EncodeToString(sum[:])
}

func TestFetch(t *testing.T) {
	ca := genCA(t, "Vendor Option ROM CA")

	path, digest := writeBundle(t, ca.CrtPEM)

	fetcher := &vendordb.Fetcher{
		URL:    path,
		SHA256: digest,
		Logger: zaptest.NewLogger(t),
	}

	data, err := fetcher.Fetch(t.Context())
	require.NoError(t, err)
	assert.Equal(t, ca.CrtPEM, data)
}

func TestFetchUppercaseChecksum(t *testing.T) {
	ca := genCA(t, "Vendor Option ROM CA")

	path, digest := writeBundle(t, ca.CrtPEM)

	fetcher := &vendordb.Fetcher{
		URL:    path,
		SHA256: strings.ToUpper(digest),
		Logger: zaptest.NewLogger(t),
	}

	data, err := fetcher.Fetch(t.Context())
	require.NoError(t, err)
	assert.Equal(t, ca.CrtPEM, data)
}

func TestFetchChecksumMismatch(t *testing.T) {
	ca := genCA(t, "Vendor Option ROM CA")

	path, _ := writeBundle(t, ca.CrtPEM)

	wrong := sha256.Sum256([]byte("something else entirely"))

	fetcher := &vendordb.Fetcher{
		URL:    path,
		SHA256: hex.EncodeToString(wrong[:]),
		Logger: zaptest.NewLogger(t),
	}

	_, err := fetcher.Fetch(t.Context())
	require.ErrorIs(t, err, secureboot.ErrChecksumMismatch)
}

func TestFetchMalformedChecksum(t *testing.T) {
	fetcher := &vendordb.Fetcher{
		URL:    "/does/not/matter",
		SHA256: "not-hex",
		Logger: zaptest.NewLogger(t),
	}

	_, err := fetcher.Fetch(t.Context())
	require.ErrorIs(t, err, secureboot.ErrInvalidConfig)
}

func TestParseCertificate(t *testing.T) {
	ca := genCA(t, "Vendor Option ROM CA")

	for _, test := range []struct {
		name string
		data []byte
	}{
		{name: "PEM", data: ca.CrtPEM},
		{name: "DER", data: ca.Crt.Raw},
	} {
		t.Run(test.name, func(t *testing.T) {
			cert, err := vendordb.ParseCertificate(test.data)
			require.NoError(t, err)

			assert.Equal(t, "Vendor Option ROM CA", cert.Subject.CommonName)
		})
	}

	_, err := vendordb.ParseCertificate([]byte("garbage"))
	require.Error(t, err)
}

type kekAuthority struct {
	ca *x509.CertificateAuthority
}

func (a *kekAuthority) Hierarchy() secureboot.Hierarchy { return secureboot.KEK }

func (a *kekAuthority) Signer() crypto.Signer { return a.ca.Key.(crypto.Signer) }

func (a *kekAuthority) Certificate() *stdx509.Certificate { return a.ca.Crt }

func TestPackage(t *testing.T) {
	vendor := genCA(t, "Vendor Option ROM CA")
	kek := &kekAuthority{ca: genCA(t, "test KEK")}

	owner := uuid.New()

	cert, err := vendordb.ParseCertificate(vendor.CrtPEM)
	require.NoError(t, err)

	esl, payload, err := vendordb.Package(cert, owner, kek)
	require.NoError(t, err)

	db, err := signature.ReadSignatureDatabase(bytes.NewReader(esl))
	require.NoError(t, err)

	require.Len(t, db, 1)
	require.Len(t, db[0].Signatures, 1)
	assert.Equal(t, vendor.Crt.Raw, db[0].Signatures[0].Data)

	// the payload is the signature list behind an authentication descriptor
	assert.True(t, bytes.HasSuffix(payload, esl))
	assert.Greater(t, len(payload), len(esl))
}
