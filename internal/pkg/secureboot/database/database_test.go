// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package database_test

import (
	"bytes"
	"crypto"
	stdx509 "crypto/x509"
	"testing"
	"time"

	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/google/uuid"
	"github.com/siderolabs/crypto/x509"
	"github.com/stretchr/testify/require"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/database"
)

type authority struct {
	hierarchy secureboot.Hierarchy
	ca        *x509.CertificateAuthority
}

func (a *authority) Hierarchy() secureboot.Hierarchy { return a.hierarchy }

func (a *authority) Signer() crypto.Signer { return a.ca.Key.(crypto.Signer) }

func (a *authority) Certificate() *stdx509.Certificate { return a.ca.Crt }

func genAuthority(t *testing.T, h secureboot.Hierarchy) *authority {
	t.Helper()

	currentTime := time.Now()

	ca, err := x509.NewSelfSignedCertificateAuthority(
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName("test "+h.String()),
		x509.NotAfter(currentTime.Add(time.Hour)),
		x509.NotBefore(currentTime),
		x509.Organization("test"),
	)
	require.NoError(t, err)

	return &authority{hierarchy: h, ca: ca}
}

func TestBuildDeduplicates(t *testing.T) {
	owner := uuid.New()

	certA := genAuthority(t, secureboot.Db).Certificate().Raw
	certB := genAuthority(t, secureboot.Db).Certificate().Raw

	db, err := database.Build(owner, certA, certB, certA)
	require.NoError(t, err)

	require.Len(t, *db, 2)

	// deterministic for the same inputs
	db2, err := database.Build(owner, certA, certB, certA)
	require.NoError(t, err)

	require.Equal(t, db.Bytes(), db2.Bytes())
}

func TestMergePreservesOrder(t *testing.T) {
	owner := uuid.New()

	certA := genAuthority(t, secureboot.Db).Certificate().Raw
	certB := genAuthority(t, secureboot.Db).Certificate().Raw

	dbA, err := database.Build(owner, certA)
	require.NoError(t, err)

	dbB, err := database.Build(owner, certB)
	require.NoError(t, err)

	merged := database.Merge(dbA, dbB)
	require.Len(t, *merged, 2)

	expected := append(append([]byte{}, dbA.Bytes()...), dbB.Bytes()...)
	require.Equal(t, expected, merged.Bytes())
}

func TestSignUpdateHierarchy(t *testing.T) {
	owner := uuid.New()

	pk := genAuthority(t, secureboot.PK)
	kek := genAuthority(t, secureboot.KEK)

	db, err := database.Build(owner, genAuthority(t, secureboot.Db).Certificate().Raw)
	require.NoError(t, err)

	// only KEK may authorize db
	_, err = database.SignUpdate(db, secureboot.Db, pk)
	require.ErrorIs(t, err, secureboot.ErrHierarchyViolation)

	_, err = database.SignUpdate(db, secureboot.KEK, kek)
	require.ErrorIs(t, err, secureboot.ErrHierarchyViolation)

	payload, err := database.SignUpdate(db, secureboot.Db, kek)
	require.NoError(t, err)

	// authentication descriptor followed by the original signature list
	require.True(t, bytes.HasSuffix(payload, db.Bytes()))
	require.Greater(t, len(payload), len(db.Bytes()))

	// the descriptor parses back as an EFI_VARIABLE_AUTHENTICATION_2 header
	descriptor, err := signature.ReadEFIVariableAuthencation2(bytes.NewReader(payload))
	require.NoError(t, err)
	require.NotNil(t, descriptor)
}

func TestSignRemoval(t *testing.T) {
	pk := genAuthority(t, secureboot.PK)
	kek := genAuthority(t, secureboot.KEK)

	_, err := database.SignRemoval(kek)
	require.ErrorIs(t, err, secureboot.ErrHierarchyViolation)

	payload, err := database.SignRemoval(pk)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}
