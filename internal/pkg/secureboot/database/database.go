// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package database builds EFI signature lists and signed variable update payloads.
package database

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/foxboron/go-uefi/efi/util"
	"github.com/foxboron/go-uefi/efivar"
	"github.com/google/uuid"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// Authority is a signing key at a known level of the trust hierarchy.
type Authority interface {
	Hierarchy() secureboot.Hierarchy
	Signer() crypto.Signer
	Certificate() *x509.Certificate
}

// Build assembles a signature database from DER-encoded certificates under a
// single owner GUID.
//
// Entries are deduplicated by certificate digest; insertion order is
// preserved, so the result is deterministic for a given input sequence.
func Build(owner uuid.UUID, certsDER ...[]byte) (*signature.SignatureDatabase, error) {
	efiGUID := util.StringToGUID(owner.String())

	db := signature.NewSignatureDatabase()
	seen := map[[sha256.Size]byte]struct{}{}

	for _, der := range certsDER {
		fingerprint := sha256.Sum256(der)

		if _, ok := seen[fingerprint]; ok {
			continue
		}

		seen[fingerprint] = struct{}{}

		if err := db.Append(signature.CERT_X509_GUID, *efiGUID, der); err != nil {
			return nil, fmt.Errorf("failed to append certificate to signature list: %w", err)
		}
	}

	return db, nil
}

// Merge concatenates signature databases, preserving the internal order of
// each input. Used to fold a vendor trust bundle into the db list.
func Merge(dbs ...*signature.SignatureDatabase) *signature.SignatureDatabase {
	merged := signature.NewSignatureDatabase()

	for _, db := range dbs {
		if db == nil {
			continue
		}

		*merged = append(*merged, *db...)
	}

	return merged
}

// SignUpdate wraps a signature database into an authenticated variable
// payload for the target hierarchy level, signed by the authorizing key.
//
// The authorizing key must be the hierarchical parent of the target; the
// signer embeds the current time as the payload timestamp, which is
// non-decreasing across invocations so firmware rejects replayed stale
// payloads.
func SignUpdate(db *signature.SignatureDatabase, target secureboot.Hierarchy, auth Authority) ([]byte, error) {
	if !auth.Hierarchy().Authorizes(target) {
		return nil, fmt.Errorf("%w: %s may not authorize updates to %s",
			secureboot.ErrHierarchyViolation, auth.Hierarchy().Description(), target)
	}

	_, signed, err := signature.SignEFIVariable(efivarFor(target), db, auth.Signer(), auth.Certificate())
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s update: %w", target, err)
	}

	return signed.Bytes(), nil
}

// efivarFor maps a hierarchy level to its variable descriptor, which carries
// the name, vendor GUID and attributes covered by the payload signature.
func efivarFor(h secureboot.Hierarchy) efivar.Efivar {
	switch h {
	case secureboot.PK:
		return efivar.PK
	case secureboot.KEK:
		return efivar.KEK
	default:
		return efivar.Db
	}
}

// SignRemoval produces a signed update carrying an empty signature list for
// the Platform Key. Writing it while in user mode clears the PK and returns
// the firmware to setup mode, enabling supervised key rotation.
func SignRemoval(auth Authority) ([]byte, error) {
	if auth.Hierarchy() != secureboot.PK {
		return nil, fmt.Errorf("%w: only the Platform Key may authorize its own removal",
			secureboot.ErrHierarchyViolation)
	}

	return SignUpdate(signature.NewSignatureDatabase(), secureboot.PK, auth)
}
