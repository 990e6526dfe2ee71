// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivarfs

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"

	"github.com/foxboron/go-uefi/efi/signature"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// ScopeFor returns the variable namespace of a trust hierarchy level: PK and
// KEK live in the global namespace, db in the image security database.
func ScopeFor(h secureboot.Hierarchy) Scope {
	if h == secureboot.Db {
		return ScopeSecurity
	}

	return ScopeGlobal
}

// authenticatedWriteAttrs is the attribute set required for writes of signed
// update payloads to PK/KEK/db.
const authenticatedWriteAttrs = AttrNonVolatile | AttrBootserviceAccess | AttrRuntimeAccess | AttrTimeBasedAuthenticatedWriteAccess

// WriteAuthenticated writes a signed update payload to the variable of the
// given hierarchy level. With appendWrite set, the payload is appended to the
// existing signature list instead of replacing it.
func WriteAuthenticated(rw ReadWriter, h secureboot.Hierarchy, payload []byte, appendWrite bool) error {
	attrs := authenticatedWriteAttrs
	if appendWrite {
		attrs |= AttrAppendWrite
	}

	return rw.Write(ScopeFor(h), h.Variable(), attrs, payload)
}

// GetSecureBoot reports whether the firmware booted with Secure Boot
// enforcement active. The indicator variable holds a single byte, 1 meaning
// active.
func GetSecureBoot(rw ReadWriter) (bool, error) {
	return readBoolByte(rw, "SecureBoot")
}

// GetSetupMode reports whether the firmware is in setup mode, i.e. no
// Platform Key is enrolled and variable writes need not be authenticated.
func GetSetupMode(rw ReadWriter) (bool, error) {
	return readBoolByte(rw, "SetupMode")
}

func readBoolByte(rw ReadWriter, name string) (bool, error) {
	data, _, err := rw.Read(ScopeGlobal, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	if len(data) < 1 {
		return false, fmt.Errorf("variable %s: unexpected empty contents", name)
	}

	return data[0] == 1, nil
}

// ReadSignatureDatabase reads and parses the signature list currently
// enrolled for the given hierarchy level. An absent variable yields an empty
// database.
func ReadSignatureDatabase(rw ReadWriter, h secureboot.Hierarchy) (signature.SignatureDatabase, error) {
	data, _, err := rw.Read(ScopeFor(h), h.Variable())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return signature.SignatureDatabase{}, nil
		}

		return nil, err
	}

	// efivarfs prefixes variable contents with the 4-byte attribute word when
	// read through the file interface; efivario strips it already.
	db, err := signature.ReadSignatureDatabase(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s signature database: %w", h, err)
	}

	return db, nil
}

// EnrolledCertificates extracts the X.509 certificates from a parsed
// signature database, skipping hash-based and other non-certificate entries.
func EnrolledCertificates(db signature.SignatureDatabase) []*x509.Certificate {
	var result []*x509.Certificate

	for _, list := range db {
		if list.SignatureType != signature.CERT_X509_GUID {
			continue
		}

		for _, sig := range list.Signatures {
			certs, err := x509.ParseCertificates(sig.Data)
			if err != nil {
				continue
			}

			result = append(result, certs...)
		}
	}

	return result
}

// ListEnrolledCertificates enumerates the certificates enrolled for each
// hierarchy level.
func ListEnrolledCertificates(rw ReadWriter) (map[secureboot.Hierarchy][]*x509.Certificate, error) {
	result := map[secureboot.Hierarchy][]*x509.Certificate{}

	for _, h := range secureboot.Hierarchies() {
		db, err := ReadSignatureDatabase(rw, h)
		if err != nil {
			return nil, err
		}

		result[h] = EnrolledCertificates(db)
	}

	return result, nil
}
