// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package secureboot contains base definitions for the Secure Boot trust hierarchy.
package secureboot

import "errors"

// Hierarchy identifies a level of the Secure Boot trust hierarchy.
type Hierarchy uint8

// The three-tier hierarchy: the Platform Key authorizes the Key Exchange Key,
// which in turn authorizes the signature database.
const (
	PK Hierarchy = iota + 1
	KEK
	Db
)

func (h Hierarchy) String() string {
	switch h {
	case PK:
		return "PK"
	case KEK:
		return "KEK"
	case Db:
		return "db"
	default:
		return "unknown"
	}
}

// Description returns the human-readable name of the hierarchy level.
func (h Hierarchy) Description() string {
	switch h {
	case PK:
		return "Platform Key"
	case KEK:
		return "Key Exchange Key"
	case Db:
		return "Signature Database Key"
	default:
		return "unknown"
	}
}

// Variable returns the name of the authenticated EFI variable holding the
// hierarchy's signature list.
func (h Hierarchy) Variable() string {
	return h.String()
}

// Parent returns the hierarchy level whose key authorizes updates to h.
//
// The Platform Key is self-authorizing: it signs its own replacement as well
// as its removal.
func (h Hierarchy) Parent() Hierarchy {
	switch h {
	case PK, KEK:
		return PK
	case Db:
		return KEK
	default:
		return 0
	}
}

// Authorizes reports whether a key at level h may sign an update targeting
// the given hierarchy.
func (h Hierarchy) Authorizes(target Hierarchy) bool {
	return target.Parent() == h
}

// Hierarchies returns all levels in enrollment-payload generation order.
func Hierarchies() []Hierarchy {
	return []Hierarchy{PK, KEK, Db}
}

// ConfirmFunc asks the operator to confirm a destructive action. It returns
// false when the operator declines. Injected instead of reading the terminal
// directly so confirmation is testable.
type ConfirmFunc func(prompt string) (bool, error)

// Error kinds surfaced by the secureboot packages. The CLI boundary maps
// these to distinct process exit codes.
var (
	// ErrAborted is returned when the operator declines a destructive confirmation.
	ErrAborted = errors.New("operation aborted")

	// ErrMissingKeyMaterial is returned when a required key, certificate or
	// signed payload does not exist in the key store.
	ErrMissingKeyMaterial = errors.New("missing key material")

	// ErrHierarchyViolation is returned when a payload would be authorized by
	// a key that is not the hierarchical parent of the target variable.
	ErrHierarchyViolation = errors.New("trust hierarchy violation")

	// ErrConfigMissing is returned when the configuration file does not exist.
	ErrConfigMissing = errors.New("configuration file missing")

	// ErrInvalidConfig is returned for malformed configuration values and
	// non-existent configured paths.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotPrivileged is returned when a mutating command runs without root.
	ErrNotPrivileged = errors.New("elevated privileges required")

	// ErrFirmwareWrite is returned when the firmware variable store rejects a write.
	ErrFirmwareWrite = errors.New("firmware variable write failed")

	// ErrVerificationFailed is returned when an image carries no signature
	// valid against the enrolled signature database certificate.
	ErrVerificationFailed = errors.New("signature verification failed")

	// ErrChecksumMismatch is returned when a fetched vendor trust bundle does
	// not match its pinned checksum.
	ErrChecksumMismatch = errors.New("vendor bundle checksum mismatch")
)
