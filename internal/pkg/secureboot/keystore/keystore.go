// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keystore owns the on-disk Secure Boot key and certificate material.
package keystore

import (
	"bytes"
	stdx509 "crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/google/uuid"
	"github.com/siderolabs/crypto/x509"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/database"
)

const (
	// KeyBits is the RSA modulus size of generated keys.
	KeyBits = 4096

	// Validity is the validity window of generated certificates.
	Validity = 10 * 365 * 24 * time.Hour

	// BackupTimeFormat names backup snapshots.
	BackupTimeFormat = "20060102T150405"

	guidFile      = "GUID"
	keysDirName   = "keys"
	backupDirName = "backups"
	vendorName    = "vendor"
)

// Config carries the key storage location.
type Config struct {
	// Root of key storage; keys live in Root/keys, snapshots in Root/backups.
	Root string
}

// Store manages key material under a single root directory.
type Store struct {
	root    string
	confirm secureboot.ConfirmFunc
	clock   clock.Clock
	logger  *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a key store rooted at cfg.Root.
func NewStore(cfg Config, confirm secureboot.ConfirmFunc, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		root:    cfg.Root,
		confirm: confirm,
		clock:   clock.New(),
		logger:  logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// KeysDir returns the active key directory.
func (s *Store) KeysDir() string {
	return filepath.Join(s.root, keysDirName)
}

// BackupsDir returns the snapshot directory.
func (s *Store) BackupsDir() string {
	return filepath.Join(s.root, backupDirName)
}

func (s *Store) pathFor(h secureboot.Hierarchy, ext string) string {
	return filepath.Join(s.KeysDir(), h.String()+"."+ext)
}

func (s *Store) vendorPath(ext string) string {
	return filepath.Join(s.KeysDir(), vendorName+"."+ext)
}

// Exists reports whether any key material is present in the store. Partial
// sets left behind by an interrupted generation count as present, so they are
// backed up rather than overwritten.
func (s *Store) Exists() bool {
	for _, h := range secureboot.Hierarchies() {
		for _, ext := range []string{"key", "crt", "cer", "esl", "auth"} {
			if _, err := os.Stat(s.pathFor(h, ext)); err == nil {
				return true
			}
		}
	}

	return false
}

// Set is the full generated trust hierarchy.
type Set struct {
	PK  *Material
	KEK *Material
	Db  *Material

	OwnerGUID uuid.UUID
}

// Create generates a fresh three-tier trust hierarchy under a shared owner
// GUID and persists keys, certificates, signature lists and signed update
// payloads.
//
// If key material already exists, the operator is asked for explicit
// confirmation; on agreement the prior set is moved into a read-locked,
// timestamped backup before generation proceeds, on refusal nothing is
// touched and ErrAborted is returned.
func (s *Store) Create(commonName string) (*Set, error) {
	if s.Exists() {
		ok, err := s.confirm(fmt.Sprintf("existing Secure Boot keys in %s will be moved to a backup and replaced", s.KeysDir()))
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, fmt.Errorf("%w: key regeneration declined", secureboot.ErrAborted)
		}

		backupPath, err := s.backup()
		if err != nil {
			return nil, err
		}

		s.logger.Info("moved existing keys to backup", zap.String("path", backupPath))
	}

	if err := os.MkdirAll(s.KeysDir(), 0o700); err != nil {
		return nil, err
	}

	owner := uuid.New()

	if err := os.WriteFile(filepath.Join(s.KeysDir(), guidFile), []byte(owner.String()+"\n"), 0o600); err != nil {
		return nil, err
	}

	set := &Set{OwnerGUID: owner}

	now := s.clock.Now()

	for _, h := range secureboot.Hierarchies() {
		material, err := s.generate(h, commonName, now)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", h.Description(), err)
		}

		switch h {
		case secureboot.PK:
			set.PK = material
		case secureboot.KEK:
			set.KEK = material
		case secureboot.Db:
			set.Db = material
		}

		s.logger.Info("generated certificate",
			zap.String("hierarchy", h.String()),
			zap.String("common_name", material.Certificate().Subject.CommonName))
	}

	if err := s.writePayloads(set); err != nil {
		return nil, err
	}

	if err := s.lockKeys(); err != nil {
		return nil, err
	}

	// make the full set durable before enrollment can consume it
	unix.Sync()

	return set, nil
}

func (s *Store) generate(h secureboot.Hierarchy, commonName string, now time.Time) (*Material, error) {
	opts := x509.NewDefaultOptions(
		x509.RSA(true),
		x509.Bits(KeyBits),
		x509.CommonName(commonName+" "+h.String()),
		x509.Organization(commonName),
		x509.NotBefore(now),
		x509.NotAfter(now.Add(Validity)),
	)

	serialNumber, err := x509.NewSerialNumber()
	if err != nil {
		return nil, err
	}

	// the CA helpers drop the common name from the subject, so the template
	// is built explicitly
	ca, err := x509.RSACertificateAuthority(&stdx509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organizations,
		},
		SignatureAlgorithm:    opts.SignatureAlgorithm,
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              stdx509.KeyUsageCertSign | stdx509.KeyUsageDigitalSignature,
	}, opts)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(s.pathFor(h, "key"), ca.KeyPEM, 0o600); err != nil {
		return nil, err
	}

	if err := os.WriteFile(s.pathFor(h, "crt"), ca.CrtPEM, 0o600); err != nil {
		return nil, err
	}

	if err := os.WriteFile(s.pathFor(h, "cer"), ca.Crt.Raw, 0o600); err != nil {
		return nil, err
	}

	return newMaterial(h, ca)
}

// writePayloads emits per-hierarchy signature lists and the signed update
// payloads consumed by enrollment: KEK and PK authorized by the Platform Key,
// db authorized by the Key Exchange Key.
func (s *Store) writePayloads(set *Set) error {
	for _, entry := range []struct {
		material  *Material
		authority database.Authority
	}{
		{set.PK, set.PK},
		{set.KEK, set.PK},
		{set.Db, set.KEK},
	} {
		h := entry.material.Hierarchy()

		esl, err := database.Build(set.OwnerGUID, entry.material.Certificate().Raw)
		if err != nil {
			return err
		}

		if err := os.WriteFile(s.pathFor(h, "esl"), esl.Bytes(), 0o600); err != nil {
			return err
		}

		payload, err := database.SignUpdate(esl, h, entry.authority)
		if err != nil {
			return err
		}

		if err := os.WriteFile(s.pathFor(h, "auth"), payload, 0o600); err != nil {
			return err
		}
	}

	return nil
}

// lockKeys drops all permission bits from the private key files. The store
// is operated by a privileged process, which is exempt from discretionary
// access checks; mode 0 signals that the keys are not meant for ad-hoc reads.
func (s *Store) lockKeys() error {
	for _, h := range secureboot.Hierarchies() {
		if err := os.Chmod(s.pathFor(h, "key"), 0); err != nil {
			return err
		}
	}

	return nil
}

// backup relocates the active key directory into a timestamped snapshot and
// read-locks it. Snapshots are never deleted by this tool.
func (s *Store) backup() (string, error) {
	if err := os.MkdirAll(s.BackupsDir(), 0o700); err != nil {
		return "", err
	}

	dst := filepath.Join(s.BackupsDir(), "backup-"+s.clock.Now().Format(BackupTimeFormat))

	if err := os.Rename(s.KeysDir(), dst); err != nil {
		return "", fmt.Errorf("failed to move keys to backup: %w", err)
	}

	if err := os.Chmod(dst, 0o500); err != nil {
		return "", err
	}

	unix.Sync()

	return dst, nil
}

// Load reads the key and certificate of a hierarchy level.
func (s *Store) Load(h secureboot.Hierarchy) (*Material, error) {
	return loadMaterial(h, s.pathFor(h, "key"), s.pathFor(h, "crt"))
}

// LoadCertificate reads only the certificate of a hierarchy level. The
// returned material carries no private key, so it works without access to the
// locked key files.
func (s *Store) LoadCertificate(h secureboot.Hierarchy) (*Material, error) {
	return loadCertificateMaterial(h, s.pathFor(h, "crt"))
}

// LoadExternal reads an authorizing key from an explicit path, expecting the
// certificate next to it with a .crt extension. Used when rotating under a
// hierarchy that was generated elsewhere.
func LoadExternal(h secureboot.Hierarchy, keyPath string) (*Material, error) {
	certPath := strings.TrimSuffix(keyPath, filepath.Ext(keyPath)) + ".crt"

	return loadMaterial(h, keyPath, certPath)
}

// LoadAuthority loads the key material of a hierarchy level typed as a
// payload-signing authority.
func (s *Store) LoadAuthority(h secureboot.Hierarchy) (database.Authority, error) {
	return s.Load(h)
}

// LoadSignatureList reads and parses the generated signature list of a
// hierarchy level.
func (s *Store) LoadSignatureList(h secureboot.Hierarchy) (*signature.SignatureDatabase, error) {
	data, err := s.readPayload(s.pathFor(h, "esl"))
	if err != nil {
		return nil, err
	}

	db, err := signature.ReadSignatureDatabase(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s signature list: %w", h, err)
	}

	return &db, nil
}

// LoadPayload reads the signed update payload of a hierarchy level.
func (s *Store) LoadPayload(h secureboot.Hierarchy) ([]byte, error) {
	return s.readPayload(s.pathFor(h, "auth"))
}

// VendorPayload reads the vendor trust bundle's signed db append payload.
func (s *Store) VendorPayload() ([]byte, error) {
	return s.readPayload(s.vendorPath("auth"))
}

func (s *Store) readPayload(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", secureboot.ErrMissingKeyMaterial, path)
		}

		return nil, err
	}

	return data, nil
}

// SaveVendor persists the vendor trust bundle artifacts next to the
// generated hierarchy.
func (s *Store) SaveVendor(certDER, esl, payload []byte) error {
	for _, entry := range []struct {
		ext  string
		data []byte
	}{
		{"cer", certDER},
		{"esl", esl},
		{"auth", payload},
	} {
		if err := os.WriteFile(s.vendorPath(entry.ext), entry.data, 0o600); err != nil {
			return err
		}
	}

	unix.Sync()

	return nil
}

// OwnerGUID reads the shared owner GUID of the generated hierarchy.
func (s *Store) OwnerGUID() (uuid.UUID, error) {
	data, err := os.ReadFile(filepath.Join(s.KeysDir(), guidFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return uuid.Nil, fmt.Errorf("%w: owner GUID", secureboot.ErrMissingKeyMaterial)
		}

		return uuid.Nil, err
	}

	owner, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed owner GUID: %w", err)
	}

	return owner, nil
}
