// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package enroll drives the ordered write of the trust hierarchy into the
// firmware variable store.
package enroll

import (
	"fmt"

	"github.com/foxboron/go-uefi/efi/signature"
	"go.uber.org/zap"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/efivarfs"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/database"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/keystore"
)

// State of the enrollment sequence, for progress reporting.
type State int

// Sequence states in execution order.
const (
	Idle State = iota
	ClearingImmutability
	ResettingSetupMode
	WritingKEK
	WritingDB
	WritingVendorBundle
	WritingPK
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ClearingImmutability:
		return "clearing immutability"
	case ResettingSetupMode:
		return "resetting to setup mode"
	case WritingKEK:
		return "writing KEK"
	case WritingDB:
		return "writing db"
	case WritingVendorBundle:
		return "writing vendor bundle"
	case WritingPK:
		return "writing PK"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the key material the sequencer consumes; implemented by the
// keystore.
type Store interface {
	LoadPayload(h secureboot.Hierarchy) ([]byte, error)
	VendorPayload() ([]byte, error)
	LoadSignatureList(h secureboot.Hierarchy) (*signature.SignatureDatabase, error)
	LoadAuthority(h secureboot.Hierarchy) (database.Authority, error)
}

// Options configure a single enrollment run.
type Options struct {
	// VendorBundle appends the vendor trust bundle payload to db.
	VendorBundle bool

	// PKAuthKeyPath optionally names the private key of the currently
	// enrolled Platform Key. When set, the setup-mode reset and the KEK/PK
	// payloads are signed with it instead of the generated set, which is
	// what a rotation under a foreign hierarchy requires while in user mode.
	PKAuthKeyPath string

	// KEKAuthKeyPath optionally names the private key of the currently
	// enrolled Key Exchange Key, used to re-sign the db payload.
	KEKAuthKeyPath string
}

// payloads is the full set of signed updates for one run, assembled before
// any firmware state is touched.
type payloads struct {
	pk     []byte
	kek    []byte
	db     []byte
	vendor []byte

	// removal resets the firmware to setup mode; nil when the current PK is
	// not available.
	removal []byte
}

// Sequencer writes the trust hierarchy into firmware in a fixed order.
//
// Firmware variable writes are not transactional: a failure mid-sequence is
// reported, not rolled back, and the operator re-runs enrollment. Replay is
// idempotent because every step re-derives its payload from the same on-disk
// material. The PK write commits the device into user mode and therefore
// always comes last, so an interrupted sequence never leaves KEK/db orphaned
// under a Platform Key that can no longer be rewritten.
type Sequencer struct {
	rw      efivarfs.ReadWriter
	store   Store
	confirm secureboot.ConfirmFunc
	logger  *zap.Logger
	options Options

	state State
}

// NewSequencer creates an enrollment sequencer.
func NewSequencer(rw efivarfs.ReadWriter, store Store, confirm secureboot.ConfirmFunc, logger *zap.Logger, options Options) *Sequencer {
	return &Sequencer{
		rw:      rw,
		store:   store,
		confirm: confirm,
		logger:  logger,
		options: options,
		state:   Idle,
	}
}

// State returns the current sequence state.
func (s *Sequencer) State() State {
	return s.state
}

// Run executes the enrollment sequence.
//
// Step order is fixed: clear immutability, best-effort reset to setup mode,
// KEK, db, optional vendor bundle append, PK last.
func (s *Sequencer) Run() error {
	p, err := s.assemblePayloads()
	if err != nil {
		return err
	}

	ok, err := s.confirm("firmware Secure Boot variables are about to be rewritten; a corrupted variable store can render this device unbootable")
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: enrollment declined", secureboot.ErrAborted)
	}

	s.clearImmutability()

	s.resetSetupMode(p)

	s.state = WritingKEK

	if err := s.write(secureboot.KEK, p.kek, false); err != nil {
		return s.fail(err)
	}

	s.state = WritingDB

	if err := s.write(secureboot.Db, p.db, false); err != nil {
		return s.fail(err)
	}

	if s.options.VendorBundle {
		s.state = WritingVendorBundle

		// the db write above re-armed the immutable flag
		s.clearOne(secureboot.Db)

		if err := s.write(secureboot.Db, p.vendor, true); err != nil {
			return s.fail(err)
		}
	}

	s.state = WritingPK

	if err := s.write(secureboot.PK, p.pk, false); err != nil {
		return s.fail(err)
	}

	s.state = Done

	s.logger.Info("enrollment complete; the device is in user mode")

	return nil
}

// assemblePayloads loads or re-signs every required payload up front, so a
// missing piece of key material fails the run before firmware is touched.
func (s *Sequencer) assemblePayloads() (*payloads, error) {
	p := &payloads{}

	var err error

	if p.kek, err = s.payloadFor(secureboot.KEK, s.options.PKAuthKeyPath, secureboot.PK); err != nil {
		return nil, err
	}

	if p.pk, err = s.payloadFor(secureboot.PK, s.options.PKAuthKeyPath, secureboot.PK); err != nil {
		return nil, err
	}

	if p.db, err = s.payloadFor(secureboot.Db, s.options.KEKAuthKeyPath, secureboot.KEK); err != nil {
		return nil, err
	}

	if s.options.VendorBundle {
		if p.vendor, err = s.store.VendorPayload(); err != nil {
			return nil, err
		}
	}

	p.removal = s.removalPayload()

	return p, nil
}

// payloadFor returns the signed update for a hierarchy level. Without an
// override this is the stock payload generated at create time; with one, the
// level's signature list is re-signed by the override key.
func (s *Sequencer) payloadFor(h secureboot.Hierarchy, overrideKeyPath string, overrideHierarchy secureboot.Hierarchy) ([]byte, error) {
	if overrideKeyPath == "" {
		return s.store.LoadPayload(h)
	}

	authority, err := keystore.LoadExternal(overrideHierarchy, overrideKeyPath)
	if err != nil {
		return nil, err
	}

	esl, err := s.store.LoadSignatureList(h)
	if err != nil {
		return nil, err
	}

	return database.SignUpdate(esl, h, authority)
}

// removalPayload builds the signed empty PK update used to drop the firmware
// back into setup mode. Best effort: without access to the currently
// enrolled PK the reset is skipped and enrollment proceeds, which succeeds
// whenever the firmware is already in setup mode.
func (s *Sequencer) removalPayload() []byte {
	var (
		authority database.Authority
		err       error
	)

	if s.options.PKAuthKeyPath != "" {
		authority, err = keystore.LoadExternal(secureboot.PK, s.options.PKAuthKeyPath)
	} else {
		authority, err = s.store.LoadAuthority(secureboot.PK)
	}

	if err != nil {
		s.logger.Warn("current Platform Key unavailable, skipping setup mode reset", zap.Error(err))

		return nil
	}

	removal, err := database.SignRemoval(authority)
	if err != nil {
		s.logger.Warn("failed to sign Platform Key removal", zap.Error(err))

		return nil
	}

	return removal
}

// clearImmutability drops the immutable attribute from the PK/KEK/db
// variable files. The attribute may legitimately be absent, so failures
// degrade to warnings.
func (s *Sequencer) clearImmutability() {
	s.state = ClearingImmutability

	for _, h := range secureboot.Hierarchies() {
		s.clearOne(h)
	}
}

func (s *Sequencer) clearOne(h secureboot.Hierarchy) {
	if err := s.rw.ClearImmutable(efivarfs.ScopeFor(h), h.Variable()); err != nil {
		s.logger.Warn("failed to clear immutable attribute",
			zap.String("variable", h.Variable()),
			zap.Error(err))
	}
}

// resetSetupMode writes the signed empty PK payload, tolerating failure:
// the firmware may already be in setup mode.
func (s *Sequencer) resetSetupMode(p *payloads) {
	s.state = ResettingSetupMode

	if inSetupMode, err := efivarfs.GetSetupMode(s.rw); err == nil && inSetupMode {
		s.logger.Info("firmware already in setup mode")

		return
	}

	if p.removal == nil {
		return
	}

	if err := efivarfs.WriteAuthenticated(s.rw, secureboot.PK, p.removal, false); err != nil {
		s.logger.Warn("setup mode reset rejected", zap.Error(err))
	}
}

func (s *Sequencer) write(h secureboot.Hierarchy, payload []byte, appendWrite bool) error {
	if err := efivarfs.WriteAuthenticated(s.rw, h, payload, appendWrite); err != nil {
		return fmt.Errorf("%w: %s: %v", secureboot.ErrFirmwareWrite, h.Variable(), err)
	}

	s.logger.Info("wrote authenticated variable",
		zap.String("variable", h.Variable()),
		zap.Bool("append", appendWrite))

	return nil
}

func (s *Sequencer) fail(err error) error {
	s.state = Failed

	s.logger.Error("enrollment failed; re-run enroll after addressing the cause, the sequence replays safely", zap.Error(err))

	return err
}
