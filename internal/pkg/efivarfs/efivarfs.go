// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package efivarfs provides access to the firmware variable store.
package efivarfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ecks/uefi/efi/efiguid"
	"github.com/ecks/uefi/efi/efivario"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Scope is the vendor GUID namespace of an EFI variable.
type Scope = uuid.UUID

var (
	// ScopeGlobal is the EFI_GLOBAL_VARIABLE namespace (PK, KEK, SecureBoot, SetupMode).
	ScopeGlobal = uuid.MustParse("8be4df61-93ca-11d2-aa0d-00e098032b8c")
	// ScopeSecurity is the EFI_IMAGE_SECURITY_DATABASE namespace (db, dbx).
	ScopeSecurity = uuid.MustParse("d719b2cb-3d3a-4596-a3bc-dad00e67656f")
)

// Attribute is a bitmask of EFI variable attributes.
type Attribute uint32

// EFI variable attribute bits, in specification order.
const (
	AttrNonVolatile Attribute = 1 << iota
	AttrBootserviceAccess
	AttrRuntimeAccess
	AttrHardwareErrorRecord
	AttrAuthenticatedWriteAccess
	AttrTimeBasedAuthenticatedWriteAccess
	AttrAppendWrite
)

// ReadWriter is the interface to a firmware variable store.
//
// The production implementation is backed by the kernel's efivarfs; tests
// substitute an in-memory fake.
type ReadWriter interface {
	// Read returns the variable contents and attributes, or an error wrapping
	// fs.ErrNotExist when the variable is not set.
	Read(scope Scope, name string) ([]byte, Attribute, error)

	// Write replaces (or, with AttrAppendWrite, appends to) the variable
	// contents. Writes to authenticated variables carry a signed payload.
	Write(scope Scope, name string, attrs Attribute, data []byte) error

	// ClearImmutable drops the immutable attribute from the backing variable
	// file if it is present. Absence of the variable is reported as
	// fs.ErrNotExist.
	ClearImmutable(scope Scope, name string) error
}

// FS_IMMUTABLE_FL is the inode immutable flag; x/sys/unix only carries the
// FS_IOC_GETFLAGS/FS_IOC_SETFLAGS ioctls, not the flag bits.
const FS_IMMUTABLE_FL = 0x00000010 //nolint:revive,stylecheck

// FilesystemReaderWriter is a ReadWriter backed by /sys/firmware/efi/efivars.
type FilesystemReaderWriter struct {
	ctx   efivario.Context
	fsDir string
}

// NewFilesystemReaderWriter creates a ReadWriter for the running system.
func NewFilesystemReaderWriter() (*FilesystemReaderWriter, error) {
	return &FilesystemReaderWriter{
		ctx:   efivario.NewDefaultContext(),
		fsDir: "/sys/firmware/efi/efivars",
	}, nil
}

// Close releases the underlying variable store context.
func (f *FilesystemReaderWriter) Close() error {
	return f.ctx.Close()
}

// Read implements ReadWriter.
func (f *FilesystemReaderWriter) Read(scope Scope, name string) ([]byte, Attribute, error) {
	attrs, data, err := efivario.ReadAll(f.ctx, name, scopeGUID(scope))
	if err != nil {
		if errors.Is(err, efivario.ErrNotFound) {
			return nil, 0, fmt.Errorf("variable %s-%s: %w", name, scope, fs.ErrNotExist)
		}

		return nil, 0, fmt.Errorf("failed to read variable %s-%s: %w", name, scope, err)
	}

	return data, Attribute(attrs), nil
}

// Write implements ReadWriter.
func (f *FilesystemReaderWriter) Write(scope Scope, name string, attrs Attribute, data []byte) error {
	if err := f.ctx.Set(name, scopeGUID(scope), efivario.Attributes(attrs), data); err != nil {
		return fmt.Errorf("failed to write variable %s-%s: %w", name, scope, err)
	}

	return nil
}

// ClearImmutable implements ReadWriter.
//
// efivarfs marks authenticated variable files immutable; the flag has to be
// dropped before the kernel accepts a signed update through the same file.
func (f *FilesystemReaderWriter) ClearImmutable(scope Scope, name string) error {
	path := filepath.Join(f.fsDir, fmt.Sprintf("%s-%s", name, scope))

	file, err := os.Open(path)
	if err != nil {
		return err
	}

	defer file.Close() //nolint:errcheck

	flags, err := unix.IoctlGetInt(int(file.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return fmt.Errorf("failed to get attributes of %s: %w", path, err)
	}

	if flags&FS_IMMUTABLE_FL == 0 {
		return nil
	}

	flags &^= FS_IMMUTABLE_FL

	if err := unix.IoctlSetPointerInt(int(file.Fd()), unix.FS_IOC_SETFLAGS, flags); err != nil {
		return fmt.Errorf("failed to clear immutable attribute of %s: %w", path, err)
	}

	return nil
}

func scopeGUID(scope Scope) efiguid.GUID {
	return efiguid.MustFromString(scope.String())
}
