// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package enroll_test

import (
	"crypto"
	stdx509 "crypto/x509"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/siderolabs/crypto/x509"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/efivarfs"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/database"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot/enroll"
)

type write struct {
	name  string
	attrs efivarfs.Attribute
	data  []byte
}

type fakeRW struct {
	vars     map[string][]byte
	failOn   map[string]error
	clearErr error

	writes  []write
	cleared []string
}

func newFakeRW() *fakeRW {
	return &fakeRW{
		vars:   map[string][]byte{},
		failOn: map[string]error{},
	}
}

func (f *fakeRW) Read(_ efivarfs.Scope, name string) ([]byte, efivarfs.Attribute, error) {
	data, ok := f.vars[name]
	if !ok {
		return nil, 0, fmt.Errorf("variable %s: %w", name, fs.ErrNotExist)
	}

	return data, 0, nil
}

func (f *fakeRW) Write(_ efivarfs.Scope, name string, attrs efivarfs.Attribute, data []byte) error {
	if err := f.failOn[name]; err != nil {
		return err
	}

	f.writes = append(f.writes, write{name: name, attrs: attrs, data: data})

	return nil
}

func (f *fakeRW) ClearImmutable(_ efivarfs.Scope, name string) error {
	f.cleared = append(f.cleared, name)

	return f.clearErr
}

func (f *fakeRW) writtenNames() []string {
	names := make([]string, 0, len(f.writes))

	for _, w := range f.writes {
		names = append(names, w.name)
	}

	return names
}

type fakeStore struct {
	payloads  map[secureboot.Hierarchy][]byte
	vendor    []byte
	authority database.Authority
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payloads: map[secureboot.Hierarchy][]byte{
			secureboot.PK:  []byte("pk-payload"),
			secureboot.KEK: []byte("kek-payload"),
			secureboot.Db:  []byte("db-payload"),
		},
	}
}

func (f *fakeStore) LoadPayload(h secureboot.Hierarchy) ([]byte, error) {
	payload, ok := f.payloads[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", secureboot.ErrMissingKeyMaterial, h)
	}

	return payload, nil
}

func (f *fakeStore) VendorPayload() ([]byte, error) {
	if f.vendor == nil {
		return nil, fmt.Errorf("%w: vendor bundle", secureboot.ErrMissingKeyMaterial)
	}

	return f.vendor, nil
}

func (f *fakeStore) LoadSignatureList(secureboot.Hierarchy) (*signature.SignatureDatabase, error) {
	return signature.NewSignatureDatabase(), nil
}

func (f *fakeStore) LoadAuthority(secureboot.Hierarchy) (database.Authority, error) {
	if f.authority == nil {
		return nil, fmt.Errorf("%w: PK", secureboot.ErrMissingKeyMaterial)
	}

	return f.authority, nil
}

type authority struct {
	ca *x509.CertificateAuthority
}

func (a *authority) Hierarchy() secureboot.Hierarchy { return secureboot.PK }

func (a *authority) Signer() crypto.Signer { return a.ca.Key.(crypto.Signer) }

func (a *authority) Certificate() *stdx509.Certificate { return a.ca.Crt }

func genPKAuthority(t *testing.T) database.Authority {
	t.Helper()

	currentTime := time.Now()

	ca, err := x509.NewSelfSignedCertificateAuthority(
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName("test PK"),
		x509.NotAfter(currentTime.Add(time.Hour)),
		x509.NotBefore(currentTime),
	)
	require.NoError(t, err)

	return &authority{ca: ca}
}

type confirmRecorder struct {
	asked  int
	answer bool
}

func (c *confirmRecorder) confirm(string) (bool, error) {
	c.asked++

	return c.answer, nil
}

func TestRunOrder(t *testing.T) {
	rw := newFakeRW()
	rw.vars["SetupMode"] = []byte{1}

	confirm := &confirmRecorder{answer: true}

	seq := enroll.NewSequencer(rw, newFakeStore(), confirm.confirm, zaptest.NewLogger(t), enroll.Options{})

	require.NoError(t, seq.Run())
	assert.Equal(t, enroll.Done, seq.State())
	assert.Equal(t, 1, confirm.asked)

	// PK commits user mode and must come last
	assert.Equal(t, []string{"KEK", "db", "PK"}, rw.writtenNames())
	assert.Equal(t, []string{"PK", "KEK", "db"}, rw.cleared)
}

func TestRunVendorBundle(t *testing.T) {
	rw := newFakeRW()
	rw.vars["SetupMode"] = []byte{1}

	store := newFakeStore()
	store.vendor = []byte("vendor-payload")

	confirm := &confirmRecorder{answer: true}

	seq := enroll.NewSequencer(rw, store, confirm.confirm, zaptest.NewLogger(t), enroll.Options{VendorBundle: true})

	require.NoError(t, seq.Run())

	require.Equal(t, []string{"KEK", "db", "db", "PK"}, rw.writtenNames())

	// the vendor payload is appended, not a replacement
	assert.NotZero(t, rw.writes[2].attrs&efivarfs.AttrAppendWrite)
	assert.Zero(t, rw.writes[1].attrs&efivarfs.AttrAppendWrite)
	assert.Equal(t, []byte("vendor-payload"), rw.writes[2].data)

	// db immutability is cleared again before the append write
	assert.Equal(t, []string{"PK", "KEK", "db", "db"}, rw.cleared)
}

func TestMissingMaterial(t *testing.T) {
	rw := newFakeRW()

	store := newFakeStore()
	delete(store.payloads, secureboot.Db)

	confirm := &confirmRecorder{answer: true}

	seq := enroll.NewSequencer(rw, store, confirm.confirm, zaptest.NewLogger(t), enroll.Options{})

	require.ErrorIs(t, seq.Run(), secureboot.ErrMissingKeyMaterial)
	assert.Empty(t, rw.writes, "firmware must not be touched without complete material")
	assert.Zero(t, confirm.asked)
}

func TestDeclined(t *testing.T) {
	rw := newFakeRW()

	confirm := &confirmRecorder{answer: false}

	seq := enroll.NewSequencer(rw, newFakeStore(), confirm.confirm, zaptest.NewLogger(t), enroll.Options{})

	require.ErrorIs(t, seq.Run(), secureboot.ErrAborted)
	assert.Empty(t, rw.writes)
	assert.Empty(t, rw.cleared)
}

func TestWriteFailureAndReplay(t *testing.T) {
	rw := newFakeRW()
	rw.vars["SetupMode"] = []byte{1}
	rw.failOn["db"] = fmt.Errorf("firmware said no")

	store := newFakeStore()
	confirm := &confirmRecorder{answer: true}

	seq := enroll.NewSequencer(rw, store, confirm.confirm, zaptest.NewLogger(t), enroll.Options{})

	err := seq.Run()
	require.ErrorIs(t, err, secureboot.ErrFirmwareWrite)
	assert.Equal(t, enroll.Failed, seq.State())

	// interrupted between KEK and db: PK untouched
	assert.Equal(t, []string{"KEK"}, rw.writtenNames())

	// re-running enrollment from the same on-disk payloads converges
	delete(rw.failOn, "db")

	seq = enroll.NewSequencer(rw, store, confirm.confirm, zaptest.NewLogger(t), enroll.Options{})
	require.NoError(t, seq.Run())

	assert.Equal(t, []string{"KEK", "KEK", "db", "PK"}, rw.writtenNames())
}

func TestSetupModeReset(t *testing.T) {
	rw := newFakeRW()
	rw.vars["SetupMode"] = []byte{0}

	store := newFakeStore()
	store.authority = genPKAuthority(t)

	confirm := &confirmRecorder{answer: true}

	seq := enroll.NewSequencer(rw, store, confirm.confirm, zaptest.NewLogger(t), enroll.Options{})

	require.NoError(t, seq.Run())

	// signed empty PK update precedes the hierarchy writes
	require.Equal(t, []string{"PK", "KEK", "db", "PK"}, rw.writtenNames())
	assert.NotEqual(t, []byte("pk-payload"), rw.writes[0].data)
	assert.Equal(t, []byte("pk-payload"), rw.writes[3].data)
}

func TestImmutableClearDegradesToWarning(t *testing.T) {
	rw := newFakeRW()
	rw.vars["SetupMode"] = []byte{1}
	rw.clearErr = fmt.Errorf("no such attribute")

	confirm := &confirmRecorder{answer: true}

	seq := enroll.NewSequencer(rw, newFakeStore(), confirm.confirm, zaptest.NewLogger(t), enroll.Options{})

	require.NoError(t, seq.Run())
	assert.Equal(t, enroll.Done, seq.State())
}
