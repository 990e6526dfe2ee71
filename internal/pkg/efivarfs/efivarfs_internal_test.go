// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivarfs

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearImmutableMissingVariable(t *testing.T) {
	rw := &FilesystemReaderWriter{
		fsDir: t.TempDir(),
	}

	err := rw.ClearImmutable(ScopeGlobal, "PK")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
