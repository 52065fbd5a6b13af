// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/afina/internal/store/sqlite"
)

// testDBPath returns a temp SQLite database path.
func testDBPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".db")
}

func openKV(t *testing.T) *sqlite.KV {
	t.Helper()
	kv, err := sqlite.Open(testDBPath(t, "kv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}
