package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPersistentServerID(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, "node-a", GetPersistentServerID("node-a", dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, serverIDFile), []byte(" saved-id\n"), 0o644))
	assert.Equal(t, "saved-id", GetPersistentServerID("", dir))
}

func TestGetPersistentServerID_FallsBackToHost(t *testing.T) {
	id := GetPersistentServerID("", t.TempDir())
	assert.Regexp(t, `^azinbox-[A-Za-z0-9_-]+$`, id)
}
