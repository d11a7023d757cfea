package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0777))
	bin := filepath.Join(root, "a", "taskhost")
	require.NoError(t, os.WriteFile(bin, []byte("x"), 0755))
	// a directory with the same name must not match
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "taskhost"), 0777))

	assert.Equal(t, bin, FindUp("taskhost", deep))
	assert.Equal(t, "", FindUp("nothere", deep))
}
