package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_MakesIsolatedDirectory(t *testing.T) {
	root := t.TempDir()

	ws, err := Create(root, "job_abc")
	require.NoError(t, err)

	info, err := os.Stat(ws.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(root, "job_abc"), ws.Dir)
}

func TestWriteSource_WritesUnderWorkspace(t *testing.T) {
	root := t.TempDir()
	ws, err := Create(root, "job_abc")
	require.NoError(t, err)

	path, err := ws.WriteSource("main.py", "print(1)")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))
}

func TestDestroy_RemovesEverything(t *testing.T) {
	root := t.TempDir()
	ws, err := Create(root, "job_abc")
	require.NoError(t, err)

	_, err = ws.WriteSource("main.py", "print(1)")
	require.NoError(t, err)
	_, err = ws.WriteSandboxConfig("cfg contents")
	require.NoError(t, err)

	require.NoError(t, ws.Destroy())

	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDestroy_IsIdempotent(t *testing.T) {
	root := t.TempDir()
	ws, err := Create(root, "job_abc")
	require.NoError(t, err)

	require.NoError(t, ws.Destroy())
	// a job that crashed before writing anything still must not error when
	// cleanup runs a second time (e.g. a deferred Destroy after an explicit one)
	require.NoError(t, ws.Destroy())
}
