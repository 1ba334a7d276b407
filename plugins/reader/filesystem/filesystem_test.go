package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, p string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
}

// TestDirs 仅返回直接子目录，按字典序。
func TestDirs(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"b", "a", "c/nested", ".hidden", "skip"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	touch(t, filepath.Join(root, "file.nii.gz"))

	r := New(&Options{ExcludeDirNames: []string{"SKIP"}})
	got, err := r.Dirs(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a"),
		filepath.Join(root, "b"),
		filepath.Join(root, "c"),
	}, got)
}

func TestDirsShowHidden(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".x"), 0o755))
	off := false
	got, err := New(&Options{SkipHidden: &off}).Dirs(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, ".x")}, got)
}

// TestFiles 按后缀过滤常规文件，不递归。
func TestFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.nii.gz"))
	touch(t, filepath.Join(dir, "a.nii.gz"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, ".tmp-123.nii.gz"))
	touch(t, filepath.Join(dir, "sub", "c.nii.gz"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.nii.gz"), 0o755))

	got, err := New(nil).Files(context.Background(), dir, ".nii.gz")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.nii.gz"), filepath.Join(dir, "b.nii.gz")}, got)
}

func TestMissingRoot(t *testing.T) {
	_, err := New(nil).Dirs(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Files(ctx, t.TempDir(), ".nii.gz")
	require.ErrorIs(t, err, context.Canceled)
}
