package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	m, err := NewManager(filepath.Join(base, "staging"), filepath.Join(base, "assets"), nil)
	require.NoError(t, err)
	return m, base
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestCreateMoveInAndCommit(t *testing.T) {
	m, base := newTestManager(t)
	upload := filepath.Join(base, "inbox", "My Movie.mp4")
	writeFile(t, upload, "source-bytes")

	ws, err := m.Create("asset-1", Options{Temporary: true, CleanupOnError: true})
	require.NoError(t, err)
	require.DirExists(t, ws.SourceDir())
	require.DirExists(t, ws.OutputDir())

	moved, err := ws.MoveIn(upload)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(ws.SourceDir(), "My_Movie.mp4"), moved)
	require.NoFileExists(t, upload)

	source, err := ws.SourceFile()
	require.NoError(t, err)
	require.Equal(t, moved, source)

	writeFile(t, filepath.Join(ws.OutputDir(), "manifest.mpd"), "<MPD/>")
	writeFile(t, filepath.Join(ws.OutputDir(), "video", "init.mp4"), "init")

	final, err := ws.Commit("manifest.mpd", "video/init.mp4")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(m.AssetsRoot(), "asset-1"), final)
	require.FileExists(t, filepath.Join(final, "video", "init.mp4"))
	require.True(t, ws.Committed())
	require.NoDirExists(t, ws.Root(), "staging root must be removed after commit")
	require.NoError(t, ws.Close())
}

func TestCommitRequiresAllFiles(t *testing.T) {
	m, _ := newTestManager(t)
	ws, err := m.Create("asset-2", Options{Temporary: true, CleanupOnError: true})
	require.NoError(t, err)
	writeFile(t, filepath.Join(ws.OutputDir(), "manifest.mpd"), "<MPD/>")

	_, err = ws.Commit("manifest.mpd", "video/init.mp4")
	require.ErrorIs(t, err, ErrIncomplete)

	dir, _ := m.AssetDir("asset-2")
	require.NoDirExists(t, dir)

	require.NoError(t, ws.Close())
	require.NoDirExists(t, ws.Root())
}

func TestCommitReplacesPreviousAsset(t *testing.T) {
	m, _ := newTestManager(t)
	dir, err := m.AssetDir("asset-3")
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "stale.txt"), "old")

	ws, err := m.Create("asset-3", Options{Temporary: true, CleanupOnError: true})
	require.NoError(t, err)
	writeFile(t, filepath.Join(ws.OutputDir(), "manifest.mpd"), "new")
	_, err = ws.Commit("manifest.mpd")
	require.NoError(t, err)

	require.NoFileExists(t, filepath.Join(dir, "stale.txt"))
	require.FileExists(t, filepath.Join(dir, "manifest.mpd"))
	require.NoDirExists(t, dir+".previous")
}

func TestFailRemovesWorkspaceAndKeepsCause(t *testing.T) {
	m, _ := newTestManager(t)
	ws, err := m.Create("asset-4", Options{Temporary: true, CleanupOnError: true})
	require.NoError(t, err)
	writeFile(t, filepath.Join(ws.OutputDir(), "video", "segment-0000.m4s"), "partial")

	cause := errors.New("encoder crashed")
	require.Same(t, cause, ws.Fail(cause))
	require.NoDirExists(t, ws.Root())

	dir, _ := m.AssetDir("asset-4")
	require.NoDirExists(t, dir)

	_, err = ws.Commit()
	require.ErrorIs(t, err, ErrClosed)
}

func TestFailWithoutCleanupKeepsFiles(t *testing.T) {
	m, _ := newTestManager(t)
	ws, err := m.Create("asset-5", Options{Temporary: true})
	require.NoError(t, err)
	_ = ws.Fail(errors.New("boom"))
	require.DirExists(t, ws.Root())
	require.NoError(t, ws.Close())
	require.DirExists(t, ws.Root())
	require.NoError(t, m.Discard("asset-5"))
	require.NoDirExists(t, ws.Root())
}

func TestPersistentWorkspaceIsHiddenPartial(t *testing.T) {
	m, _ := newTestManager(t)
	ws, err := m.Create("asset-6", Options{CleanupOnError: true})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(m.AssetsRoot(), ".asset-6.partial"), ws.Root())

	writeFile(t, filepath.Join(ws.OutputDir(), "manifest.mpd"), "x")
	final, err := ws.Commit("manifest.mpd")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(final, "manifest.mpd"))
	require.NoDirExists(t, ws.Root())
}

func TestCreateRejectsDuplicatesAndBadIDs(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create("asset-7", Options{Temporary: true})
	require.NoError(t, err)
	_, err = m.Create("asset-7", Options{Temporary: true})
	require.ErrorIs(t, err, ErrExists)

	for _, id := range []string{"", "../escape", "a/b", ".dot"} {
		_, err := m.Create(id, Options{Temporary: true})
		require.ErrorIs(t, err, ErrInvalidAssetID, "id %q", id)
	}
}

func TestMoveInErrors(t *testing.T) {
	m, base := newTestManager(t)
	ws, err := m.Create("asset-8", Options{Temporary: true, CleanupOnError: true})
	require.NoError(t, err)

	_, err = ws.MoveIn(filepath.Join(base, "missing.mp4"))
	require.ErrorIs(t, err, ErrSourceMissing)

	dir := filepath.Join(base, "a-directory")
	require.NoError(t, os.Mkdir(dir, 0o755))
	_, err = ws.MoveIn(dir)
	require.ErrorIs(t, err, ErrSourceNotFile)
}

func TestOpenExistingWorkspace(t *testing.T) {
	m, base := newTestManager(t)
	opts := Options{Temporary: true, CleanupOnError: true}
	ws, err := m.Create("asset-9", opts)
	require.NoError(t, err)
	upload := filepath.Join(base, "in.mov")
	writeFile(t, upload, "bytes")
	_, err = ws.MoveIn(upload)
	require.NoError(t, err)

	reopened, err := m.Open("asset-9", opts)
	require.NoError(t, err)
	src, err := reopened.SourceFile()
	require.NoError(t, err)
	require.Equal(t, "in.mov", filepath.Base(src))

	_, err = m.Open("asset-missing", opts)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCopyDirectory(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "video", "init.mp4"), "init")
	writeFile(t, filepath.Join(src, "manifest.mpd"), "mpd")
	dst := filepath.Join(t.TempDir(), "copy")

	require.NoError(t, copyDirectory(src, dst))
	data, err := os.ReadFile(filepath.Join(dst, "video", "init.mp4"))
	require.NoError(t, err)
	require.Equal(t, "init", string(data))
}

func TestSanitizeName(t *testing.T) {
	require.Equal(t, "clip_1_.mp4", sanitizeName("clip(1).mp4"))
	require.Equal(t, "source", sanitizeName("..."))
	require.Equal(t, "hidden", sanitizeName(".hidden"))
}
