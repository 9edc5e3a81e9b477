// Package workspace provides transactional staging directories for ingestion
// jobs. A workspace is either committed into the asset store as a whole or
// removed; partially produced output never becomes visible.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"bitriver-vod/internal/models"
)

const (
	sourceDirName = "source"
	outputDirName = "output"
	partialSuffix = ".partial"
)

var (
	ErrInvalidAssetID = errors.New("workspace: invalid asset id")
	ErrExists         = errors.New("workspace: already exists")
	ErrNotFound       = errors.New("workspace: not found")
	ErrSourceMissing  = errors.New("workspace: source file missing")
	ErrSourceNotFile  = errors.New("workspace: source is not a regular file")
	ErrCrossDevice    = errors.New("workspace: cross-device move unsupported")
	ErrIncomplete     = errors.New("workspace: required output missing")
	ErrClosed         = errors.New("workspace: closed")
)

// Options controls where a workspace lives and how it is cleaned up.
type Options struct {
	// Temporary places the workspace under the staging root. Otherwise it is
	// created as a hidden partial directory next to the final asset directory.
	Temporary bool
	// CleanupOnError removes the workspace when Fail is called or when it is
	// closed without a commit.
	CleanupOnError bool
}

// Manager creates workspaces and owns the persistent asset root.
type Manager struct {
	stagingRoot string
	assetsRoot  string
	logger      *slog.Logger
}

// NewManager ensures both roots exist and returns a Manager for them.
func NewManager(stagingRoot, assetsRoot string, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(stagingRoot) == "" || strings.TrimSpace(assetsRoot) == "" {
		return nil, fmt.Errorf("workspace: staging and assets roots are required")
	}
	for _, dir := range []string{stagingRoot, assetsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		stagingRoot: filepath.Clean(stagingRoot),
		assetsRoot:  filepath.Clean(assetsRoot),
		logger:      logger,
	}, nil
}

// AssetsRoot returns the directory holding committed assets.
func (m *Manager) AssetsRoot() string {
	return m.assetsRoot
}

// AssetDir returns the committed directory for assetID.
func (m *Manager) AssetDir(assetID string) (string, error) {
	if !models.ValidAssetID(assetID) {
		return "", ErrInvalidAssetID
	}
	return filepath.Join(m.assetsRoot, assetID), nil
}

// Create makes a fresh workspace for assetID. It fails with ErrExists when a
// workspace for the id is already present.
func (m *Manager) Create(assetID string, opts Options) (*Workspace, error) {
	root, err := m.rootFor(assetID, opts)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, assetID)
		}
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	ws := &Workspace{manager: m, assetID: assetID, root: root, opts: opts}
	for _, dir := range []string{ws.SourceDir(), ws.OutputDir()} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("workspace: create %s: %w", filepath.Base(dir), err)
		}
	}
	return ws, nil
}

// Open reattaches to a workspace created earlier, possibly by another process.
func (m *Manager) Open(assetID string, opts Options) (*Workspace, error) {
	root, err := m.rootFor(assetID, opts)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, assetID)
		}
		return nil, fmt.Errorf("workspace: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, assetID)
	}
	return &Workspace{manager: m, assetID: assetID, root: root, opts: opts}, nil
}

// Discard removes any workspace left for assetID in either location.
func (m *Manager) Discard(assetID string) error {
	if !models.ValidAssetID(assetID) {
		return ErrInvalidAssetID
	}
	var errs []error
	for _, temporary := range []bool{true, false} {
		root, _ := m.rootFor(assetID, Options{Temporary: temporary})
		if err := os.RemoveAll(root); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) rootFor(assetID string, opts Options) (string, error) {
	if !models.ValidAssetID(assetID) {
		return "", ErrInvalidAssetID
	}
	if opts.Temporary {
		return filepath.Join(m.stagingRoot, assetID), nil
	}
	return filepath.Join(m.assetsRoot, "."+assetID+partialSuffix), nil
}

// Workspace is one ingestion attempt's scratch area. It is not safe for
// concurrent use.
type Workspace struct {
	manager   *Manager
	assetID   string
	root      string
	opts      Options
	committed bool
	closed    bool
}

func (w *Workspace) AssetID() string   { return w.assetID }
func (w *Workspace) Root() string      { return w.root }
func (w *Workspace) SourceDir() string { return filepath.Join(w.root, sourceDirName) }
func (w *Workspace) OutputDir() string { return filepath.Join(w.root, outputDirName) }

// Committed reports whether Commit succeeded.
func (w *Workspace) Committed() bool { return w.committed }

// MoveIn renames sourcePath into the workspace source directory and returns
// the new path. The file is moved, never copied.
func (w *Workspace) MoveIn(sourcePath string) (string, error) {
	if w.closed {
		return "", ErrClosed
	}
	info, err := os.Lstat(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, sourcePath)
		}
		return "", fmt.Errorf("workspace: stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFile, sourcePath)
	}
	name := sanitizeName(filepath.Base(sourcePath))
	dest := filepath.Join(w.SourceDir(), name)
	if err := os.Rename(sourcePath, dest); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return "", fmt.Errorf("%w: %s", ErrCrossDevice, sourcePath)
		}
		return "", fmt.Errorf("workspace: move source: %w", err)
	}
	return dest, nil
}

// SourceFile returns the single file previously moved into the workspace.
func (w *Workspace) SourceFile() (string, error) {
	entries, err := os.ReadDir(w.SourceDir())
	if err != nil {
		return "", fmt.Errorf("workspace: read source dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return filepath.Join(w.SourceDir(), entry.Name()), nil
		}
	}
	return "", ErrSourceMissing
}

// Commit promotes the output directory to the asset's permanent location.
// Every path in required, relative to the output directory, must exist.
// A previously committed directory for the same asset is replaced.
func (w *Workspace) Commit(required ...string) (string, error) {
	if w.closed {
		return "", ErrClosed
	}
	output := w.OutputDir()
	for _, rel := range required {
		if _, err := os.Stat(filepath.Join(output, filepath.FromSlash(rel))); err != nil {
			return "", fmt.Errorf("%w: %s", ErrIncomplete, rel)
		}
	}
	final, err := w.manager.AssetDir(w.assetID)
	if err != nil {
		return "", err
	}
	if err := w.manager.promote(output, final); err != nil {
		return "", err
	}
	w.committed = true
	w.removeRoot("commit")
	w.closed = true
	return final, nil
}

// Fail records a failure for the attempt. With CleanupOnError set the
// workspace is removed. The original error is always returned unchanged;
// cleanup problems are only logged.
func (w *Workspace) Fail(cause error) error {
	if w.closed {
		return cause
	}
	if w.opts.CleanupOnError {
		w.removeRoot("failure")
		w.closed = true
	}
	return cause
}

// Close releases the workspace. An uncommitted workspace created with
// CleanupOnError is removed.
func (w *Workspace) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.committed || !w.opts.CleanupOnError {
		return nil
	}
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("workspace: cleanup: %w", err)
	}
	return nil
}

func (w *Workspace) removeRoot(reason string) {
	if err := os.RemoveAll(w.root); err != nil {
		w.manager.logger.Error("workspace cleanup failed", "asset_id", w.assetID, "reason", reason, "path", w.root, "error", err)
	}
}

// promote moves src to final atomically. An existing final directory is moved
// aside first and removed once the new one is in place.
func (m *Manager) promote(src, final string) error {
	incoming := final + ".incoming"
	_ = os.RemoveAll(incoming)
	if err := os.Rename(src, incoming); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("workspace: stage commit: %w", err)
		}
		if err := copyDirectory(src, incoming); err != nil {
			_ = os.RemoveAll(incoming)
			return fmt.Errorf("workspace: copy commit: %w", err)
		}
	}

	aside := ""
	if _, err := os.Stat(final); err == nil {
		aside = final + ".previous"
		_ = os.RemoveAll(aside)
		if err := os.Rename(final, aside); err != nil {
			_ = os.RemoveAll(incoming)
			return fmt.Errorf("workspace: move previous asset aside: %w", err)
		}
	}
	if err := os.Rename(incoming, final); err != nil {
		if aside != "" {
			_ = os.Rename(aside, final)
		}
		_ = os.RemoveAll(incoming)
		return fmt.Errorf("workspace: publish asset: %w", err)
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			m.logger.Warn("failed to remove previous asset directory", "path", aside, "error", err)
		}
	}
	return nil
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "source"
	}
	return name
}
