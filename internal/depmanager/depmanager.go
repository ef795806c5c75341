// Package depmanager resolves the external binaries the downloader shells out to.
// It either looks them up in PATH or installs pinned release builds into a bins
// directory and keeps them fresh by watching the upstream checksum files.
package depmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"songzip/internal/config"
	"songzip/internal/errs"
)

// BinaryName represents the name of a binary dependency.
type BinaryName string

// Binary dependency names.
const (
	BinaryYTdlp   BinaryName = "yt-dlp"
	BinaryFFmpeg  BinaryName = "ffmpeg"
	BinaryFFprobe BinaryName = "ffprobe"
	BinaryDeno    BinaryName = "deno"
)

const (
	platformLinux   = "linux"
	platformWindows = "windows"
	archARM64       = "arm64"
	archAMD64       = "amd64"
)

const (
	downloadTimeout    = 10 * time.Minute
	filePermExecutable = 0o755
	filePermReadWrite  = 0o644
	savedSumsFilename  = ".sha256sums.json"
)

// Platform represents the OS and architecture combination.
type Platform struct {
	OS   string
	Arch string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Manager tracks where each binary lives.
type Manager struct {
	log      *slog.Logger
	cfg      *config.Config
	platform Platform
	client   *http.Client

	mu         sync.RWMutex
	remoteSums map[string]string     // release filename -> sha256 reported upstream
	savedSums  map[string]string     // release filename -> sha256 of what is installed
	paths      map[BinaryName]string // binary -> resolved path

	updating atomic.Bool
}

// New creates a dependency manager for the running platform.
func New(log *slog.Logger, cfg *config.Config) *Manager {
	return &Manager{
		log:        log.With(slog.String("package", "depmanager")),
		cfg:        cfg,
		platform:   Platform{OS: runtime.GOOS, Arch: runtime.GOARCH},
		client:     &http.Client{Timeout: downloadTimeout},
		remoteSums: make(map[string]string),
		savedSums:  make(map[string]string),
		paths:      make(map[BinaryName]string),
	}
}

// Start resolves every binary. With UseSystemBinaries it only consults PATH,
// otherwise it installs missing binaries and starts the update checker.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.DepManager.UseSystemBinaries {
		return m.UseSystemBinaries(ctx)
	}

	if err := m.InstallAll(ctx); err != nil {
		return err
	}

	m.StartUpdateChecker(ctx)

	return nil
}

// UseSystemBinaries looks the binaries up in PATH. yt-dlp and ffmpeg are
// required; ffprobe and deno are recorded when present.
func (m *Manager) UseSystemBinaries(ctx context.Context) error {
	required := []BinaryName{BinaryYTdlp, BinaryFFmpeg}
	optional := []BinaryName{BinaryFFprobe, BinaryDeno}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range required {
		path, err := exec.LookPath(string(name))
		if err != nil {
			return fmt.Errorf("%w: %s not in PATH: %w", errs.ErrBinaryNotFound, name, err)
		}

		m.paths[name] = path
	}

	for _, name := range optional {
		path, err := exec.LookPath(string(name))
		if err != nil {
			m.log.WarnContext(ctx, "optional binary not in PATH", slog.String("binary", string(name)))

			continue
		}

		m.paths[name] = path
	}

	m.log.InfoContext(ctx, "using system binaries", slog.Any("binaries", m.paths))

	return nil
}

// InstallAll downloads every binary that is missing from the bins directory,
// then records the upstream checksums so later runs can detect new releases.
func (m *Manager) InstallAll(ctx context.Context) error {
	log := m.log

	if err := os.MkdirAll(m.cfg.DepManager.BinsDir, filePermExecutable); err != nil {
		return fmt.Errorf("create bins directory: %w", err)
	}

	if err := m.loadSavedSums(); err != nil {
		log.DebugContext(ctx, "no saved checksums, first run", slog.Any("error", err))
	}

	for _, src := range m.sources() {
		if m.installed(src) {
			m.record(src)
			log.DebugContext(ctx, "binary already installed", slog.String("binary", string(src.name)))

			continue
		}

		if err := m.install(ctx, src); err != nil {
			return fmt.Errorf("install %s: %w", src.name, err)
		}
	}

	log.InfoContext(ctx, "all binaries are installed", slog.Any("binaries", m.Paths()))

	if err := m.FetchSums(ctx); err != nil {
		log.WarnContext(ctx, "failed to fetch checksums", slog.Any("error", err))

		return nil
	}

	if err := m.saveSums(); err != nil {
		log.WarnContext(ctx, "failed to save checksums", slog.Any("error", err))
	}

	return nil
}

// GetBinaryPath returns where a binary lives inside the bins directory.
func (m *Manager) GetBinaryPath(name BinaryName) string {
	filename := string(name)
	if m.platform.OS == platformWindows {
		filename += ".exe"
	}

	return filepath.Join(m.cfg.DepManager.BinsDir, filename)
}

// GetInstalledPath returns the resolved path of a binary, or "" if it is unknown.
func (m *Manager) GetInstalledPath(name BinaryName) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.paths[name]
}

// Paths returns a copy of every resolved binary path.
func (m *Manager) Paths() map[BinaryName]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return maps.Clone(m.paths)
}

func (m *Manager) installed(src source) bool {
	for _, name := range src.provides {
		info, err := os.Stat(m.GetBinaryPath(name))
		if err != nil || info.Size() == 0 {
			return false
		}
	}

	return true
}

func (m *Manager) record(src source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range src.provides {
		m.paths[name] = m.GetBinaryPath(name)
	}
}

// install downloads src for the current platform and places every binary it provides.
func (m *Manager) install(ctx context.Context, src source) error {
	rawURL := src.url(m.platform)
	if rawURL == "" {
		return fmt.Errorf("%w: no download url for %s on %s", errs.ErrUnsupportedPlatform, src.name, m.platform)
	}

	log := m.log.With(slog.String("binary", string(src.name)), slog.String("url", rawURL))
	log.InfoContext(ctx, "downloading binary")

	tmpPath, err := m.fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	targets := make(map[string]string, len(src.provides))
	for _, name := range src.provides {
		targets[filepath.Base(m.GetBinaryPath(name))] = m.GetBinaryPath(name)
	}

	kind := archiveKind(src.filename(m.platform))
	if kind == archiveNone {
		err = placeExecutable(tmpPath, m.GetBinaryPath(src.name))
	} else {
		err = extract(kind, tmpPath, targets)
	}

	if err != nil {
		return err
	}

	m.record(src)
	log.InfoContext(ctx, "binary installed", slog.Any("provides", src.provides))

	return nil
}

// StartUpdateChecker periodically compares upstream checksums with the installed
// ones and reinstalls binaries whose release changed. It returns immediately.
func (m *Manager) StartUpdateChecker(ctx context.Context) {
	interval := m.cfg.DepManager.UpdateInterval
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAndUpdate(ctx)
			}
		}
	}()
}

func (m *Manager) checkAndUpdate(ctx context.Context) {
	if !m.updating.CompareAndSwap(false, true) {
		return
	}
	defer m.updating.Store(false)

	log := m.log

	if err := m.FetchSums(ctx); err != nil {
		log.WarnContext(ctx, "update check: failed to fetch checksums", slog.Any("error", err))

		return
	}

	outdated := m.outdated()
	if len(outdated) == 0 {
		log.DebugContext(ctx, "update check: up to date")

		return
	}

	var failed error

	for _, src := range outdated {
		if err := m.install(ctx, src); err != nil {
			log.ErrorContext(ctx, "update check: failed to update binary",
				slog.String("binary", string(src.name)), slog.Any("error", err))

			failed = errors.Join(failed, err)

			continue
		}

		log.InfoContext(ctx, "update check: binary updated", slog.String("binary", string(src.name)))
	}

	// keep the old sums so a failed binary is retried on the next tick
	if failed != nil {
		return
	}

	if err := m.saveSums(); err != nil {
		log.WarnContext(ctx, "update check: failed to save checksums", slog.Any("error", err))
	}
}
