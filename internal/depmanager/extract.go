package depmanager

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

type archive int

const (
	archiveNone archive = iota
	archiveZip
	archiveTarXZ
	archiveTarGZ
)

func archiveKind(filename string) archive {
	switch {
	case strings.HasSuffix(filename, ".zip"):
		return archiveZip
	case strings.HasSuffix(filename, ".tar.xz"):
		return archiveTarXZ
	case strings.HasSuffix(filename, ".tar.gz"), strings.HasSuffix(filename, ".tgz"):
		return archiveTarGZ
	default:
		return archiveNone
	}
}

// fetch downloads rawURL into a temp file inside the bins directory and returns its path.
func (m *Manager) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: unexpected status: %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(m.cfg.DepManager.BinsDir, "download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return "", fmt.Errorf("close temp file: %w", err)
	}

	return tmp.Name(), nil
}

// placeExecutable renames a downloaded binary into place and marks it executable.
func placeExecutable(src, dst string) error {
	if err := os.Chmod(src, filePermExecutable); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return nil
}

// extract pulls the files named in targets (archive base name -> destination)
// out of the archive at path. Every target must be present.
func extract(kind archive, path string, targets map[string]string) error {
	var (
		found map[string]bool
		err   error
	)

	switch kind {
	case archiveZip:
		found, err = extractZip(path, targets)
	case archiveTarXZ, archiveTarGZ:
		found, err = extractTar(kind, path, targets)
	default:
		return fmt.Errorf("unsupported archive format")
	}

	if err != nil {
		return err
	}

	for name := range targets {
		if !found[name] {
			return fmt.Errorf("%s not found in archive", name)
		}
	}

	return nil
}

func extractZip(path string, targets map[string]string) (map[string]bool, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	found := make(map[string]bool, len(targets))

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}

		name := filepath.Base(file.Name)

		dst, ok := targets[name]
		if !ok || found[name] {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in zip: %w", name, err)
		}

		err = writeExecutable(dst, rc)
		rc.Close()

		if err != nil {
			return nil, err
		}

		found[name] = true
	}

	return found, nil
}

func extractTar(kind archive, path string, targets map[string]string) (map[string]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	var r io.Reader

	switch kind {
	case archiveTarXZ:
		if r, err = xz.NewReader(file); err != nil {
			return nil, fmt.Errorf("create xz reader: %w", err)
		}
	default:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gz.Close()

		r = gz
	}

	tr := tar.NewReader(r)
	found := make(map[string]bool, len(targets))

	for len(found) < len(targets) {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(header.Name)

		dst, ok := targets[name]
		if !ok || found[name] {
			continue
		}

		if err := writeExecutable(dst, tr); err != nil {
			return nil, err
		}

		found[name] = true
	}

	return found, nil
}

// writeExecutable writes r to a temp file beside dst and renames it over dst.
func writeExecutable(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".new-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("extract %s: %w", dst, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("close %s: %w", dst, err)
	}

	if err := placeExecutable(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return nil
}
