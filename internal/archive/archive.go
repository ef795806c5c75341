// Package archive packs the audio files of a job into a single zip.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"songzip/internal/errs"
)

// ZipDir writes every regular file in dir whose extension is ext into a zip at zipPath.
// Entries are stored flat under their base name in lexical order. The archive itself is skipped
// when it lives in dir. It returns the number of files added.
func ZipDir(ctx context.Context, dir, zipPath, ext string) (int, error) {
	files, err := collect(dir, zipPath, ext)
	if err != nil {
		return 0, err
	}

	if len(files) == 0 {
		return 0, fmt.Errorf("%w: no .%s files in %s", errs.ErrNothingToArchive, ext, dir)
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			out.Close()
			os.Remove(zipPath)

			return 0, err
		}

		if err := addFile(zw, filepath.Join(dir, name), name); err != nil {
			zw.Close()
			out.Close()
			os.Remove(zipPath)

			return 0, err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()

		return 0, fmt.Errorf("finalize archive: %w", err)
	}

	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}

	return len(files), nil
}

func collect(dir, zipPath, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	suffix := "." + strings.TrimPrefix(ext, ".")
	zipBase := filepath.Base(zipPath)
	sameDir := filepath.Clean(filepath.Dir(zipPath)) == filepath.Clean(dir)

	var files []string

	for _, entry := range entries {
		name := entry.Name()

		if !entry.Type().IsRegular() || !strings.EqualFold(filepath.Ext(name), suffix) {
			continue
		}

		if sameDir && name == zipBase {
			continue
		}

		files = append(files, name)
	}

	slices.Sort(files)

	return files, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header %s: %w", name, err)
	}

	header.Name = name
	header.Method = zip.Deflate

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}

	return nil
}
