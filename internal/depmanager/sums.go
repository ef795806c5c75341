package depmanager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const sha256HexLength = 64

// FetchSums downloads every configured checksum file and merges the entries.
// Checksums only detect new releases; downloads are not verified against them.
func (m *Manager) FetchSums(ctx context.Context) error {
	var urls []string
	for _, src := range m.sources() {
		urls = append(urls, src.sumsURLs()...)
	}

	if len(urls) == 0 {
		return fmt.Errorf("no checksum urls configured")
	}

	fetched := make(map[string]string)

	for _, u := range urls {
		sums, err := m.fetchSums(ctx, u)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", u, err)
		}

		maps.Copy(fetched, sums)
	}

	m.mu.Lock()
	maps.Copy(m.remoteSums, fetched)
	m.mu.Unlock()

	m.log.DebugContext(ctx, "fetched checksums", slog.Int("count", len(fetched)))

	return nil
}

func (m *Manager) fetchSums(ctx context.Context, rawURL string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return parseSums(resp.Body)
}

// parseSums reads "hash  filename" lines. Malformed lines are skipped.
func parseSums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || len(fields[0]) != sha256HexLength {
			continue
		}

		// sha256sum -b marks binary mode with a leading asterisk
		name := strings.TrimPrefix(fields[1], "*")
		sums[filepath.Base(name)] = strings.ToLower(fields[0])
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan checksums: %w", err)
	}

	return sums, nil
}

// outdated returns the sources whose upstream checksum differs from the saved one.
func (m *Manager) outdated() []source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []source

	for _, src := range m.sources() {
		file := src.filename(m.platform)

		remote, ok := m.remoteSums[file]
		if !ok {
			continue
		}

		if saved, ok := m.savedSums[file]; !ok || saved != remote {
			out = append(out, src)
		}
	}

	return out
}

func (m *Manager) sumsPath() string {
	return filepath.Join(m.cfg.DepManager.BinsDir, savedSumsFilename)
}

func (m *Manager) loadSavedSums() error {
	data, err := os.ReadFile(m.sumsPath())
	if err != nil {
		return fmt.Errorf("read checksums file: %w", err)
	}

	saved := make(map[string]string)
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("unmarshal checksums: %w", err)
	}

	m.mu.Lock()
	m.savedSums = saved
	m.mu.Unlock()

	return nil
}

// saveSums persists the remote checksums as the installed baseline.
func (m *Manager) saveSums() error {
	m.mu.RLock()
	snapshot := maps.Clone(m.remoteSums)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}

	if err := os.WriteFile(m.sumsPath(), data, filePermReadWrite); err != nil {
		return fmt.Errorf("write checksums file: %w", err)
	}

	m.mu.Lock()
	m.savedSums = snapshot
	m.mu.Unlock()

	return nil
}
