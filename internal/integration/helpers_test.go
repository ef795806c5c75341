//go:build integration

package integration_test

import (
	"bufio"
	_ "embed"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"songzip/internal/config"
	"songzip/internal/depmanager"
	"songzip/internal/downloader"
	"songzip/internal/entity"
	httprouter "songzip/internal/infrastructure/delivery/http"
	"songzip/internal/observability"
	"songzip/internal/progress"
	"songzip/internal/service"
	"songzip/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	//go:embed testdata/fake-ytdlp.sh
	fakeYTdlpScript []byte
	//go:embed testdata/fake-ffmpeg.sh
	fakeFFmpegScript []byte
)

type fixture struct {
	cfg        *config.Config
	downloader downloader.Downloader
	svc        service.Job
	client     *http.Client
	url        string
}

// newFixture wires the full stack around a fake yt-dlp placed first in PATH.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake yt-dlp is a shell script")
	}

	base := t.TempDir()
	binsDir := filepath.Join(base, "bins")

	if err := os.MkdirAll(binsDir, 0o755); err != nil {
		t.Fatalf("mkdir bins dir: %v", err)
	}

	for name, script := range map[string][]byte{"yt-dlp": fakeYTdlpScript, "ffmpeg": fakeFFmpegScript} {
		if err := os.WriteFile(filepath.Join(binsDir, name), script, 0o755); err != nil {
			t.Fatalf("write fake %s: %v", name, err)
		}
	}

	t.Setenv("PATH", binsDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config new: %v", err)
	}

	cfg.App.Downloader = "ytdlp"
	cfg.DepManager.UseSystemBinaries = true
	cfg.DepManager.BinsDir = binsDir
	cfg.Dir.Temp = filepath.Join(base, "jobs")
	cfg.Dir.Cache = filepath.Join(base, "cache")
	cfg.Dir.CookieFile = ""
	cfg.Storage.Backend = "memory"
	cfg.Job.ProgressInterval = 50 * time.Millisecond
	cfg.Job.Timeout = 10 * time.Second

	for _, dir := range []string{cfg.Dir.Temp, cfg.Dir.Cache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.New(prometheus.NewRegistry())

	depMgr := depmanager.New(log, cfg)
	if err := depMgr.Start(t.Context()); err != nil {
		t.Fatalf("depmanager start: %v", err)
	}

	dl, err := downloader.New(log, cfg, depMgr, nil, metrics)
	if err != nil {
		t.Fatalf("downloader new: %v", err)
	}

	storer, err := storage.New(log, cfg, metrics)
	if err != nil {
		t.Fatalf("storage new: %v", err)
	}

	svc := service.New(cfg, log, dl, storer, metrics)
	svc.Start(t.Context())

	notifier := progress.New(log, storer, metrics, cfg.Job.ProgressInterval)
	server := httptest.NewServer(httprouter.New(log, cfg, svc, notifier, metrics))

	t.Cleanup(func() {
		server.Close()
		svc.Wait()
	})

	client := server.Client()
	client.Timeout = 15 * time.Second

	return &fixture{
		cfg:        cfg,
		downloader: dl,
		svc:        svc,
		client:     client,
		url:        server.URL,
	}
}

type apiResponse struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (fx *fixture) do(t *testing.T, method, path, body string) (*http.Response, apiResponse) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, fx.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	var decoded apiResponse
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}

	return resp, decoded
}

func (fx *fixture) submit(t *testing.T, urls ...string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string][]string{"urls": urls})

	resp, decoded := fx.do(t, http.MethodPost, "/download-all", string(payload))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /download-all = %d: %+v", resp.StatusCode, decoded)
	}

	var created struct {
		JobID string `json:"job_id"`
	}

	if err := json.Unmarshal(decoded.Data, &created); err != nil || created.JobID == "" {
		t.Fatalf("decode job id from %s: %v", decoded.Data, err)
	}

	return created.JobID
}

// stream reads the progress stream until the server closes it.
func (fx *fixture) stream(t *testing.T, id string) []progress.Snapshot {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fx.url+"/progress/"+id, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("GET /progress: %v", err)
	}
	defer resp.Body.Close()

	var snapshots []progress.Snapshot

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}

		var snap progress.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &snap); err != nil {
			t.Fatalf("decode snapshot %q: %v", data, err)
		}

		snapshots = append(snapshots, snap)
	}

	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	return snapshots
}

func (fx *fixture) waitForStatus(t *testing.T, id string, want entity.JobStatus) entity.Job {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	var last entity.Job

	for time.Now().Before(deadline) {
		resp, decoded := fx.do(t, http.MethodGet, "/v1/jobs/"+id, "")
		if resp.StatusCode == http.StatusOK {
			if err := json.Unmarshal(decoded.Data, &last); err != nil {
				t.Fatalf("decode job: %v", err)
			}

			if last.Status == want {
				return last
			}
		}

		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("job %s never reached %q, last status %q", id, want, last.Status)

	return entity.Job{}
}

// waitForNoJobDirs waits until every per-job temp dir has been removed.
func (fx *fixture) waitForNoJobDirs(t *testing.T) {
	t.Helper()

	var entries []os.DirEntry

	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		var err error

		entries, err = os.ReadDir(fx.cfg.Dir.Temp)
		if err != nil {
			t.Fatalf("read temp root: %v", err)
		}

		if len(entries) == 0 {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Errorf("job dirs left behind: %v", entries)
}
