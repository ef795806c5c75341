package httprouter_test

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"songzip/internal/config"
	"songzip/internal/downloader"
	"songzip/internal/entity"
	httprouter "songzip/internal/infrastructure/delivery/http"
	"songzip/internal/observability"
	"songzip/internal/progress"
	"songzip/internal/service"
	"songzip/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

var testURLs = []string{
	"https://www.youtube.com/watch?v=one",
	"https://www.youtube.com/watch?v=two",
	"https://www.youtube.com/watch?v=three",
}

type env struct {
	router *httprouter.Router
	svc    service.Job
}

func newEnv(t *testing.T) *env {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Audio:   config.Audio{Codec: "mp3"},
		Job:     config.Job{MaxURLs: 10, ProgressInterval: 400 * time.Millisecond},
		Storage: config.Storage{TTL: time.Hour},
		HTTP:    config.HTTP{HandlerTimeout: 5 * time.Second, MaxBodyBytes: 1 << 20},
		Dir:     config.Dir{Temp: t.TempDir()},
	}

	metrics := observability.New(prometheus.NewRegistry())
	storer := storage.NewMemory(log, cfg, metrics)
	svc := service.New(cfg, log, downloader.NewMock(log, cfg), storer, metrics)
	svc.Start(t.Context())

	notifier := progress.New(log, storer, metrics, cfg.Job.ProgressInterval)

	return &env{
		router: httprouter.New(log, cfg, svc, notifier, metrics),
		svc:    svc,
	}
}

func (e *env) do(method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(method, target, reader))

	return rec
}

func (e *env) submit(t *testing.T, urls []string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]any{"urls": urls})

	rec := e.do(http.MethodPost, "/download-all", string(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /download-all = %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Message string `json:"message"`
		JobID   string `json:"job_id"`
		Data    struct {
			JobID string `json:"job_id"`
		} `json:"data"`
	}

	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Data.JobID == "" {
		t.Fatal("empty job_id")
	}

	if resp.JobID != resp.Data.JobID {
		t.Fatalf("top-level job_id = %q, data.job_id = %q", resp.JobID, resp.Data.JobID)
	}

	return resp.Data.JobID
}

type event struct {
	ID       string
	Snapshot progress.Snapshot
}

func parseEvents(t *testing.T, body []byte) []event {
	t.Helper()

	var (
		events []event
		cur    event
	)

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "id:"):
			cur.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if err := json.Unmarshal([]byte(data), &cur.Snapshot); err != nil {
				t.Fatalf("decode event data %q: %v", data, err)
			}
		case line == "" && cur.ID != "":
			events = append(events, cur)
			cur = event{}
		}
	}

	return events
}

func TestBatchLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)
		id := e.submit(t, testURLs)

		rec := e.do(http.MethodGet, "/progress/"+id, "")

		if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("Content-Type = %q", ct)
		}

		events := parseEvents(t, rec.Body.Bytes())
		if len(events) < 2 {
			t.Fatalf("got %d events, want several", len(events))
		}

		for i, ev := range events {
			if ev.Snapshot.ID != id {
				t.Errorf("event %d job id = %q", i, ev.Snapshot.ID)
			}

			if ev.Snapshot.Timestamp.IsZero() {
				t.Errorf("event %d has no timestamp", i)
			}

			if want := strconv.Itoa(i + 1); ev.ID != want {
				t.Errorf("event %d id = %q, want %q", i, ev.ID, want)
			}
		}

		last := events[len(events)-1].Snapshot
		if last.Status != entity.JobStatusDone || len(last.Videos) != len(testURLs) {
			t.Fatalf("last snapshot = %s with %d videos", last.Status, len(last.Videos))
		}

		for vid, video := range last.Videos {
			if video.Status != entity.VideoStatusProcessing {
				t.Errorf("video %s status = %q", vid, video.Status)
			}
		}

		rec = e.do(http.MethodGet, "/result/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /result = %d: %s", rec.Code, rec.Body)
		}

		if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
			t.Errorf("Content-Type = %q", ct)
		}

		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, "songs.zip") {
			t.Errorf("Content-Disposition = %q", cd)
		}

		zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
		if err != nil {
			t.Fatalf("read zip: %v", err)
		}

		if len(zr.File) != len(testURLs) {
			t.Errorf("zip holds %d files, want %d", len(zr.File), len(testURLs))
		}

		if rec := e.do(http.MethodGet, "/result/"+id, ""); rec.Code != http.StatusNotFound {
			t.Errorf("second GET /result = %d, want 404", rec.Code)
		}

		e.svc.Wait()
	})
}

func TestDownloadAllRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{"urls":`, want: http.StatusBadRequest},
		{name: "wrong type", body: `{"urls":"https://youtu.be/a"}`, want: http.StatusBadRequest},
		{name: "empty body", body: "", want: http.StatusBadRequest},
		{name: "no urls", body: `{"urls":[]}`, want: http.StatusUnprocessableEntity},
		{name: "invalid url", body: `{"urls":["https://youtu.be/a","ftp://host/file"]}`, want: http.StatusUnprocessableEntity},
		{name: "blank url", body: `{"urls":[""]}`, want: http.StatusUnprocessableEntity},
		{name: "too many", body: `{"urls":[` + strings.Repeat(`"https://youtu.be/a",`, 10) + `"https://youtu.be/a"]}`, want: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)

			rec := e.do(http.MethodPost, "/download-all", tt.body)
			if rec.Code != tt.want {
				t.Errorf("POST /download-all = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestResultNotAvailable(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)

		if rec := e.do(http.MethodGet, "/result/unknown", ""); rec.Code != http.StatusNotFound {
			t.Errorf("unknown job = %d, want 404", rec.Code)
		}

		id := e.submit(t, testURLs[:1])

		if rec := e.do(http.MethodGet, "/result/"+id, ""); rec.Code != http.StatusNotFound {
			t.Errorf("running job = %d, want 404", rec.Code)
		}

		e.svc.Wait()

		if rec := e.do(http.MethodGet, "/result/"+id, ""); rec.Code != http.StatusOK {
			t.Errorf("finished job = %d, want 200", rec.Code)
		}
	})
}

func TestProgressUnknownJob(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)

		rec := e.do(http.MethodGet, "/progress/unknown", "")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}

		if events := parseEvents(t, rec.Body.Bytes()); len(events) != 0 {
			t.Errorf("got %d events for unknown job", len(events))
		}
	})
}

func TestJobEndpoints(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)

		if rec := e.do(http.MethodGet, "/v1/readyz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
			t.Errorf("readyz = %d %q", rec.Code, rec.Body)
		}

		if rec := e.do(http.MethodGet, "/v1/jobs/", ""); rec.Code != http.StatusNoContent {
			t.Errorf("empty list = %d, want 204", rec.Code)
		}

		id := e.submit(t, testURLs)

		if rec := e.do(http.MethodGet, "/v1/jobs/", ""); rec.Code != http.StatusOK {
			t.Errorf("list = %d, want 200", rec.Code)
		}

		rec := e.do(http.MethodGet, "/v1/jobs/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get = %d, want 200", rec.Code)
		}

		if !strings.Contains(rec.Body.String(), `"id":"`+id+`"`) {
			t.Errorf("get body = %s", rec.Body)
		}

		if rec := e.do(http.MethodGet, "/v1/jobs/unknown", ""); rec.Code != http.StatusNotFound {
			t.Errorf("get unknown = %d, want 404", rec.Code)
		}

		if rec := e.do(http.MethodDelete, "/v1/jobs/"+id, ""); rec.Code != http.StatusOK {
			t.Errorf("cancel = %d, want 200: %s", rec.Code, rec.Body)
		}

		if rec := e.do(http.MethodDelete, "/v1/jobs/"+id, ""); rec.Code != http.StatusConflict {
			t.Errorf("second cancel = %d, want 409", rec.Code)
		}

		if rec := e.do(http.MethodDelete, "/v1/jobs/unknown", ""); rec.Code != http.StatusNotFound {
			t.Errorf("cancel unknown = %d, want 404", rec.Code)
		}

		e.svc.Wait()

		rec = e.do(http.MethodGet, "/progress/"+id, "")

		events := parseEvents(t, rec.Body.Bytes())
		if len(events) != 1 || events[0].Snapshot.Status != entity.JobStatusCancelled {
			t.Errorf("progress of cancelled job = %+v", events)
		}

		rec = e.do(http.MethodGet, "/metrics", "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "songzip_jobs_cancelled_total 1") {
			t.Errorf("metrics = %d, missing cancelled counter", rec.Code)
		}
	})
}
