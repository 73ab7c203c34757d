package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:         baseURL,
		APIKey:          "test-key",
		NodeID:          "node-1",
		RequestTimeout:  5 * time.Second,
		MaxRetryElapsed: 10 * time.Second,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
		want TransportErrorKind
	}{
		{"unauthorized is fatal", http.StatusUnauthorized, Fatal},
		{"forbidden is fatal", http.StatusForbidden, Fatal},
		{"server error is transient", http.StatusInternalServerError, Transient},
		{"bad gateway is transient", http.StatusBadGateway, Transient},
		{"too many requests is transient", http.StatusTooManyRequests, Transient},
		{"not found is transient", http.StatusNotFound, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyStatus(tt.code); got != tt.want {
				t.Errorf("classifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestPollJobs_ReturnsBatch(t *testing.T) {
	jobs := []api.JobDescriptor{
		{ID: "job-1", Image: "docker.io/library/alpine:3.19"},
		{ID: "job-2", Image: "docker.io/library/busybox:1.36"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("Missing API key header")
		}
		if got := r.URL.Query().Get("limit"); got != "3" {
			t.Errorf("Expected limit=3, got %q", got)
		}
		if got := r.URL.Query().Get("wait"); got != "1" {
			t.Errorf("Expected wait=1, got %q", got)
		}
		if r.URL.Query().Get("profile") == "" {
			t.Errorf("Expected profile query parameter")
		}
		json.NewEncoder(w).Encode(jobs)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	got, err := c.PollJobs(context.Background(), api.NodeProfile{NodeID: "node-1"}, 1*time.Second, 3)
	if err != nil {
		t.Fatalf("PollJobs failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "job-1" || got[1].ID != "job-2" {
		t.Errorf("Unexpected batch: %+v", got)
	}
}

func TestPollJobs_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	got, err := c.PollJobs(context.Background(), api.NodeProfile{}, 1*time.Second, 1)
	if err != nil {
		t.Fatalf("PollJobs failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected empty batch, got %+v", got)
	}
}

func TestPollJobs_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantFatal bool
	}{
		{"server error", http.StatusInternalServerError, false},
		{"unauthorized", http.StatusUnauthorized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL)
			_, err := c.PollJobs(context.Background(), api.NodeProfile{}, 1*time.Second, 1)
			if err == nil {
				t.Fatal("Expected error")
			}
			if IsFatal(err) != tt.wantFatal {
				t.Errorf("IsFatal = %v, want %v (err: %v)", IsFatal(err), tt.wantFatal, err)
			}
		})
	}
}

func TestReportStatus_RetriesWithSameSequence(t *testing.T) {
	var mu sync.Mutex
	var sequences []uint64
	var attempts int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var report api.StatusReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			t.Errorf("Malformed status report: %v", err)
		}

		mu.Lock()
		sequences = append(sequences, report.Sequence)
		attempts++
		failing := attempts <= 2
		mu.Unlock()

		if failing {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	err := c.ReportStatus(context.Background(), api.StatusReport{
		JobID:    "job-1",
		State:    api.JobStateSucceeded,
		Sequence: 4,
	})
	if err != nil {
		t.Fatalf("ReportStatus failed after retries: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sequences) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(sequences))
	}
	for i, seq := range sequences {
		if seq != 4 {
			t.Errorf("Attempt %d carried sequence %d, want 4", i, seq)
		}
	}
}

func TestReportStatus_FatalStopsRetries(t *testing.T) {
	var mu sync.Mutex
	var attempts int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	err := c.ReportStatus(context.Background(), api.StatusReport{JobID: "job-1", State: api.JobStateRunning})
	if err == nil {
		t.Fatal("Expected error")
	}
	if !IsFatal(err) {
		t.Errorf("Expected fatal classification, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("Expected exactly 1 attempt on fatal failure, got %d", attempts)
	}
}

func TestUploadArtifacts(t *testing.T) {
	zipPath := t.TempDir() + "/out.zip"
	content := []byte("PK\x03\x04fake-zip-payload")
	if err := os.WriteFile(zipPath, content, 0o644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", r.Method)
		}
		if r.Header.Get("X-API-Key") != "" {
			t.Errorf("Pre-signed upload must not carry the API key")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/zip" {
			t.Errorf("Expected application/zip, got %q", ct)
		}
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, "http://orchestrator.invalid")
	if err := c.UploadArtifacts(context.Background(), server.URL+"/presigned", zipPath); err != nil {
		t.Fatalf("UploadArtifacts failed: %v", err)
	}
	if string(received) != string(content) {
		t.Errorf("Uploaded body mismatch")
	}
}

func TestReportOffline(t *testing.T) {
	var mu sync.Mutex
	var gotStatus string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var profile api.NodeProfile
		json.NewDecoder(r.Body).Decode(&profile)
		mu.Lock()
		gotStatus = profile.Status
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	if err := c.ReportOffline(context.Background()); err != nil {
		t.Fatalf("ReportOffline failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotStatus != "offline" {
		t.Errorf("Expected offline status, got %q", gotStatus)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{BaseURL: "http://o", APIKey: "k", NodeID: "n", Logger: zap.NewNop()}, false},
		{"missing base URL", Config{APIKey: "k", NodeID: "n", Logger: zap.NewNop()}, true},
		{"missing API key", Config{BaseURL: "http://o", NodeID: "n", Logger: zap.NewNop()}, true},
		{"missing node ID", Config{BaseURL: "http://o", APIKey: "k", Logger: zap.NewNop()}, true},
		{"missing logger", Config{BaseURL: "http://o", APIKey: "k", NodeID: "n"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
