package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/bytevm/pkg/asm"
	"github.com/fortiblox/bytevm/pkg/executor"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/runstore"
)

// mockNodeStats implements NodeStats for testing.
type mockNodeStats struct {
	isRunning     bool
	uptime        time.Duration
	runsExecuted  uint64
	runsFaulted   uint64
	stepsExecuted uint64
	rpcAddr       string
	grpcAddr      string
	lastError     error
}

func (m *mockNodeStats) IsRunning() bool             { return m.isRunning }
func (m *mockNodeStats) Uptime() time.Duration       { return m.uptime }
func (m *mockNodeStats) RunsExecuted() uint64        { return m.runsExecuted }
func (m *mockNodeStats) RunsFaulted() uint64         { return m.runsFaulted }
func (m *mockNodeStats) StepsExecuted() uint64       { return m.stepsExecuted }
func (m *mockNodeStats) Endpoints() (string, string) { return m.rpcAddr, m.grpcAddr }
func (m *mockNodeStats) LastError() error            { return m.lastError }

const sumSource = `
.data 8
.word 40
mov a, 2
mov b, [bp + 0]
nop
`

// newTestDashboard creates a dashboard over real stores holding one
// deployed program, two clean runs and one faulted run.
func newTestDashboard(t *testing.T) (*Dashboard, *programstore.Record) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "dashboard_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	programs, err := programstore.Open(programstore.DefaultConfig(filepath.Join(tmpDir, "programs.db")))
	if err != nil {
		t.Fatalf("Failed to open program store: %v", err)
	}
	t.Cleanup(func() { programs.Close() })

	runCfg := runstore.DefaultConfig("")
	runCfg.InMemory = true
	runs, err := runstore.Open(runCfg)
	if err != nil {
		t.Fatalf("Failed to open run store: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	rec, err := programs.Put(asm.MustAssemble(sumSource), "sum")
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	exec := executor.New(executor.DefaultConfig(), programs, runs)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := exec.ExecuteStored(ctx, "sum", 0); err != nil {
			t.Fatalf("ExecuteStored() failed: %v", err)
		}
	}
	if _, err := exec.Execute(ctx, asm.MustAssemble("mov a, -1\nmov b, [a]\n"), 0); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	stats := &mockNodeStats{
		isRunning:     true,
		uptime:        90 * time.Second,
		runsExecuted:  3,
		runsFaulted:   1,
		stepsExecuted: 5,
		rpcAddr:       "127.0.0.1:8899",
	}

	d, err := New(DefaultConfig(), programs, runs, stats)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d, rec
}

func get(t *testing.T, d *Dashboard, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, req)
	body, _ := io.ReadAll(w.Result().Body)
	return w.Code, string(body)
}

func getJSON(t *testing.T, d *Dashboard, path string, v interface{}) {
	t.Helper()
	code, body := get(t, d, path)
	if code != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", path, code, body)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("GET %s: decode failed: %v", path, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("expected BindAddress '127.0.0.1', got %q", cfg.BindAddress)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected Port 8080, got %d", cfg.Port)
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Errorf("expected ReadTimeout 15s, got %v", cfg.ReadTimeout)
	}
}

func TestNewRequiresStores(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil, nil); err == nil {
		t.Error("New() without stores succeeded, want error")
	}
}

func TestPages(t *testing.T) {
	d, rec := newTestDashboard(t)

	tests := []struct {
		path string
		code int
		want []string
	}{
		{"/", http.StatusOK, []string{"Recent Runs", "#3", "MemoryOutOfBounds", "127.0.0.1:8899", "33.3% faulted"}},
		{"/programs", http.StatusOK, []string{"sum", rec.ID.String()}},
		{"/programs/sum", http.StatusOK, []string{"Disassembly", "mov a, 2", "#2", "#1"}},
		{"/programs/" + rec.ID.String(), http.StatusOK, []string{"mov a, 2"}},
		{"/programs/missing", http.StatusOK, []string{"program not found"}},
		{"/runs", http.StatusOK, []string{"#1", "#2", "#3", "3 recorded"}},
		{"/runs/1", http.StatusOK, []string{"Run #1", "halted", "Integer registers", "40"}},
		{"/runs/3", http.StatusOK, []string{"faulted", "MemoryOutOfBounds"}},
		{"/runs/99", http.StatusOK, []string{"run not found"}},
		{"/runs/abc", http.StatusOK, []string{"Invalid run sequence number"}},
		{"/nope", http.StatusNotFound, nil},
		{"/static/style.css", http.StatusOK, []string{".badge"}},
		{"/static/missing.js", http.StatusNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, d, tt.path)
			if code != tt.code {
				t.Fatalf("GET %s = %d, want %d", tt.path, code, tt.code)
			}
			for _, s := range tt.want {
				if !strings.Contains(body, s) {
					t.Errorf("GET %s: body missing %q", tt.path, s)
				}
			}
		})
	}
}

func TestAPIStatus(t *testing.T) {
	d, _ := newTestDashboard(t)

	var status StatusResponse
	getJSON(t, d, "/api/status", &status)

	if !status.IsRunning || status.Status != "Serving" {
		t.Errorf("status = %v/%q, want running/Serving", status.IsRunning, status.Status)
	}
	if status.RunsExecuted != 3 || status.RunsFaulted != 1 {
		t.Errorf("runs = %d/%d, want 3/1", status.RunsExecuted, status.RunsFaulted)
	}
	if status.LastRunSeq != 3 || status.ProgramCount != 1 {
		t.Errorf("lastRunSeq/programCount = %d/%d, want 3/1", status.LastRunSeq, status.ProgramCount)
	}
	if status.Uptime != "1m 30s" {
		t.Errorf("uptime = %q, want '1m 30s'", status.Uptime)
	}

	d.nodeStats.(*mockNodeStats).lastError = errors.New("disk full")
	getJSON(t, d, "/api/status", &status)
	if status.LastError != "disk full" {
		t.Errorf("lastError = %q, want 'disk full'", status.LastError)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status = %d, want 405", w.Code)
	}
}

func TestAPIPrograms(t *testing.T) {
	d, rec := newTestDashboard(t)

	var programs []ProgramBrief
	getJSON(t, d, "/api/programs", &programs)
	if len(programs) != 1 || programs[0].Name != "sum" || programs[0].ID != rec.ID.String() {
		t.Fatalf("programs = %+v", programs)
	}
	if programs[0].DataSize != 8 || programs[0].Size != rec.Size() {
		t.Errorf("sizes = %d/%d, want 8/%d", programs[0].DataSize, programs[0].Size, rec.Size())
	}

	var program ProgramResponse
	getJSON(t, d, "/api/programs/sum", &program)
	if len(program.Listing) != 3 {
		t.Fatalf("len(listing) = %d, want 3", len(program.Listing))
	}
	if program.Listing[0].Text != "mov a, 2" || program.Listing[2].Text != "nop" {
		t.Errorf("listing = %+v", program.Listing)
	}
	if len(program.Runs) != 2 || program.Runs[0].Seq != 2 || program.Runs[1].Seq != 1 {
		t.Errorf("runs = %+v, want seq 2 then 1", program.Runs)
	}

	if code, _ := get(t, d, "/api/programs/missing"); code != http.StatusNotFound {
		t.Errorf("GET /api/programs/missing = %d, want 404", code)
	}
}

func TestAPIRuns(t *testing.T) {
	d, rec := newTestDashboard(t)

	var list RunsListResponse
	getJSON(t, d, "/api/runs", &list)
	if list.LastSeq != 3 || list.TotalPages != 1 || len(list.Runs) != 3 {
		t.Fatalf("list = %+v", list)
	}
	if list.Runs[0].Seq != 3 || list.Runs[0].State != "faulted" || list.Runs[0].FaultKind != "MemoryOutOfBounds" {
		t.Errorf("newest run = %+v", list.Runs[0])
	}

	getJSON(t, d, "/api/runs?program="+rec.ID.String(), &list)
	if len(list.Runs) != 2 {
		t.Errorf("runs for program = %d, want 2", len(list.Runs))
	}

	var run RunResponse
	getJSON(t, d, "/api/runs/1", &run)
	if run.State != "halted" || run.Steps != 3 {
		t.Errorf("run = %s/%d, want halted/3", run.State, run.Steps)
	}
	if len(run.Registers) != 8 || run.Registers[3].Name != "a" || run.Registers[3].Value != "2" {
		t.Errorf("registers = %+v", run.Registers)
	}
	if run.Registers[4].Value != "40" {
		t.Errorf("b = %q, want 40", run.Registers[4].Value)
	}
	if len(run.StateHash) != 64 {
		t.Errorf("stateHash = %q, want 64 hex chars", run.StateHash)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/runs/99", http.StatusNotFound},
		{"/api/runs/x", http.StatusBadRequest},
		{"/api/runs?program=nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		if code, _ := get(t, d, tt.path); code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, code, tt.code)
		}
	}
}

func TestAPIMetrics(t *testing.T) {
	d, _ := newTestDashboard(t)

	var metrics MetricsResponse
	getJSON(t, d, "/api/metrics", &metrics)
	if metrics.Goroutines == 0 {
		t.Error("expected non-zero goroutines")
	}
	if metrics.RunsExecuted != 3 || metrics.StepsExecuted != 5 {
		t.Errorf("runs/steps = %d/%d, want 3/5", metrics.RunsExecuted, metrics.StepsExecuted)
	}
}

func TestRecentRunsPaging(t *testing.T) {
	d, _ := newTestDashboard(t)

	tests := []struct {
		page, perPage int
		wantFirst     uint64
		wantLen       int
		wantPages     int
	}{
		{1, 2, 3, 2, 2},
		{2, 2, 1, 1, 2},
		{9, 2, 1, 1, 2},
		{1, 25, 3, 3, 1},
	}
	for _, tt := range tests {
		runs, pages := d.getRecentRuns(tt.page, tt.perPage)
		if pages != tt.wantPages || len(runs) != tt.wantLen {
			t.Errorf("getRecentRuns(%d, %d) = %d runs/%d pages, want %d/%d", tt.page, tt.perPage, len(runs), pages, tt.wantLen, tt.wantPages)
			continue
		}
		if runs[0].Seq != tt.wantFirst {
			t.Errorf("getRecentRuns(%d, %d) first seq = %d, want %d", tt.page, tt.perPage, runs[0].Seq, tt.wantFirst)
		}
	}
}

func TestServe(t *testing.T) {
	d, _ := newTestDashboard(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	d.config.Port = 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("dashboard did not stop in time")
	}
}

func TestFormatters(t *testing.T) {
	durations := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range durations {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}

	numbers := []struct {
		n    interface{}
		want string
	}{
		{999, "999"},
		{int64(1500), "1.5K"},
		{uint64(2500000), "2.5M"},
		{1.234, "1.23"},
	}
	for _, tt := range numbers {
		if got := formatNumber(tt.n); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.n, got, tt.want)
		}
	}

	if got := formatBytes(1536); got != "1.5 KB" {
		t.Errorf("formatBytes(1536) = %q, want '1.5 KB'", got)
	}
	if got := formatTime(int64(0)); got != "1970-01-01 00:00:00 UTC" {
		t.Errorf("formatTime(0) = %q", got)
	}
	if got := formatTime(time.Time{}); got != "N/A" {
		t.Errorf("formatTime(zero) = %q, want N/A", got)
	}
	if got := truncateHash("abcdefghijklmnop", 3); got != "abc...nop" {
		t.Errorf("truncateHash() = %q, want abc...nop", got)
	}
}
