// Package dashboard provides an embedded web dashboard for monitoring a bytevm node.
//
// The dashboard provides:
// - Node health and execution counters
// - Deployed program browser with disassembly listings
// - Recorded run browser with pagination
// - Register, fault and state hash detail for each run
//
// Templates and static assets are compiled into the binary.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fortiblox/bytevm/internal/types"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/runstore"
)

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NodeStats provides node statistics to the dashboard.
type NodeStats interface {
	// IsRunning returns true if the node is running.
	IsRunning() bool

	// Uptime returns how long the node has been running.
	Uptime() time.Duration

	// RunsExecuted returns the number of runs recorded since start.
	RunsExecuted() uint64

	// RunsFaulted returns how many recorded runs ended in a fault.
	RunsFaulted() uint64

	// StepsExecuted returns the total steps across recorded runs.
	StepsExecuted() uint64

	// Endpoints returns the bound JSON-RPC and gRPC addresses.
	Endpoints() (rpcAddr, grpcAddr string)

	// LastError returns the last error encountered, if any.
	LastError() error
}

// RunReader reads recorded runs.
type RunReader interface {
	Get(seq uint64) (*runstore.Run, error)
	LastSeq() uint64
	ListByProgram(id types.ProgramID, limit int) ([]*runstore.Run, error)
}

const (
	runsPerPage     = 25
	programPageSize = 100
)

// Dashboard is the web dashboard server.
type Dashboard struct {
	config    Config
	server    *http.Server
	programs  programstore.Store
	runs      RunReader
	nodeStats NodeStats

	// Cached templates
	templates *template.Template

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server. stats may be nil.
func New(config Config, programs programstore.Store, runs RunReader, stats NodeStats) (*Dashboard, error) {
	if programs == nil || runs == nil {
		return nil, errors.New("dashboard requires a program store and a run store")
	}

	// Apply defaults
	if config.BindAddress == "" {
		config.BindAddress = DefaultConfig().BindAddress
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}

	d := &Dashboard{
		config:    config,
		programs:  programs,
		runs:      runs,
		nodeStats: stats,
		startTime: time.Now(),
	}

	// Parse templates
	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	d.templates = tmpl

	return d, nil
}

// parseTemplates parses all embedded templates.
func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatBytes":    formatBytes,
		"formatTime":     formatTime,
		"truncateHash":   truncateHash,
		"add":            func(a, b int) int { return a + b },
		"sub":            func(a, b int) int { return a - b },
		"seq":            seq,
	}

	tmpl := template.New("").Funcs(funcMap)

	// Parse layout with explicit name
	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	// Parse page templates
	templates := map[string]string{
		"home":     homeTemplate,
		"programs": programsTemplate,
		"program":  programDetailTemplate,
		"runs":     runsTemplate,
		"run":      runDetailTemplate,
		"runRows":  runRowsTemplate,
	}

	for name, content := range templates {
		if _, err := tmpl.New(name).Parse(content); err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
	}

	return tmpl, nil
}

// Handler returns the dashboard's HTTP handler.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	// Static assets
	mux.HandleFunc("/static/", d.handleStatic)

	// Page routes
	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/programs", d.handlePrograms)
	mux.HandleFunc("/programs/", d.handleProgramDetail)
	mux.HandleFunc("/runs", d.handleRuns)
	mux.HandleFunc("/runs/", d.handleRunDetail)

	// API routes
	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/programs", d.handleAPIPrograms)
	mux.HandleFunc("/api/programs/", d.handleAPIProgram)
	mux.HandleFunc("/api/runs", d.handleAPIRuns)
	mux.HandleFunc("/api/runs/", d.handleAPIRun)
	mux.HandleFunc("/api/metrics", d.handleAPIMetrics)

	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (d *Dashboard) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", d.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Address(), err)
	}
	return d.Serve(ctx, lis)
}

// Serve serves the dashboard on lis until ctx is done.
func (d *Dashboard) Serve(ctx context.Context, lis net.Listener) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		lis.Close()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.server = &http.Server{
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := d.server
	d.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-done:
		}
	}()

	log.Printf("Dashboard listening on http://%s", lis.Addr())

	err := srv.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	srv := d.server
	d.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}

	return nil
}

// Address returns the configured listen address.
func (d *Dashboard) Address() string {
	return net.JoinHostPort(d.config.BindAddress, strconv.Itoa(d.config.Port))
}

// handleHome renders the overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := d.getStatusData()
	data["Runs"], _ = d.getRecentRuns(1, 10)
	d.renderPage(w, "home", data)
}

// handlePrograms renders the deployed program list.
func (d *Dashboard) handlePrograms(w http.ResponseWriter, r *http.Request) {
	records, err := d.programs.List(programPageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.renderPage(w, "programs", map[string]interface{}{
		"Programs": records,
	})
}

// handleProgramDetail renders one program with its listing and recent runs.
func (d *Dashboard) handleProgramDetail(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimPrefix(r.URL.Path, "/programs/")
	rec, err := d.lookupProgram(ref)
	if err != nil {
		d.renderPage(w, "program", map[string]interface{}{
			"Ref":   ref,
			"Error": err.Error(),
		})
		return
	}

	runs, _ := d.runs.ListByProgram(rec.ID, runsPerPage)
	d.renderPage(w, "program", map[string]interface{}{
		"Ref":     ref,
		"Program": rec,
		"Listing": listing(rec),
		"Runs":    runs,
	})
}

// handleRuns renders the paginated run list.
func (d *Dashboard) handleRuns(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)
	runs, totalPages := d.getRecentRuns(page, runsPerPage)
	if page > totalPages && totalPages > 0 {
		page = totalPages
	}

	d.renderPage(w, "runs", map[string]interface{}{
		"Runs":       runs,
		"Page":       page,
		"TotalPages": totalPages,
		"LastSeq":    d.runs.LastSeq(),
	})
}

// handleRunDetail renders one recorded run.
func (d *Dashboard) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	seqStr := strings.TrimPrefix(r.URL.Path, "/runs/")
	data := map[string]interface{}{"SeqStr": seqStr}

	runSeq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		data["Error"] = "Invalid run sequence number"
		d.renderPage(w, "run", data)
		return
	}
	run, err := d.runs.Get(runSeq)
	if err != nil {
		data["Error"] = err.Error()
		d.renderPage(w, "run", data)
		return
	}

	data["Run"] = newRunResponse(run)
	if rec, err := d.programs.Get(run.ProgramID); err == nil {
		data["ProgramName"] = rec.Name
	}
	d.renderPage(w, "run", data)
}

// handleStatic serves embedded static assets.
func (d *Dashboard) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/static/")

	content, contentType, ok := getStaticAsset(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write([]byte(content))
}

// lookupProgram resolves a base58 program ID or a deployed name.
func (d *Dashboard) lookupProgram(ref string) (*programstore.Record, error) {
	if ref == "" {
		return nil, programstore.ErrProgramNotFound
	}
	if id, err := types.ParseProgramID(ref); err == nil {
		if rec, err := d.programs.Get(id); err == nil {
			return rec, nil
		}
	}
	return d.programs.GetByName(ref)
}

// getStatusData returns the current node status data.
func (d *Dashboard) getStatusData() map[string]interface{} {
	data := make(map[string]interface{})

	var runsExecuted, runsFaulted, stepsExecuted uint64
	var isRunning bool
	var uptime time.Duration
	var lastErr error
	var rpcAddr, grpcAddr string

	if d.nodeStats != nil {
		isRunning = d.nodeStats.IsRunning()
		uptime = d.nodeStats.Uptime()
		runsExecuted = d.nodeStats.RunsExecuted()
		runsFaulted = d.nodeStats.RunsFaulted()
		stepsExecuted = d.nodeStats.StepsExecuted()
		rpcAddr, grpcAddr = d.nodeStats.Endpoints()
		lastErr = d.nodeStats.LastError()
	} else {
		isRunning = true
		uptime = time.Since(d.startTime)
	}

	var programCount uint64
	var databaseSize int64
	if stats, err := d.programs.GetStats(); err == nil {
		programCount = stats.ProgramCount
		databaseSize = stats.DatabaseSize
	}

	data["IsRunning"] = isRunning
	data["Uptime"] = uptime
	data["RunsExecuted"] = runsExecuted
	data["RunsFaulted"] = runsFaulted
	data["StepsExecuted"] = stepsExecuted
	data["LastRunSeq"] = d.runs.LastSeq()
	data["ProgramCount"] = programCount
	data["DatabaseSize"] = databaseSize
	data["RPCAddr"] = rpcAddr
	data["GRPCAddr"] = grpcAddr

	if lastErr != nil {
		data["LastError"] = lastErr.Error()
	}

	if runsExecuted > 0 {
		data["FaultRate"] = 100 * float64(runsFaulted) / float64(runsExecuted)
		data["StepsPerRun"] = float64(stepsExecuted) / float64(runsExecuted)
	}

	if isRunning {
		data["Status"] = "Serving"
	} else {
		data["Status"] = "Stopped"
	}

	return data
}

// getRecentRuns returns a page of runs, newest first, and the page count.
func (d *Dashboard) getRecentRuns(page, perPage int) ([]*runstore.Run, int) {
	lastSeq := d.runs.LastSeq()
	if lastSeq == 0 {
		return nil, 0
	}

	totalPages := int((lastSeq + uint64(perPage) - 1) / uint64(perPage))
	if page > totalPages {
		page = totalPages
	}
	if page < 1 {
		page = 1
	}

	// Sequence numbers start at 1
	skip := uint64((page - 1) * perPage)
	if skip >= lastSeq {
		return nil, totalPages
	}
	startSeq := lastSeq - skip

	var runs []*runstore.Run
	for s := startSeq; s >= 1 && startSeq-s < uint64(perPage); s-- {
		run, err := d.runs.Get(s)
		if err == nil {
			runs = append(runs, run)
		}
	}

	return runs, totalPages
}

// renderPage renders a page template with the given data.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	// First render the content template into a buffer
	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	// Then render the layout with the content
	pageData := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(contentBuf.String()),
	}

	if err := d.templates.ExecuteTemplate(w, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
	}
}

func parsePage(r *http.Request) int {
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 1
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatNumber(n interface{}) string {
	switch v := n.(type) {
	case int:
		return formatInt(int64(v))
	case int64:
		return formatInt(v)
	case uint64:
		return formatInt(int64(v))
	case float64:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%v", n)
	}
}

func formatInt(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatTime accepts Unix seconds or a time.Time.
func formatTime(t interface{}) string {
	switch v := t.(type) {
	case int64:
		return time.Unix(v, 0).UTC().Format("2006-01-02 15:04:05 UTC")
	case time.Time:
		if v.IsZero() {
			return "N/A"
		}
		return v.UTC().Format("2006-01-02 15:04:05 UTC")
	default:
		return "N/A"
	}
}

func truncateHash(s string, n int) string {
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}

func seq(start, end int) []int {
	if start > end {
		return nil
	}
	result := make([]int, end-start+1)
	for i := range result {
		result[i] = start + i
	}
	return result
}

// getMemStats returns current memory statistics.
func getMemStats() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}
