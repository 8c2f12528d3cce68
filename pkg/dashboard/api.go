package dashboard

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fortiblox/bytevm/internal/types"
	"github.com/fortiblox/bytevm/pkg/asm"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/runstore"
	"github.com/fortiblox/bytevm/pkg/vm"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	IsRunning     bool    `json:"isRunning"`
	Status        string  `json:"status"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	RunsExecuted  uint64  `json:"runsExecuted"`
	RunsFaulted   uint64  `json:"runsFaulted"`
	StepsExecuted uint64  `json:"stepsExecuted"`
	LastRunSeq    uint64  `json:"lastRunSeq"`
	ProgramCount  uint64  `json:"programCount"`
	DatabaseSize  int64   `json:"databaseSize"`
	RPCAddr       string  `json:"rpcAddr,omitempty"`
	GRPCAddr      string  `json:"grpcAddr,omitempty"`
	LastError     string  `json:"lastError,omitempty"`
}

// ProgramBrief is a program in list responses.
type ProgramBrief struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	DataSize   uint32 `json:"dataSize"`
	Size       int    `json:"size"`
	DeployedAt int64  `json:"deployedAt"`
}

// ProgramResponse is the response for GET /api/programs/:ref.
type ProgramResponse struct {
	ProgramBrief
	Listing []ListingLine `json:"listing"`
	Runs    []RunBrief    `json:"runs"`
}

// ListingLine is one disassembled instruction.
type ListingLine struct {
	Offset int    `json:"offset"`
	Bytes  string `json:"bytes"`
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
}

// RunBrief is a run in list responses.
type RunBrief struct {
	Seq       uint64 `json:"seq"`
	ProgramID string `json:"programId"`
	State     string `json:"state"`
	Steps     uint64 `json:"steps"`
	FaultKind string `json:"faultKind,omitempty"`
	StartedAt string `json:"startedAt"`
}

// RunsListResponse is the response for GET /api/runs.
type RunsListResponse struct {
	Runs       []RunBrief `json:"runs"`
	Page       int        `json:"page"`
	TotalPages int        `json:"totalPages"`
	LastSeq    uint64     `json:"lastSeq"`
}

// RegisterValue is one register in a run response. Float values are
// formatted text so NaN and infinities survive JSON.
type RegisterValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RunResponse is the response for GET /api/runs/:seq.
type RunResponse struct {
	RunBrief
	PC             uint64          `json:"pc"`
	Registers      []RegisterValue `json:"registers"`
	FloatRegisters []RegisterValue `json:"floatRegisters"`
	StateHash      string          `json:"stateHash"`
	DurationMicros int64           `json:"durationMicros"`
	Fault          string          `json:"fault,omitempty"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heapAllocMB"`
	HeapSysMB     float64 `json:"heapSysMB"`
	NumGC         uint32  `json:"numGC"`
	RunsExecuted  uint64  `json:"runsExecuted"`
	RunsFaulted   uint64  `json:"runsFaulted"`
	StepsExecuted uint64  `json:"stepsExecuted"`
	StepsPerRun   float64 `json:"stepsPerRun"`
	Uptime        float64 `json:"uptimeSeconds"`
}

func newProgramBrief(rec *programstore.Record) ProgramBrief {
	return ProgramBrief{
		ID:         rec.ID.String(),
		Name:       rec.Name,
		DataSize:   rec.DataSize,
		Size:       rec.Size(),
		DeployedAt: rec.DeployedAt,
	}
}

func newRunBrief(run *runstore.Run) RunBrief {
	return RunBrief{
		Seq:       run.Seq,
		ProgramID: run.ProgramID.String(),
		State:     run.State.String(),
		Steps:     run.Steps,
		FaultKind: run.FaultKind,
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

func newRunBriefs(runs []*runstore.Run) []RunBrief {
	briefs := make([]RunBrief, 0, len(runs))
	for _, run := range runs {
		briefs = append(briefs, newRunBrief(run))
	}
	return briefs
}

func newRunResponse(run *runstore.Run) RunResponse {
	resp := RunResponse{
		RunBrief:       newRunBrief(run),
		PC:             run.PC,
		StateHash:      run.StateHash.Hex(),
		DurationMicros: run.Duration.Microseconds(),
		Fault:          run.Fault,
	}
	for i := uint8(0); i < vm.NumRegisters; i++ {
		resp.Registers = append(resp.Registers, RegisterValue{
			Name:  vm.RegisterName(i),
			Value: strconv.FormatInt(run.Int[i], 10),
		})
		resp.FloatRegisters = append(resp.FloatRegisters, RegisterValue{
			Name:  vm.FloatRegisterName(i),
			Value: strconv.FormatFloat(run.Float[i], 'g', -1, 64),
		})
	}
	return resp
}

// listing disassembles a program record.
func listing(rec *programstore.Record) []ListingLine {
	entries, err := asm.Disassemble(rec.Code)
	if err != nil {
		return []ListingLine{{Error: err.Error()}}
	}
	lines := make([]ListingLine, 0, len(entries))
	for _, e := range entries {
		line := ListingLine{
			Offset: e.Offset,
			Bytes:  hex.EncodeToString(e.Raw),
			Text:   e.Text,
		}
		if e.Err != nil {
			line.Error = e.Err.Error()
		}
		lines = append(lines, line)
	}
	return lines
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := d.getStatusData()

	resp := StatusResponse{
		IsRunning:     getBool(data, "IsRunning"),
		Status:        getString(data, "Status"),
		Uptime:        formatDuration(getDuration(data, "Uptime")),
		UptimeSeconds: getDuration(data, "Uptime").Seconds(),
		RunsExecuted:  getUint64(data, "RunsExecuted"),
		RunsFaulted:   getUint64(data, "RunsFaulted"),
		StepsExecuted: getUint64(data, "StepsExecuted"),
		LastRunSeq:    getUint64(data, "LastRunSeq"),
		ProgramCount:  getUint64(data, "ProgramCount"),
		DatabaseSize:  getInt64(data, "DatabaseSize"),
		RPCAddr:       getString(data, "RPCAddr"),
		GRPCAddr:      getString(data, "GRPCAddr"),
		LastError:     getString(data, "LastError"),
	}

	writeJSON(w, resp)
}

// handleAPIPrograms handles GET /api/programs.
func (d *Dashboard) handleAPIPrograms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := programPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= programPageSize {
			limit = parsed
		}
	}

	records, err := d.programs.List(limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	programs := make([]ProgramBrief, 0, len(records))
	for _, rec := range records {
		programs = append(programs, newProgramBrief(rec))
	}
	writeJSON(w, programs)
}

// handleAPIProgram handles GET /api/programs/:ref.
func (d *Dashboard) handleAPIProgram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := strings.TrimPrefix(r.URL.Path, "/api/programs/")
	rec, err := d.lookupProgram(ref)
	if err != nil {
		writeError(w, "Program not found", http.StatusNotFound)
		return
	}

	runs, _ := d.runs.ListByProgram(rec.ID, runsPerPage)
	writeJSONPretty(w, ProgramResponse{
		ProgramBrief: newProgramBrief(rec),
		Listing:      listing(rec),
		Runs:         newRunBriefs(runs),
	})
}

// handleAPIRuns handles GET /api/runs.
func (d *Dashboard) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ref := r.URL.Query().Get("program"); ref != "" {
		var id types.ProgramID
		if rec, err := d.lookupProgram(ref); err == nil {
			id = rec.ID
		} else if parsed, perr := types.ParseProgramID(ref); perr == nil {
			// Runs outlive undeployed programs
			id = parsed
		} else {
			writeError(w, "Program not found", http.StatusNotFound)
			return
		}
		runs, err := d.runs.ListByProgram(id, runsPerPage)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, RunsListResponse{
			Runs:       newRunBriefs(runs),
			Page:       1,
			TotalPages: 1,
			LastSeq:    d.runs.LastSeq(),
		})
		return
	}

	page := parsePage(r)
	runs, totalPages := d.getRecentRuns(page, runsPerPage)
	if page > totalPages && totalPages > 0 {
		page = totalPages
	}

	writeJSON(w, RunsListResponse{
		Runs:       newRunBriefs(runs),
		Page:       page,
		TotalPages: totalPages,
		LastSeq:    d.runs.LastSeq(),
	})
}

// handleAPIRun handles GET /api/runs/:seq.
func (d *Dashboard) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	seqStr := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runSeq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		writeError(w, "Invalid run sequence number", http.StatusBadRequest)
		return
	}

	run, err := d.runs.Get(runSeq)
	if err != nil {
		writeError(w, "Run not found", http.StatusNotFound)
		return
	}

	writeJSONPretty(w, newRunResponse(run))
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m := getMemStats()
	data := d.getStatusData()

	resp := MetricsResponse{
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(m.HeapAlloc) / 1024 / 1024,
		HeapSysMB:     float64(m.HeapSys) / 1024 / 1024,
		NumGC:         m.NumGC,
		RunsExecuted:  getUint64(data, "RunsExecuted"),
		RunsFaulted:   getUint64(data, "RunsFaulted"),
		StepsExecuted: getUint64(data, "StepsExecuted"),
		StepsPerRun:   getFloat64(data, "StepsPerRun"),
		Uptime:        getDuration(data, "Uptime").Seconds(),
	}

	writeJSON(w, resp)
}

// Helper functions for extracting values from map[string]interface{}

func getUint64(data map[string]interface{}, key string) uint64 {
	if v, ok := data[key].(uint64); ok {
		return v
	}
	return 0
}

func getInt64(data map[string]interface{}, key string) int64 {
	if v, ok := data[key].(int64); ok {
		return v
	}
	return 0
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getFloat64(data map[string]interface{}, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}

func getDuration(data map[string]interface{}, key string) time.Duration {
	if v, ok := data[key].(time.Duration); ok {
		return v
	}
	return 0
}

func writeJSONPretty(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
