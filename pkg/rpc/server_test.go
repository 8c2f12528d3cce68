package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fortiblox/bytevm/pkg/asm"
	"github.com/fortiblox/bytevm/pkg/executor"
	"github.com/fortiblox/bytevm/pkg/loader"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/runstore"
	"github.com/fortiblox/bytevm/pkg/vm"
)

const counterSource = `
.data 16
.word 40
mov a, 2
mov b, [bp + 0]
mov [bp + 8], a
mov f0, 1.5
nop
`

// Helper function to create a test server backed by real stores.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "rpc_test")
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

	config := DefaultConfig()
	config.Addr = "127.0.0.1:0"
	exec := executor.New(executor.DefaultConfig(), programs, runs)
	server, err := New(config, exec, programs, runs)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

// encodeSource assembles source and returns the base64 image.
func encodeSource(t *testing.T, source string) string {
	t.Helper()
	image, err := loader.Encode(asm.MustAssemble(source), false)
	if err != nil {
		t.Fatalf("Failed to encode program: %v", err)
	}
	return base64.StdEncoding.EncodeToString(image)
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	return &resp
}

// decodeInto re-decodes a generic JSON value into a typed result.
func decodeInto(t *testing.T, v interface{}, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("Failed to decode result %s: %v", raw, err)
	}
}

func callOK(t *testing.T, server *Server, method string, params interface{}, out interface{}) {
	t.Helper()
	resp := makeRPCRequest(t, server, method, params)
	if resp.Error != nil {
		t.Fatalf("%s: unexpected error: %v", method, resp.Error)
	}
	if out != nil {
		decodeInto(t, resp.Result, out)
	}
}

func TestGetHealth(t *testing.T) {
	server := newTestServer(t)

	resp := makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if result, ok := resp.Result.(string); !ok || result != "ok" {
		t.Errorf("getHealth = %v, want ok", resp.Result)
	}

	server.SetHealthy(false)
	resp = makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Errorf("getHealth when unhealthy = %+v, want code %d", resp.Error, NodeUnhealthy)
	}
}

func TestGetVersion(t *testing.T) {
	server := newTestServer(t)

	var v VersionInfo
	callOK(t, server, "getVersion", nil, &v)
	if v.BytevmCore != BytevmCore || v.ISA != ISAVersion {
		t.Errorf("getVersion = %+v", v)
	}
}

func TestExecute(t *testing.T) {
	server := newTestServer(t)

	var res ExecutionResult
	callOK(t, server, "execute", []interface{}{encodeSource(t, counterSource)}, &res)

	if res.State != "halted" || res.Steps != 5 {
		t.Errorf("state/steps = %s/%d, want halted/5", res.State, res.Steps)
	}
	if res.Registers["a"] != 2 || res.Registers["b"] != 40 {
		t.Errorf("registers = %v", res.Registers)
	}
	if res.FloatRegisters["f0"] != 1.5 {
		t.Errorf("f0 = %v, want 1.5", res.FloatRegisters["f0"])
	}
	if res.Seq != 1 || res.StateHash == "" || res.ProgramID == "" {
		t.Errorf("seq/hash/id = %d/%q/%q", res.Seq, res.StateHash, res.ProgramID)
	}

	// Same program in every encoding
	image, _ := base64.StdEncoding.DecodeString(encodeSource(t, counterSource))
	for _, enc := range []Encoding{EncodingBase58, EncodingBase64Zstd} {
		encoded, err := EncodeProgram(image, enc)
		if err != nil {
			t.Fatalf("EncodeProgram(%s) failed: %v", enc, err)
		}
		var again ExecutionResult
		callOK(t, server, "execute", []interface{}{encoded[0], ExecuteConfig{Encoding: enc}}, &again)
		if again.StateHash != res.StateHash || again.ProgramID != res.ProgramID {
			t.Errorf("%s: result differs from base64 run", enc)
		}
	}
}

func TestExecuteFault(t *testing.T) {
	server := newTestServer(t)

	resp := makeRPCRequest(t, server, "execute", []interface{}{encodeSource(t, "mov a, 1\nmov c, [a - 2]\nnop\n")})
	if resp.Error == nil {
		t.Fatal("Expected fault error")
	}
	if resp.Error.Code != ProgramFaulted {
		t.Fatalf("code = %d, want %d", resp.Error.Code, ProgramFaulted)
	}

	var res ExecutionResult
	decodeInto(t, resp.Error.Data, &res)
	if res.State != "faulted" || res.Fault == nil {
		t.Fatalf("data = %+v, want faulted result", res)
	}
	if res.Fault.Kind != vm.ErrMemoryOutOfBounds.Error() {
		t.Errorf("fault kind = %q, want %q", res.Fault.Kind, vm.ErrMemoryOutOfBounds.Error())
	}
	if res.Fault.PC != 15 || res.Fault.Opcode == nil || *res.Fault.Opcode != vm.OpMov {
		t.Errorf("fault = %+v, want MOV at 15", res.Fault)
	}
	if res.Registers["a"] != 1 || res.Registers["c"] != 0 {
		t.Errorf("registers = %v", res.Registers)
	}
}

func TestExecuteStepLimit(t *testing.T) {
	server := newTestServer(t)

	resp := makeRPCRequest(t, server, "execute", []interface{}{
		encodeSource(t, "mov a, 1\nmov a, 2\nmov a, 3\nnop\n"),
		ExecuteConfig{MaxSteps: 2},
	})
	if resp.Error == nil || resp.Error.Code != ProgramFaulted {
		t.Fatalf("error = %+v, want ProgramFaulted", resp.Error)
	}
	var res ExecutionResult
	decodeInto(t, resp.Error.Data, &res)
	if res.Steps != 2 || res.Registers["a"] != 2 {
		t.Errorf("steps/a = %d/%d, want 2/2", res.Steps, res.Registers["a"])
	}
}

func TestExecuteInvalid(t *testing.T) {
	server := newTestServer(t)

	tests := []struct {
		name   string
		params interface{}
		code   int
	}{
		{"no params", nil, InvalidParams},
		{"empty params", []interface{}{}, InvalidParams},
		{"not a string", []interface{}{42}, InvalidParams},
		{"bad base64", []interface{}{"***"}, InvalidParams},
		{"bad encoding", []interface{}{"AAAA", map[string]string{"encoding": "hex"}}, InvalidParams},
		{"short image", []interface{}{base64.StdEncoding.EncodeToString([]byte{1, 0})}, InvalidProgram},
		{"bad container", []interface{}{base64.StdEncoding.EncodeToString([]byte("BVMZ\x09\x00"))}, InvalidProgram},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := makeRPCRequest(t, server, "execute", tt.params)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.code)
			}
		})
	}
}

func TestDeployAndRun(t *testing.T) {
	server := newTestServer(t)

	var info ProgramInfo
	callOK(t, server, "deployProgram", []interface{}{
		encodeSource(t, counterSource),
		DeployConfig{Name: "counter"},
	}, &info)
	if info.Name != "counter" || info.DataSize != 16 || info.ID == "" {
		t.Fatalf("deployProgram = %+v", info)
	}

	var got ProgramInfo
	callOK(t, server, "getProgram", []interface{}{"counter"}, &got)
	if got.ID != info.ID || len(got.Program) != 2 || got.Program[1] != string(EncodingBase64) {
		t.Fatalf("getProgram = %+v", got)
	}
	image, err := base64.StdEncoding.DecodeString(got.Program[0])
	if err != nil {
		t.Fatalf("Failed to decode image: %v", err)
	}
	p, err := loader.LoadFromBytes(image)
	if err != nil {
		t.Fatalf("LoadFromBytes() failed: %v", err)
	}
	if p.DataSize != 16 || len(p.Data) != 8 || p.Data[0] != 40 {
		t.Errorf("stored program = %+v", p)
	}

	var list []ProgramInfo
	callOK(t, server, "listPrograms", nil, &list)
	if len(list) != 1 || list[0].ID != info.ID {
		t.Errorf("listPrograms = %+v", list)
	}

	var res ExecutionResult
	callOK(t, server, "runProgram", []interface{}{info.ID, RunConfig{MaxSteps: 100}}, &res)
	if res.ProgramID != info.ID || res.Registers["b"] != 40 {
		t.Errorf("runProgram = %+v", res)
	}

	var run RunInfo
	callOK(t, server, "getRun", []interface{}{res.Seq}, &run)
	if run.ProgramID != info.ID || run.State != "halted" || run.StateHash != res.StateHash {
		t.Errorf("getRun = %+v, want run of %s", run, info.ID)
	}

	var runs []RunInfo
	callOK(t, server, "getRuns", []interface{}{ListConfig{Limit: 10}}, &runs)
	if len(runs) != 1 || runs[0].Seq != res.Seq {
		t.Errorf("getRuns = %+v", runs)
	}

	var stats StoreStats
	callOK(t, server, "getStats", nil, &stats)
	if stats.ProgramCount != 1 || stats.LastRun != res.Seq {
		t.Errorf("getStats = %+v", stats)
	}

	resp := makeRPCRequest(t, server, "runProgram", []interface{}{"missing"})
	if resp.Error == nil || resp.Error.Code != ProgramNotFound {
		t.Errorf("runProgram(missing) = %+v, want code %d", resp.Error, ProgramNotFound)
	}
	resp = makeRPCRequest(t, server, "getRun", []interface{}{999})
	if resp.Error == nil || resp.Error.Code != RunNotFound {
		t.Errorf("getRun(999) = %+v, want code %d", resp.Error, RunNotFound)
	}
}

func TestAssembleDisassemble(t *testing.T) {
	server := newTestServer(t)

	var assembled AssembleResult
	callOK(t, server, "assemble", []interface{}{counterSource, ProgramConfig{Encoding: EncodingBase58}}, &assembled)
	if assembled.Program[1] != string(EncodingBase58) || assembled.ProgramID == "" {
		t.Fatalf("assemble = %+v", assembled)
	}

	var dis DisassemblyResult
	callOK(t, server, "disassemble", []interface{}{assembled.Program[0], ExecuteConfig{Encoding: EncodingBase58}}, &dis)
	if dis.DataSize != 16 || len(dis.Lines) != 5 {
		t.Fatalf("disassemble = %+v", dis)
	}
	if dis.Lines[0].Offset != 4 || dis.Lines[0].Text != "mov a, 2" || dis.Lines[0].Bytes != "0101030200000000000000" {
		t.Errorf("first line = %+v", dis.Lines[0])
	}
	if dis.Lines[4].Text != "nop" {
		t.Errorf("last line = %+v", dis.Lines[4])
	}

	// The recovered source reassembles to the same program.
	var again AssembleResult
	callOK(t, server, "assemble", []interface{}{dis.Source, ProgramConfig{Encoding: EncodingBase58}}, &again)
	if again.ProgramID != assembled.ProgramID {
		t.Errorf("reassembled id = %s, want %s", again.ProgramID, assembled.ProgramID)
	}

	resp := makeRPCRequest(t, server, "assemble", []interface{}{"jmp a\n"})
	if resp.Error == nil || resp.Error.Code != InvalidProgram {
		t.Errorf("assemble(jmp) = %+v, want code %d", resp.Error, InvalidProgram)
	}
}

func TestStoreUnavailable(t *testing.T) {
	server, err := New(DefaultConfig(), executor.New(executor.DefaultConfig(), nil, nil), nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer server.Stop()

	tests := []struct {
		method string
		params interface{}
	}{
		{"deployProgram", []interface{}{encodeSource(t, "nop\n")}},
		{"getProgram", []interface{}{"counter"}},
		{"listPrograms", nil},
		{"runProgram", []interface{}{"counter"}},
		{"getRun", []interface{}{1}},
		{"getRuns", nil},
	}
	for _, tt := range tests {
		resp := makeRPCRequest(t, server, tt.method, tt.params)
		if resp.Error == nil || resp.Error.Code != StoreUnavailable {
			t.Errorf("%s = %+v, want code %d", tt.method, resp.Error, StoreUnavailable)
		}
	}

	// Inline execution works without stores.
	callOK(t, server, "execute", []interface{}{encodeSource(t, "nop\n")}, nil)
}

func TestMethodNotFound(t *testing.T) {
	server := newTestServer(t)

	resp := makeRPCRequest(t, server, "nonExistentMethod", nil)
	if resp.Error == nil {
		t.Fatal("Expected error for non-existent method")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("Expected error code %d, got: %d", MethodNotFound, resp.Error.Code)
	}
}

func TestBatchRequest(t *testing.T) {
	server := newTestServer(t)

	requests := []Request{
		{JSONRPC: JSONRPCVersion, ID: 1, Method: "getHealth"},
		{JSONRPC: JSONRPCVersion, ID: 2, Method: "getVersion"},
		{JSONRPC: "1.0", ID: 3, Method: "getHealth"},
	}

	body, _ := json.Marshal(requests)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var responses []Response
	if err := json.Unmarshal(rr.Body.Bytes(), &responses); err != nil {
		t.Fatalf("Failed to unmarshal batch response: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got: %d", len(responses))
	}
	for _, resp := range responses[:2] {
		if resp.Error != nil {
			t.Errorf("Unexpected error in batch response: %v", resp.Error)
		}
	}
	if responses[2].Error == nil || responses[2].Error.Code != InvalidRequest {
		t.Errorf("response 3 = %+v, want InvalidRequest", responses[2])
	}
}

func TestHTTPErrors(t *testing.T) {
	server := newTestServer(t)

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}

	rr = httptest.NewRecorder()
	server.handleRPC(rr, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json"))))
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("bad JSON = %+v, want ParseError", resp.Error)
	}
}

func TestCORSHeaders(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status %d for OPTIONS, got: %d", http.StatusNoContent, rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Error("Expected CORS Allow-Origin header")
	}
}

func TestServerLifecycle(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	<-ctx.Done()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestServeListenerFailure(t *testing.T) {
	server, err := New(DefaultConfig(), executor.New(executor.DefaultConfig(), nil, nil), nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer server.Stop()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	lis.Close()

	before := runtime.NumGoroutine()
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(context.Background(), lis) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Serve() on a closed listener returned nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after the listener failed")
	}

	// The shutdown watcher exits with Serve even though ctx is never done.
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Errorf("goroutines = %d after Serve returned, want <= %d", n, before)
	}
}

func TestExecuteContainers(t *testing.T) {
	server := newTestServer(t)

	p := asm.MustAssemble(".data 16\nmov a, 6\nmov [bp + 8], a\nmov c, [bp + 8]\nnop\n")
	for _, compress := range []bool{false, true, true} {
		image, err := loader.Encode(p, compress)
		if err != nil {
			t.Fatalf("Encode(compress=%v) failed: %v", compress, err)
		}
		var res ExecutionResult
		callOK(t, server, "execute", []interface{}{base64.StdEncoding.EncodeToString(image)}, &res)
		if res.State != "halted" || res.Registers["c"] != 6 {
			t.Errorf("compress=%v: state=%s c=%d, want halted/6", compress, res.State, res.Registers["c"])
		}
	}
}

func TestEncoding(t *testing.T) {
	data := []byte("BVMZ\x01\x01 arbitrary program bytes")

	for _, enc := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		encoded, err := EncodeProgram(data, enc)
		if err != nil {
			t.Fatalf("EncodeProgram(%s) failed: %v", enc, err)
		}
		if encoded[1] != string(enc) {
			t.Errorf("EncodeProgram(%s) tagged %s", enc, encoded[1])
		}
		decoded, err := DecodeProgram(encoded[0], enc)
		if err != nil {
			t.Fatalf("DecodeProgram(%s) failed: %v", enc, err)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("DecodeProgram(%s) = %q, want %q", enc, decoded, data)
		}
	}

	if e, ok := ParseEncoding(""); !ok || e != EncodingBase64 {
		t.Errorf("ParseEncoding(\"\") = %s, %v, want base64", e, ok)
	}
	if _, ok := ParseEncoding("jsonParsed"); ok {
		t.Error("ParseEncoding(jsonParsed) accepted")
	}
}

func TestFloatJSON(t *testing.T) {
	regs := map[string]Float{
		"f0": Float(math.NaN()),
		"f1": Float(math.Inf(1)),
		"f2": Float(math.Inf(-1)),
		"f3": 2.5,
	}
	raw, err := json.Marshal(regs)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var back map[string]Float
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal(%s) failed: %v", raw, err)
	}
	if !math.IsNaN(float64(back["f0"])) || !math.IsInf(float64(back["f1"]), 1) ||
		!math.IsInf(float64(back["f2"]), -1) || back["f3"] != 2.5 {
		t.Errorf("round trip = %v", back)
	}
}
