// Package node provides the service orchestrator for a bytevm server.
//
// The Node ties together all components:
// - Program store for deployed programs
// - Run store recording every execution
// - Executor running programs under the configured limits
// - JSON-RPC, gRPC and dashboard front ends
//
// The node manages the lifecycle of these components and reports
// execution counters and health.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/bytevm/pkg/dashboard"
	"github.com/fortiblox/bytevm/pkg/executor"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/remote"
	"github.com/fortiblox/bytevm/pkg/rpc"
	"github.com/fortiblox/bytevm/pkg/runstore"
	"github.com/fortiblox/bytevm/pkg/vm"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrShuttingDown   = errors.New("node is shutting down")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data.
	// The program store and run store live underneath it.
	DataDir string

	// MaxSteps caps the steps of every execution (0 = unlimited).
	MaxSteps uint64

	// Timeout bounds the wall-clock time of every execution.
	Timeout time.Duration

	// LogRuns logs every execution.
	LogRuns bool

	// GCInterval is how often the run store value log is collected.
	// Zero disables collection.
	GCInterval time.Duration

	// RPC server configuration.
	// RPCEnabled enables the JSON-RPC server.
	RPCEnabled bool

	// RPCAddr is the listen address for the RPC server (default ":8899").
	RPCAddr string

	// RPCLogRequests enables logging of RPC requests.
	RPCLogRequests bool

	// RPCEnableCORS sends CORS headers on RPC responses.
	RPCEnableCORS bool

	// GRPCEnabled enables the gRPC executor service.
	GRPCEnabled bool

	// GRPCAddr is the listen address for the gRPC server (default ":9899").
	GRPCAddr string

	// GRPCToken is the shared secret gRPC callers must present.
	// Supports environment variable expansion with ${VAR_NAME}.
	GRPCToken string

	// DashboardEnabled enables the web dashboard.
	DashboardEnabled bool

	// DashboardBind and DashboardPort locate the dashboard listener.
	DashboardBind string
	DashboardPort int

	// Callbacks for monitoring.
	OnRun   func(run *runstore.Run)
	OnError func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	execDefaults := executor.DefaultConfig()
	dashDefaults := dashboard.DefaultConfig()
	return Config{
		DataDir:        "./data",
		MaxSteps:       execDefaults.MaxSteps,
		Timeout:        execDefaults.Timeout,
		GCInterval:     10 * time.Minute,
		RPCEnabled:     true,
		RPCAddr:        rpc.DefaultConfig().Addr,
		RPCEnableCORS:  true,
		GRPCEnabled:    true,
		GRPCAddr:       remote.DefaultServerConfig().Addr,
		DashboardBind:  dashDefaults.BindAddress,
		DashboardPort:  dashDefaults.Port,
		RPCLogRequests: false,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if !c.RPCEnabled && !c.GRPCEnabled && !c.DashboardEnabled {
		return fmt.Errorf("%w: no listener enabled", ErrConfigInvalid)
	}
	if c.RPCEnabled && c.RPCAddr == "" {
		return fmt.Errorf("%w: rpc address is required", ErrConfigInvalid)
	}
	if c.GRPCEnabled && c.GRPCAddr == "" {
		return fmt.Errorf("%w: grpc address is required", ErrConfigInvalid)
	}
	if c.DashboardEnabled && (c.DashboardPort < 0 || c.DashboardPort > 65535) {
		return fmt.Errorf("%w: dashboard port %d out of range", ErrConfigInvalid, c.DashboardPort)
	}
	if c.Timeout < 0 || c.GCInterval < 0 {
		return fmt.Errorf("%w: negative duration", ErrConfigInvalid)
	}
	return nil
}

// Node is a running bytevm server.
type Node struct {
	config Config

	// Core components
	programs   *programstore.BoltStore
	runs       *runstore.Store
	exec       *executor.Executor
	rpcServer  *rpc.Server
	grpcServer *remote.Server
	dashboard  *dashboard.Dashboard

	// Bound listener addresses
	rpcAddr       string
	grpcAddr      string
	dashboardAddr string

	// State management
	running      atomic.Bool
	shuttingDown atomic.Bool
	startTime    time.Time
	lastError    error
	lastErrorMu  sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	runsExecuted  atomic.Uint64
	runsFaulted   atomic.Uint64
	stepsExecuted atomic.Uint64
}

// New creates a new node with the given configuration.
// The node is not started until Start() is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		defaults := DefaultConfig()
		config = &defaults
	}

	// Apply defaults
	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}
	if config.RPCEnabled && config.RPCAddr == "" {
		config.RPCAddr = DefaultConfig().RPCAddr
	}
	if config.GRPCEnabled && config.GRPCAddr == "" {
		config.GRPCAddr = DefaultConfig().GRPCAddr
	}
	if config.DashboardBind == "" {
		config.DashboardBind = DefaultConfig().DashboardBind
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Node{config: *config}, nil
}

// Start opens storage, binds every enabled listener and begins serving.
// It returns once the servers are running; call Stop to shut down.
func (n *Node) Start(ctx context.Context) error {
	if n.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	// Initialize all components
	bound, err := n.initialize()
	if err != nil {
		n.cancel()
		n.running.Store(false)
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	if lis := bound.rpc; lis != nil {
		n.serve("RPC server", func() error { return n.rpcServer.Serve(n.ctx, lis) })
	}
	if lis := bound.grpc; lis != nil {
		n.serve("gRPC server", func() error { return n.grpcServer.Serve(n.ctx, lis) })
	}
	if lis := bound.dashboard; lis != nil {
		n.serve("Dashboard", func() error { return n.dashboard.Serve(n.ctx, lis) })
	}

	if n.config.GCInterval > 0 {
		n.wg.Add(1)
		go n.gcLoop()
	}

	stats, _ := n.programs.GetStats()
	if stats != nil {
		log.Printf("Node started: %d program(s), run store at seq %d", stats.ProgramCount, n.runs.LastSeq())
	}
	return nil
}

type listeners struct {
	rpc, grpc, dashboard net.Listener
}

func (l *listeners) close() {
	for _, lis := range []net.Listener{l.rpc, l.grpc, l.dashboard} {
		if lis != nil {
			lis.Close()
		}
	}
}

// initialize opens storage, builds the servers and binds their listeners.
func (n *Node) initialize() (*listeners, error) {
	// Create data directories
	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	programs, err := programstore.Open(programstore.DefaultConfig(filepath.Join(n.config.DataDir, "programs.db")))
	if err != nil {
		return nil, fmt.Errorf("open program store: %w", err)
	}
	n.programs = programs

	runs, err := runstore.Open(runstore.DefaultConfig(filepath.Join(n.config.DataDir, "runs")))
	if err != nil {
		n.closeStorage()
		return nil, fmt.Errorf("open run store: %w", err)
	}
	n.runs = runs

	execConfig := executor.DefaultConfig()
	execConfig.MaxSteps = n.config.MaxSteps
	execConfig.Timeout = n.config.Timeout
	execConfig.LogRuns = n.config.LogRuns
	n.exec = executor.New(execConfig, programs, n)

	l := &listeners{}
	fail := func(err error) (*listeners, error) {
		l.close()
		if n.rpcServer != nil {
			n.rpcServer.Stop()
		}
		if n.grpcServer != nil {
			n.grpcServer.Stop()
		}
		n.closeStorage()
		return nil, err
	}

	if n.config.RPCEnabled {
		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPCAddr
		rpcConfig.LogRequests = n.config.RPCLogRequests
		rpcConfig.EnableCORS = n.config.RPCEnableCORS
		if n.rpcServer, err = rpc.New(rpcConfig, n.exec, programs, runs); err != nil {
			return fail(fmt.Errorf("create rpc server: %w", err))
		}

		if l.rpc, err = net.Listen("tcp", n.config.RPCAddr); err != nil {
			return fail(fmt.Errorf("listen rpc: %w", err))
		}
		n.rpcAddr = l.rpc.Addr().String()
	}

	if n.config.GRPCEnabled {
		grpcConfig := remote.DefaultServerConfig()
		grpcConfig.Addr = n.config.GRPCAddr
		grpcConfig.Token = n.config.GRPCToken
		grpcConfig.LogRequests = n.config.RPCLogRequests
		if n.grpcServer, err = remote.NewServer(grpcConfig, n.exec); err != nil {
			return fail(fmt.Errorf("create grpc server: %w", err))
		}

		if l.grpc, err = net.Listen("tcp", n.config.GRPCAddr); err != nil {
			return fail(fmt.Errorf("listen grpc: %w", err))
		}
		n.grpcAddr = l.grpc.Addr().String()
	}

	if n.config.DashboardEnabled {
		dashConfig := dashboard.DefaultConfig()
		dashConfig.BindAddress = n.config.DashboardBind
		dashConfig.Port = n.config.DashboardPort
		dash, err := dashboard.New(dashConfig, programs, runs, n)
		if err != nil {
			return fail(fmt.Errorf("create dashboard: %w", err))
		}
		n.dashboard = dash

		addr := net.JoinHostPort(n.config.DashboardBind, strconv.Itoa(n.config.DashboardPort))
		if l.dashboard, err = net.Listen("tcp", addr); err != nil {
			return fail(fmt.Errorf("listen dashboard: %w", err))
		}
		n.dashboardAddr = l.dashboard.Addr().String()
	}

	return l, nil
}

// serve runs fn in a tracked goroutine, recording its error.
func (n *Node) serve(name string, fn func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := fn(); err != nil {
			n.reportError(fmt.Errorf("%s error: %w", name, err))
		}
	}()
}

// gcLoop periodically collects the run store value log.
func (n *Node) gcLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.runs.RunGC(); err != nil {
				n.reportError(fmt.Errorf("run store gc: %w", err))
			}
		}
	}
}

// Append records a run and updates the execution counters. The node
// acts as the executor's run recorder.
func (n *Node) Append(run *runstore.Run) (uint64, error) {
	seq, err := n.runs.Append(run)
	if err != nil {
		n.reportError(fmt.Errorf("record run: %w", err))
		return 0, err
	}

	n.runsExecuted.Add(1)
	n.stepsExecuted.Add(run.Steps)
	if run.State == vm.Faulted {
		n.runsFaulted.Add(1)
	}
	if n.config.OnRun != nil {
		n.config.OnRun(run)
	}
	return seq, nil
}

// closeStorage closes whichever stores are open.
func (n *Node) closeStorage() {
	if n.runs != nil {
		n.runs.Close()
	}
	if n.programs != nil {
		n.programs.Close()
	}
}

// Stop gracefully stops the node.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	if !n.shuttingDown.CompareAndSwap(false, true) {
		return ErrShuttingDown
	}
	defer n.shuttingDown.Store(false)

	if n.rpcServer != nil {
		n.rpcServer.SetHealthy(false)
	}

	// Cancel context to stop all goroutines
	if n.cancel != nil {
		n.cancel()
	}

	// Wait for servers to drain
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.grpcServer != nil {
		n.grpcServer.Stop()
	}
	if n.dashboard != nil {
		n.dashboard.Stop()
	}

	// Flush pending writes
	if n.runs != nil {
		n.runs.Sync()
	}
	if n.programs != nil {
		n.programs.Sync()
	}

	// Close storage
	n.closeStorage()

	n.running.Store(false)
	log.Println("Node stopped")
	return nil
}

// Executor returns the node's executor. It is nil before Start.
func (n *Node) Executor() *executor.Executor {
	return n.exec
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	status := &Status{
		IsRunning:     n.running.Load(),
		RunsExecuted:  n.runsExecuted.Load(),
		RunsFaulted:   n.runsFaulted.Load(),
		StepsExecuted: n.stepsExecuted.Load(),
		RPCAddr:       n.rpcAddr,
		GRPCAddr:      n.grpcAddr,
		DashboardAddr: n.dashboardAddr,
		LastError:     n.getLastError(),
	}
	if !status.IsRunning {
		return status
	}

	status.Uptime = time.Since(n.startTime)
	if n.programs != nil {
		status.ProgramStats, _ = n.programs.GetStats()
	}
	if n.runs != nil {
		status.LastRunSeq = n.runs.LastSeq()
	}
	return status
}

// Status contains the current node status.
type Status struct {
	// IsRunning indicates if the node is running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// RunsExecuted is the number of runs recorded since start.
	RunsExecuted uint64

	// RunsFaulted is how many of those runs ended in a fault.
	RunsFaulted uint64

	// StepsExecuted is the total steps across recorded runs.
	StepsExecuted uint64

	// LastRunSeq is the newest sequence number in the run store.
	LastRunSeq uint64

	// ProgramStats contains program store statistics.
	ProgramStats *programstore.Stats

	// Bound listener addresses, empty when disabled.
	RPCAddr       string
	GRPCAddr      string
	DashboardAddr string

	// LastError is the most recent error encountered.
	LastError error
}

// Dashboard statistics.

func (n *Node) IsRunning() bool       { return n.running.Load() }
func (n *Node) RunsExecuted() uint64  { return n.runsExecuted.Load() }
func (n *Node) RunsFaulted() uint64   { return n.runsFaulted.Load() }
func (n *Node) StepsExecuted() uint64 { return n.stepsExecuted.Load() }
func (n *Node) LastError() error      { return n.getLastError() }
func (n *Node) Endpoints() (rpcAddr, grpcAddr string) {
	return n.rpcAddr, n.grpcAddr
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	if !n.running.Load() {
		return 0
	}
	return time.Since(n.startTime)
}

// reportError records err and forwards it to the OnError callback.
func (n *Node) reportError(err error) {
	log.Printf("Node: %v", err)
	n.setLastError(err)
	if n.config.OnError != nil {
		n.config.OnError(err)
	}
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}

var _ executor.RunRecorder = (*Node)(nil)
var _ dashboard.NodeStats = (*Node)(nil)
