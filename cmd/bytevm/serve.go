package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fortiblox/bytevm/pkg/diag"
	"github.com/fortiblox/bytevm/pkg/loader"
	"github.com/fortiblox/bytevm/pkg/node"
	"github.com/fortiblox/bytevm/pkg/remote"
	"github.com/fortiblox/bytevm/pkg/vm"
)

func serveCmd(ctx context.Context, args []string) int {
	defaults := node.DefaultConfig()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	rpcAddr := fs.String("rpc-addr", defaults.RPCAddr, "JSON-RPC listen address (empty disables)")
	grpcAddr := fs.String("grpc-addr", defaults.GRPCAddr, "gRPC listen address (empty disables)")
	token := fs.String("token", "", "Shared secret required by the gRPC service; ${VAR} is expanded")
	maxSteps := fs.Uint64("max-steps", defaults.MaxSteps, "Step cap for every execution (0 = unlimited)")
	timeout := fs.Duration("timeout", defaults.Timeout, "Wall-clock limit for every execution")
	logRequests := fs.Bool("log-requests", false, "Log every request and run")
	enableCORS := fs.Bool("cors", defaults.RPCEnableCORS, "Send CORS headers on JSON-RPC responses")
	gcInterval := fs.Duration("gc-interval", defaults.GCInterval, "Run store value-log GC interval (0 disables)")
	enableDashboard := fs.Bool("dashboard", false, "Serve the web dashboard")
	dashboardBind := fs.String("dashboard-bind", defaults.DashboardBind, "Dashboard bind address")
	dashboardPort := fs.Int("dashboard-port", defaults.DashboardPort, "Dashboard port")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := defaults
	cfg.DataDir = *dataDir
	cfg.MaxSteps = *maxSteps
	cfg.Timeout = *timeout
	cfg.LogRuns = *logRequests
	cfg.GCInterval = *gcInterval
	cfg.RPCEnabled = *rpcAddr != ""
	cfg.RPCAddr = *rpcAddr
	cfg.RPCLogRequests = *logRequests
	cfg.RPCEnableCORS = *enableCORS
	cfg.GRPCEnabled = *grpcAddr != ""
	cfg.GRPCAddr = *grpcAddr
	cfg.GRPCToken = *token
	cfg.DashboardEnabled = *enableDashboard
	cfg.DashboardBind = *dashboardBind
	cfg.DashboardPort = *dashboardPort

	n, err := node.New(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm serve: %v\n", err)
		return 2
	}

	log.Printf("Starting bytevm %s, data in %s", Version, *dataDir)

	if err := n.Start(ctx); err != nil {
		log.Printf("Failed to start: %v", err)
		return 1
	}

	// Report listener addresses once bound
	status := n.Status()
	if status.RPCAddr != "" {
		log.Printf("JSON-RPC on %s", status.RPCAddr)
	}
	if status.GRPCAddr != "" {
		log.Printf("gRPC on %s", status.GRPCAddr)
	}
	if status.DashboardAddr != "" {
		log.Printf("Dashboard on http://%s", status.DashboardAddr)
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	status = n.Status()
	if err := n.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		return 1
	}
	log.Printf("Served %d run(s), %d faulted", status.RunsExecuted, status.RunsFaulted)
	if status.LastError != nil {
		log.Printf("Last error: %v", status.LastError)
		return 1
	}
	log.Println("Shutdown complete")
	return 0
}

func remoteCmd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "localhost:9899", "gRPC endpoint (host:port)")
	program := fs.String("program", "", "Run a deployed program by ID or name instead of a file")
	token := fs.String("token", "", "Shared secret; ${VAR} is expanded")
	useTLS := fs.Bool("tls", false, "Connect with TLS")
	maxSteps := fs.Uint64("max-steps", 0, "Step budget (0 = server cap)")
	timeout := fs.Duration("timeout", 30*time.Second, "Call timeout")
	floats := fs.Bool("floats", false, "Print float registers that are zero")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	req := &remote.ExecuteRequest{Program: *program, MaxSteps: *maxSteps}
	if *program == "" {
		path, ok := oneArg(fs)
		if !ok {
			return 2
		}
		p, err := loadProgram(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bytevm remote: %v\n", err)
			return 1
		}
		if req.Image, err = loader.Encode(p, true); err != nil {
			fmt.Fprintf(os.Stderr, "bytevm remote: %v\n", err)
			return 1
		}
	}

	cfg := remote.DefaultClientConfig(*endpoint)
	cfg.Token = *token
	cfg.UseTLS = *useTLS

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := remote.Dial(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm remote: %v\n", err)
		return 1
	}
	defer client.Close()

	resp, err := client.Execute(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm remote: %v\n", err)
		return 1
	}

	out := os.Stdout
	if resp.Faulted() {
		out = os.Stderr
	}
	fmt.Fprintf(out, "program %s  seq %d\n", resp.ProgramID, resp.Seq)
	fmt.Fprintf(out, "state %s  steps %d  pc 0x%04x\n", resp.State, resp.Steps, resp.PC)
	diag.DumpRegisters(out, vm.Snapshot{Int: resp.Int, Float: resp.Floats()}, diag.Options{Floats: *floats})
	fmt.Fprintf(out, "hash  %s\n", resp.StateHash)

	if f := resp.Fault; f != nil {
		fmt.Fprintf(os.Stderr, "fault: %s at pc 0x%04x, step %d: %s\n", f.Kind, f.PC, f.Step, f.Message)
		return 1
	}
	return 0
}
