// bytevm: register-based bytecode virtual machine
//
// This is the command line entry point. It runs, assembles, disassembles
// and deploys programs, and serves the JSON-RPC and gRPC execution APIs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fortiblox/bytevm/pkg/asm"
	"github.com/fortiblox/bytevm/pkg/diag"
	"github.com/fortiblox/bytevm/pkg/loader"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Global flags
var (
	showVersion = flag.Bool("version", false, "Print version and exit")
	dataDir     = flag.String("data-dir", defaultDataDir(), "Data directory for the program and run stores")
)

const usage = `usage: bytevm [global flags] <command> [flags] [args]

commands:
  run      execute a program image or assembly file
  asm      assemble a source file into an image
  disasm   disassemble an image
  deploy   store a program in the program store
  serve    serve the JSON-RPC and gRPC execution APIs and the dashboard
  remote   execute a program on a remote gRPC server

global flags:
`

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "bytevm")
	}
	return ".bytevm"
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("bytevm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Create context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	var code int
	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		code = runCmd(ctx, rest)
	case "asm":
		code = asmCmd(rest)
	case "disasm":
		code = disasmCmd(rest)
	case "deploy":
		code = deployCmd(rest)
	case "serve":
		code = serveCmd(ctx, rest)
	case "remote":
		code = remoteCmd(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "bytevm: unknown command %q\n", cmd)
		flag.Usage()
		code = 2
	}
	os.Exit(code)
}

// isSource reports whether path names assembly source.
func isSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".s", ".asm":
		return true
	}
	return false
}

// loadProgram reads an image or assembles a source file.
func loadProgram(path string) (*vm.Program, error) {
	if !isSource(path) {
		return loader.LoadFile(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return asm.Assemble(path, string(src))
}

// oneArg checks that a flag set was left with exactly one positional
// argument.
func oneArg(fs *flag.FlagSet) (string, bool) {
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "bytevm %s: expected one file argument\n", fs.Name())
		fs.Usage()
		return "", false
	}
	return fs.Arg(0), true
}

func runCmd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	maxSteps := fs.Uint64("max-steps", 0, "Step budget (0 = unlimited)")
	memSize := fs.Uint64("memory-size", vm.MemorySizeDefault, "Machine memory size in bytes")
	stackSize := fs.Uint64("stack-size", vm.StackSizeDefault, "Stack region size in bytes")
	trace := fs.Bool("trace", false, "Log every instruction before it executes")
	verbose := fs.Bool("verbose", false, "Append a structural dump of the result")
	floats := fs.Bool("floats", false, "Print float registers that are zero")
	memAddr := fs.Uint64("mem-addr", 0, "Start of the memory window to print")
	memLen := fs.Uint64("mem-len", 0, "Length of the memory window to print (0 = none)")
	stateHash := fs.Bool("state-hash", false, "Print the SHA3-256 state hash")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, ok := oneArg(fs)
	if !ok {
		return 2
	}

	p, err := loadProgram(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm run: %v\n", err)
		return 1
	}

	cfg := vm.Config{
		MemorySize: *memSize,
		StackSize:  *stackSize,
		MaxSteps:   *maxSteps,
	}
	if *trace {
		cfg.Trace = func(ev vm.TraceEvent) {
			ops := make([]string, len(ev.Operands))
			for i, op := range ev.Operands {
				ops[i] = op.String()
			}
			log.Printf("[TRACE] %6d %04x %s/%d %s", ev.Step, ev.PC, ev.Name, ev.Mode, strings.Join(ops, ", "))
		}
	}
	machine, err := vm.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm run: %v\n", err)
		return 1
	}

	res, runErr := machine.Execute(ctx, p)

	opts := diag.Options{
		Verbose: *verbose,
		Color:   diag.ColorEnabled(os.Stdout),
		Floats:  *floats,
	}
	out := io.Writer(os.Stdout)
	if runErr != nil {
		out = os.Stderr
		opts.Color = diag.ColorEnabled(os.Stderr)
	}
	diag.Dump(out, res, opts)
	if *memLen > 0 {
		if err := diag.DumpMemory(out, machine.Memory(), *memAddr, *memLen); err != nil {
			fmt.Fprintf(os.Stderr, "bytevm run: %v\n", err)
		}
	}
	if *stateHash {
		fmt.Fprintf(out, "hash  %s\n", diag.StateHash(machine).Hex())
	}

	if runErr != nil {
		return vm.Fatal(os.Stderr, runErr)
	}
	return 0
}

func asmCmd(args []string) int {
	fs := flag.NewFlagSet("asm", flag.ContinueOnError)
	output := fs.String("o", "", "Output file (default: input with .bvm extension)")
	compress := fs.Bool("compress", false, "Write a zstd-compressed container")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, ok := oneArg(fs)
	if !ok {
		return 2
	}

	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm asm: %v\n", err)
		return 1
	}
	p, err := asm.Assemble(path, string(src))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm asm: %v\n", err)
		return 1
	}
	image, err := loader.Encode(p, *compress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm asm: %v\n", err)
		return 1
	}

	dst := *output
	if dst == "" {
		dst = strings.TrimSuffix(path, filepath.Ext(path)) + ".bvm"
	}
	if err := os.WriteFile(dst, image, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "bytevm asm: %v\n", err)
		return 1
	}

	id, err := programstore.ComputeID(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm asm: %v\n", err)
		return 1
	}
	fmt.Printf("%s  %d bytes  %s\n", dst, len(image), id)
	return 0
}

func disasmCmd(args []string) int {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	source := fs.Bool("source", false, "Print reassemblable source instead of a listing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, ok := oneArg(fs)
	if !ok {
		return 2
	}

	p, err := loader.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm disasm: %v\n", err)
		return 1
	}

	if *source {
		text, err := asm.Source(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bytevm disasm: %v\n", err)
			return 1
		}
		fmt.Print(text)
		return 0
	}

	entries, err := asm.Disassemble(p.Code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm disasm: %v\n", err)
		return 1
	}
	fmt.Printf("; data_size %d, %d initialised\n", p.DataSize, len(p.Data))
	if err := asm.WriteListing(os.Stdout, entries); err != nil {
		fmt.Fprintf(os.Stderr, "bytevm disasm: %v\n", err)
		return 1
	}
	return 0
}

func openProgramStore() (*programstore.BoltStore, error) {
	return programstore.Open(programstore.DefaultConfig(filepath.Join(*dataDir, "programs.db")))
}

func deployCmd(args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	name := fs.String("name", "", "Name to bind to the program")
	list := fs.Bool("list", false, "List deployed programs instead of deploying")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := openProgramStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm deploy: %v\n", err)
		return 1
	}
	defer store.Close()

	if *list {
		recs, err := store.List(0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bytevm deploy: %v\n", err)
			return 1
		}
		for _, rec := range recs {
			fmt.Printf("%-44s  %-20s  %6d bytes\n", rec.ID, rec.Name, rec.Size())
		}
		return 0
	}

	path, ok := oneArg(fs)
	if !ok {
		return 2
	}
	p, err := loadProgram(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm deploy: %v\n", err)
		return 1
	}
	rec, err := store.Put(p, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bytevm deploy: %v\n", err)
		if errors.Is(err, programstore.ErrInvalidName) {
			return 2
		}
		return 1
	}
	fmt.Println(rec.ID)
	return 0
}
