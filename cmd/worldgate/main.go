package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: worldgate [command] [flags]

COMMANDS:
  serve                   Run the lobby gateway and world orchestrator (default)
  sweep                   Stop idle worlds once and exit
  status                  Show orchestrator health (/healthz)
  worlds [--limit N]      List worlds known to the registry (admin API)
  doctor [--json]         Run diagnostic checks
  version                 Print the version

ENVIRONMENT VARIABLES:
  WORLDGATE_HOME          Data directory (default: ~/.worldgate)
  WORLDGATE_TOKEN_SECRET  Capability token secret (generated on first serve)
  WORLDGATE_ADMIN_TOKEN   Bearer token for /metrics and /api
  DOCKER_HOST             Docker engine the world tasks run on

EXAMPLES:
  Run the orchestrator:   worldgate
  Check health:           worldgate status
  List running worlds:    worldgate worlds --limit 20
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cmd, rest := splitCommand(args)
	switch cmd {
	case "help":
		printUsage(os.Stdout)
		return 0
	case "version":
		fmt.Println(Version)
		return 0
	case "serve":
		return runServeCommand(ctx, rest)
	case "sweep":
		return runSweepCommand(ctx, rest)
	case "status":
		return runStatusCommand(ctx, rest)
	case "worlds":
		return runWorldsCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		return 2
	}
}

// splitCommand returns the subcommand and its arguments. Flags without a
// command mean serve.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "serve", nil
	}
	first := strings.ToLower(strings.TrimSpace(args[0]))
	switch {
	case first == "-h" || first == "--help":
		return "help", nil
	case first == "--version":
		return "version", nil
	case strings.HasPrefix(first, "-"):
		return "serve", args
	}
	return first, args[1:]
}

// parseFlags parses a subcommand's flags. It returns -1 to continue, or an
// exit code.
func parseFlags(fs *pflag.FlagSet, args []string) int {
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", fs.Arg(0))
		return 2
	}
	return -1
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
