// vcmmdctl is the debug and inspection CLI for vcmmd.
//
// Usage:
//
//	vcmmdctl list                          # List all registered VEs
//	vcmmdctl get <name>                    # Show one VE's configuration
//	vcmmdctl update <name> <guarantee> <limit> <swap> [--force]
//	vcmmdctl deactivate <name>
//	vcmmdctl unregister <name>
//	vcmmdctl metrics                       # Show Load Manager runtime metrics
//
// Build: go build -o vcmmdctl ./cmd/vcmmdctl
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/OpenVZ/vcmmd/pkg/ctlsock"
)

const defaultSocketPath = "/run/vcmmd/vcmmd.sock"

type cli struct {
	socketPath string
	output     string // "table" or "json"
}

func main() {
	c := &cli{
		socketPath: getEnvOrDefault("VCMMD_SOCKET", defaultSocketPath),
		output:     "table",
	}

	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-o", "--output":
			if len(args) < 2 {
				fatal("--output requires a value")
			}
			c.output = args[1]
			args = args[2:]
		case "--socket":
			if len(args) < 2 {
				fatal("--socket requires a value")
			}
			c.socketPath = args[1]
			args = args[2:]
		case "-h", "--help":
			printUsage()
			os.Exit(0)
		default:
			fatal("unknown flag: %s", args[0])
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd, cmdArgs := args[0], args[1:]

	conn, err := ctlsock.Dial(c.socketPath, 5*time.Second)
	if err != nil {
		fatal("connect to %s: %v", c.socketPath, err)
	}
	defer conn.Close()

	switch cmd {
	case "list", "ls":
		err = c.cmdList(conn)
	case "get":
		err = c.cmdGet(conn, cmdArgs)
	case "update":
		err = c.cmdUpdate(conn, cmdArgs)
	case "deactivate":
		err = c.cmdDeactivate(conn, cmdArgs)
	case "unregister", "rm":
		err = c.cmdUnregister(conn, cmdArgs)
	case "metrics":
		err = c.cmdMetrics(conn)
	case "help":
		printUsage()
	default:
		fatal("unknown command: %s", cmd)
	}

	if err != nil {
		fatal("%v", err)
	}
}

func printUsage() {
	fmt.Println(`vcmmdctl - vcmmd debug and inspection tool

Usage:
  vcmmdctl [flags] <command> [args]

Commands:
  list, ls                                 List all registered VEs
  get <name>                               Show one VE's configuration
  update <name> <guarantee> <limit> <swap> [--force]
                                            Apply a new configuration
  deactivate <name>                        Deactivate a VE
  unregister, rm <name>                    Unregister a VE
  metrics                                  Show Load Manager runtime metrics
  help                                     Show this help

Flags:
  -o, --output <fmt>    Output format: table, json (default: table)
  --socket <path>       Control socket path (default: ` + defaultSocketPath + `)
  -h, --help            Show help

Environment:
  VCMMD_SOCKET          Control socket path
`)
}

func (c *cli) cmdList(conn *ctlsock.Client) error {
	ves, err := conn.ListVEs()
	if err != nil {
		return err
	}

	if c.output == "json" {
		return json.NewEncoder(os.Stdout).Encode(ves)
	}

	if len(ves) == 0 {
		fmt.Println("No VEs registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tACTIVE\tGUARANTEE\tLIMIT\tSWAP")
	for _, v := range ves {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
			v.Name, typeName(v.Type), v.Active, formatBytes(v.Guarantee), formatBytes(v.Limit), formatBytes(v.Swap))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d VE(s)\n", len(ves))
	return nil
}

func (c *cli) cmdGet(conn *ctlsock.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vcmmdctl get <name>")
	}
	v, err := conn.GetVE(args[0])
	if err != nil {
		return err
	}
	if c.output == "json" {
		return json.NewEncoder(os.Stdout).Encode(v)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "name\t%s\n", v.Name)
	fmt.Fprintf(w, "type\t%s\n", typeName(v.Type))
	fmt.Fprintf(w, "active\t%v\n", v.Active)
	fmt.Fprintf(w, "guarantee\t%s\n", formatBytes(v.Guarantee))
	fmt.Fprintf(w, "limit\t%s\n", formatBytes(v.Limit))
	fmt.Fprintf(w, "swap\t%s\n", formatBytes(v.Swap))
	w.Flush()
	return nil
}

func (c *cli) cmdUpdate(conn *ctlsock.Client, args []string) error {
	force := false
	var positional []string
	for _, a := range args {
		if a == "--force" {
			force = true
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) != 4 {
		return fmt.Errorf("usage: vcmmdctl update <name> <guarantee> <limit> <swap> [--force]")
	}
	name := positional[0]
	guarantee, err := strconv.ParseUint(positional[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid guarantee: %w", err)
	}
	limit, err := strconv.ParseUint(positional[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}
	swap, err := strconv.ParseUint(positional[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid swap: %w", err)
	}
	if err := conn.UpdateVE(name, guarantee, limit, swap, force); err != nil {
		return err
	}
	fmt.Printf("%s updated\n", name)
	return nil
}

func (c *cli) cmdDeactivate(conn *ctlsock.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vcmmdctl deactivate <name>")
	}
	if err := conn.DeactivateVE(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s deactivated\n", args[0])
	return nil
}

func (c *cli) cmdUnregister(conn *ctlsock.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vcmmdctl unregister <name>")
	}
	if err := conn.UnregisterVE(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s unregistered\n", args[0])
	return nil
}

func (c *cli) cmdMetrics(conn *ctlsock.Client) error {
	snap, err := conn.Metrics()
	if err != nil {
		return err
	}
	if c.output == "json" || snap == nil {
		return json.NewEncoder(os.Stdout).Encode(snap)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range []string{
		"total_cycles", "failed_cycles", "cycle_latency_p50_ms", "cycle_latency_p99_ms",
		"ves_registered", "ves_unregistered", "ves_evicted",
		"stat_fetch_errors", "knob_write_errors", "persist_errors",
	} {
		if v, ok := snap[k]; ok {
			fmt.Fprintf(w, "%s\t%v\n", k, v)
		}
	}
	w.Flush()
	return nil
}

func typeName(t int) string {
	switch t {
	case 0:
		return "CT"
	case 1:
		return "VM"
	case 2:
		return "VM_LINUX"
	case 3:
		return "VM_WINDOWS"
	default:
		return "UNKNOWN"
	}
}

func formatBytes(b uint64) string {
	const unlimited = 1<<64 - 1
	if b == unlimited {
		return "unlimited"
	}
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "vcmmdctl: "+format+"\n", args...)
	os.Exit(1)
}
