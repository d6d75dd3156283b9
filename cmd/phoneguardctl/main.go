// phoneguardctl is the control CLI for phoneguardd.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phoneguard/internal/config"
	"phoneguard/internal/ipc"
	"phoneguard/internal/monitor"
	"phoneguard/internal/violation"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides config)")
	jsonOutput = flag.Bool("json", false, "print raw JSON responses")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "help" {
		usage()
		return
	}

	if err := run(cmd, flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "  Tip: start the daemon with: phoneguardd")
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`phoneguardctl - control a running phoneguardd

USAGE:
    phoneguardctl [options] <command> [args]

COMMANDS:
    start <session-id>  Start monitoring (replaces an active session)
    stop                Stop monitoring and print the session's violations
    status              Show daemon and monitor status
    violations          Print the active session's violations
    watch               Stream session and violation events until Ctrl+C
    ping                Check that the daemon responds

OPTIONS:
    -config <path>      Config file used to find the daemon socket
    -socket <path>      Daemon socket, overrides the config file
    -json               Print raw JSON responses`)
}

func run(cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "start", "stop", "status", "violations", "watch", "ping":
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
	if cmd == "start" && len(args) < 1 {
		return errors.New("usage: phoneguardctl start <session-id>")
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	switch cmd {
	case "start":
		return cmdStart(client, args[0], out)
	case "stop":
		return cmdStop(client, out)
	case "status":
		return cmdStatus(client, out)
	case "violations":
		return cmdViolations(client, out)
	case "watch":
		return cmdWatch(client, out)
	default:
		return cmdPing(client, out)
	}
}

func resolveSocket() (string, error) {
	if *socketPath != "" {
		return *socketPath, nil
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.IPC.SocketPath, nil
}

func connect() (*ipc.IPCClient, error) {
	path, err := resolveSocket()
	if err != nil {
		return nil, err
	}

	cfg := ipc.DefaultClientConfig(path)
	cfg.ClientName = "phoneguardctl"
	cfg.ClientVersion = Version

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, err
		}
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", path, err)
	}
	return client, nil
}

func cmdStart(client *ipc.IPCClient, sessionID string, out io.Writer) error {
	resp, err := client.StartSession(sessionID)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(out, resp)
	}
	if resp.Replaced != "" {
		fmt.Fprintf(out, "Replaced session %s\n", resp.Replaced)
	}
	fmt.Fprintf(out, "Monitoring session %s\n", resp.SessionID)
	return nil
}

func cmdStop(client *ipc.IPCClient, out io.Writer) error {
	resp, err := client.StopSession()
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(out, resp)
	}
	fmt.Fprintf(out, "Stopped session %s\n", resp.SessionID)
	printViolations(out, resp.Violations)
	return nil
}

func cmdStatus(client *ipc.IPCClient, out io.Writer) error {
	status, err := client.Status()
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(out, status)
	}

	fmt.Fprintln(out, "DAEMON")
	fmt.Fprintf(out, "  Version      %s\n", status.Version)
	fmt.Fprintf(out, "  Started      %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Uptime       %s\n", status.Uptime)
	fmt.Fprintf(out, "  Clients      %d\n", status.Clients)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "MONITOR")
	printMonitorStatus(out, status.Monitor)
	return nil
}

func printMonitorStatus(out io.Writer, st monitor.Status) {
	if !st.IsActive {
		fmt.Fprintln(out, "  Session      none")
		return
	}
	fmt.Fprintf(out, "  Session      %s\n", st.CurrentSessionID())
	fmt.Fprintf(out, "  Violations   %d\n", st.ViolationsCount)
}

func cmdViolations(client *ipc.IPCClient, out io.Writer) error {
	resp, err := client.Violations()
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(out, resp)
	}
	if resp.SessionID == "" {
		fmt.Fprintln(out, "No active session")
		return nil
	}
	fmt.Fprintf(out, "Session %s\n", resp.SessionID)
	printViolations(out, resp.Violations)
	return nil
}

func printViolations(out io.Writer, events []violation.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "  No violations")
		return
	}
	for _, v := range events {
		fmt.Fprintf(out, "  %s  %-18s %3ds  %s\n",
			v.OccurredAt.Local().Format("15:04:05"), v.Kind, v.DurationSeconds, v.Details)
	}
}

func cmdWatch(client *ipc.IPCClient, out io.Writer) error {
	if err := client.Subscribe(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	if !*jsonOutput {
		fmt.Fprintln(out, "Watching for events (Ctrl+C to stop)...")
	}
	for {
		select {
		case <-sig:
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			if *jsonOutput {
				if err := printJSON(out, ev); err != nil {
					return err
				}
				continue
			}
			printEvent(out, ev)
		}
	}
}

func printEvent(out io.Writer, ev *ipc.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Type {
	case monitor.EventSessionStarted:
		fmt.Fprintf(out, "[%s] session %s started\n", ts, ev.SessionID)
	case monitor.EventSessionStopped:
		fmt.Fprintf(out, "[%s] session %s stopped, %d violations\n", ts, ev.SessionID, ev.Violations)
	case monitor.EventViolationRecorded:
		if ev.Violation != nil {
			fmt.Fprintf(out, "[%s] %s: %s (%ds)\n", ts, ev.SessionID, ev.Violation.Kind, ev.Violation.DurationSeconds)
		}
	default:
		fmt.Fprintf(out, "[%s] %s\n", ts, ev.Type)
	}
}

func cmdPing(client *ipc.IPCClient, out io.Writer) error {
	start := time.Now()
	if err := client.Ping(); err != nil {
		return err
	}
	fmt.Fprintf(out, "phoneguardd %s responded in %s\n", client.ServerVersion(), time.Since(start).Round(time.Microsecond))
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
