package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"corelink/nodeswitch"

	"github.com/sirupsen/logrus"
)

const (
	defaultControlAddr = "127.0.0.1:18990"
	controlDeadline    = 60 * time.Second
	controlUsage       = "status | toggle | start | stop | restart | list | current | switch <node> | test [node...] | grant | deny | idle on|off | reload"
)

func startControlServer(ctx context.Context, addr string, app *clientApp) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			go handleControlConnection(ctx, c, app)
		}
	}()
	logrus.Infoln("[Client] control listening on", listener.Addr().String())
	return nil
}

func handleControlConnection(ctx context.Context, conn net.Conn, app *clientApp) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(controlDeadline))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		_, _ = fmt.Fprintln(conn, "ERR read command:", err)
		return
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		_, _ = fmt.Fprintln(conn, "ERR empty command")
		return
	}
	if err := runControl(ctx, conn, app, strings.ToLower(fields[0]), fields[1:]); err != nil {
		_, _ = fmt.Fprintln(conn, "ERR", err)
		return
	}
	_, _ = fmt.Fprintln(conn, "OK")
}

func runControl(ctx context.Context, w io.Writer, app *clientApp, cmd string, args []string) error {
	ctrl := app.controller
	switch cmd {
	case "status":
		st := app.status()
		snap := st.Connection
		fmt.Fprintf(w, "state: %s\nmode: %s\nsince: %s\n", snap.State, snap.Mode, snap.Since.Format(time.RFC3339))
		if snap.Paused {
			fmt.Fprintln(w, "paused: true")
		}
		if snap.LastError != "" {
			fmt.Fprintln(w, "error:", snap.LastError)
		}
		if snap.Permission != nil {
			fmt.Fprintf(w, "permission: %s (%s)\n", snap.Permission.Reason, snap.Permission.Hint)
		}
		fmt.Fprintln(w, "node:", app.currentNode())
		if st.Breaker.Open {
			fmt.Fprintf(w, "probe breaker: open since %s\n", st.Breaker.LastTrip.Format(time.RFC3339))
		}
		return nil
	case "toggle", "start":
		var pending bool
		var err error
		if cmd == "toggle" {
			pending, err = ctrl.ToggleConnection(ctx)
		} else {
			pending, err = ctrl.StartCore(ctx)
		}
		if err != nil {
			return err
		}
		if pending {
			fmt.Fprintln(w, "permission needed, answer with grant or deny")
		}
		fmt.Fprintln(w, "state:", ctrl.Snapshot().State)
		return nil
	case "stop":
		ctrl.StopVpn()
		fmt.Fprintln(w, "state:", ctrl.Snapshot().State)
		return nil
	case "restart":
		if err := ctrl.RestartVpn(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "state:", ctrl.Snapshot().State)
		return nil
	case "list":
		current := app.currentNode()
		for _, node := range app.status().Nodes {
			prefix := "  "
			if node.Name == current {
				prefix = "* "
			}
			if node.LatencyMS != nil {
				fmt.Fprintf(w, "%s%s\t%s\n", prefix, node.Name, formatLatency(*node.LatencyMS))
			} else {
				fmt.Fprintf(w, "%s%s\n", prefix, node.Name)
			}
		}
		return nil
	case "current":
		fmt.Fprintln(w, app.currentNode())
		return nil
	case "switch":
		if len(args) == 0 {
			return errors.New("missing node name")
		}
		outcome, err := app.switchNode(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(w, outcome.String())
		if outcome.Kind == nodeswitch.KindNeedsRestart {
			fmt.Fprintln(w, "state:", ctrl.Snapshot().State)
		}
		return nil
	case "test":
		results, err := app.testNodes(ctx, args, defaultProbeTimeout)
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\n", r.Node, formatLatency(r.LatencyMS))
		}
		return err
	case "grant", "deny":
		return ctrl.OnVpnPermissionResult(ctx, cmd == "grant")
	case "idle":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: idle on|off")
		}
		return ctrl.OnDeviceIdle(ctx, args[0] == "on")
	case "reload":
		if err := app.reload(); err != nil {
			return err
		}
		fmt.Fprintf(w, "reloaded %d nodes\n", len(app.nodeNames()))
		return nil
	default:
		return fmt.Errorf("unknown command, use: %s", controlUsage)
	}
}

func formatLatency(ms int) string {
	if ms < 0 {
		return "timeout"
	}
	return fmt.Sprintf("%dms", ms)
}

// runControlCommand sends one command to a running client and prints the
// reply.
func runControlCommand(addr, cmd, node string, args []string) error {
	command := strings.ToLower(strings.TrimSpace(cmd))
	switch command {
	case "switch":
		node = strings.TrimSpace(node)
		if node == "" && len(args) > 0 {
			node = strings.Join(args, " ")
		}
		if node == "" {
			return fmt.Errorf("switch command requires -node")
		}
		command += " " + node
	case "test", "idle":
		if len(args) > 0 {
			command += " " + strings.Join(args, " ")
		}
	case "status", "toggle", "start", "stop", "restart", "list", "current", "grant", "deny", "reload":
	default:
		return fmt.Errorf("unsupported -cmd: %s (use %s)", command, controlUsage)
	}

	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(controlDeadline))
	if _, err := fmt.Fprintln(conn, command); err != nil {
		return err
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	text := string(reply)
	fmt.Print(text)
	if strings.HasPrefix(text, "ERR") || strings.Contains(text, "\nERR") {
		return fmt.Errorf("command failed")
	}
	return nil
}
