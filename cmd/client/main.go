package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"corelink/config"
	"corelink/connection"
	"corelink/engine"
	"corelink/nodeswitch"
	"corelink/platform"
	"corelink/probe"
	"corelink/util"

	"github.com/sirupsen/logrus"
)

func main() {
	installLogCapture()

	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)

	if len(os.Args) == 2 && isVersionArg(os.Args[1]) {
		fmt.Println(util.BuildInfo())
		return
	}

	configPath := flag.String("config", "", "Settings file path (INI)")
	controlAddr := flag.String("control", defaultControlAddr, "Control address")
	apiAddr := flag.String("api", "", "HTTP API listen address, empty disables the API")
	apiToken := flag.String("api-token", os.Getenv("CORELINK_API_TOKEN"), "Bearer token for the HTTP API")
	controlCmd := flag.String("cmd", "", "Control command: "+controlUsage)
	nodeName := flag.String("node", "", "Node name for the switch command")
	connect := flag.Bool("connect", false, "Start the connection right away")
	flag.Parse()

	if *controlCmd != "" {
		if err := runControlCommand(*controlAddr, *controlCmd, *nodeName, flag.Args()); err != nil {
			logrus.Fatalln(err)
		}
		return
	}
	if strings.TrimSpace(*configPath) == "" {
		logrus.Fatalln("-config is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cleanupForceInterrupt := installForceInterruptHandler(stop)
	defer cleanupForceInterrupt()

	logrus.Infoln("[Client]", util.BuildInfo())
	if err := run(ctx, *configPath, *controlAddr, *apiAddr, *apiToken, *connect); err != nil {
		logrus.Fatalln(err)
	}
}

func run(ctx context.Context, configPath, controlAddr, apiAddr, apiToken string, connect bool) error {
	nofile := platform.RaiseNoFileLimit()

	settings, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap := settings.Snapshot()

	supervisor := engine.NewSupervisor(snap.Engine.Binary, snap.Engine.WorkDir)
	supervisor.TestURL = snap.General.TestURL
	supervisor.PreferredGroup = snap.General.Group
	defer func() {
		if err := supervisor.Close(); err != nil {
			logrus.Warnln("[Client] stop engine:", err)
		}
	}()

	controller, err := connection.NewController(connection.Options{
		Settings:  settings,
		Builder:   config.SingBoxBuilder{},
		Process:   supervisor,
		Commander: supervisor,
		Gate:      platform.NewCapabilityGate(supervisor.Binary),
		Tunnels:   platform.NewRouteDetector(snap.Tun.Name),
		Pauser:    supervisor,
	})
	if err != nil {
		return err
	}
	switcher := nodeswitch.New(supervisor, supervisor, controller)
	prober := probe.New(supervisor, probe.Options{Group: snap.General.Group, Guard: controller})

	app := newClientApp(settings, controller, switcher, prober)
	defer app.close()

	if err := startControlServer(ctx, controlAddr, app); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	if apiAddr != "" {
		if err := startHTTPAPIServer(ctx, apiAddr, newAPIServer(app, apiToken, supervisor.Output)); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
	}
	if connect {
		if pending, err := controller.ToggleConnection(ctx); err != nil {
			logrus.Warnln("[Client] connect:", err)
		} else if pending {
			logrus.Warnln("[Client] tunnel permission pending, answer with -cmd grant or -cmd deny")
		}
	}
	logrus.Infof("[Client] ready: mode=%s nodes=%d nofile=%d", snap.Mode(), len(snap.Nodes), nofile)

	<-ctx.Done()
	logrus.Infoln("[Client] shutting down")
	return nil
}

func isVersionArg(arg string) bool {
	switch strings.TrimSpace(strings.ToLower(arg)) {
	case "version", "-v", "--version", "-version":
		return true
	default:
		return false
	}
}

// installForceInterruptHandler exits at once on a second signal when the
// graceful shutdown hangs.
func installForceInterruptHandler(cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 2)
	done := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(done)
		first, ok := <-sigCh
		if !ok {
			return
		}
		logrus.Warnf("[Client] received signal %s, shutting down...", first)
		cancel()
		timer := time.NewTimer(5 * time.Second)
		defer timer.Stop()
		select {
		case second, ok := <-sigCh:
			if ok {
				logrus.Warnf("[Client] received second signal %s, force exiting", second)
				os.Exit(130)
			}
		case <-timer.C:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
		<-done
	}
}
