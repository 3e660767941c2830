package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tezrec/agent"
	"tezrec/config"
	"tezrec/demux"
	"tezrec/detect"
	"tezrec/server"
	"tezrec/types"
)

// Version is stamped by the build.
var Version = "dev"

const (
	exitOK        = 0
	exitConfig    = 1
	exitPrivilege = 2
	exitAgent     = 3
)

const shutdownTimeout = 5 * time.Second

// exitErr carries the process exit code alongside the failure.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }

func main() {
	log := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(log).ExecuteContext(ctx)
	stop()
	if err == nil {
		os.Exit(exitOK)
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		log.Error(ee.err)
		os.Exit(ee.code)
	}
	log.Error(err)
	os.Exit(exitConfig)
}

func newRootCmd(log *logrus.Logger) *cobra.Command {
	var (
		configPath  string
		agentSocket string
		runBPF      bool
		logLevel    string
		sigmaRules  string
	)
	root := &cobra.Command{
		Use:           "tezrec",
		Short:         "Passive network recorder for Tezos nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setLogLevel(log, logLevel); err != nil {
				return &exitErr{exitConfig, err}
			}
			return runRecorder(cmd.Context(), log, configPath, agentSocket, runBPF, logLevel, sigmaRules)
		},
	}
	root.Flags().StringVar(&configPath, "config", "tezrec.toml", "Configuration file")
	root.Flags().StringVar(&agentSocket, "agent-socket", "/tmp/tezrec-agent.sock", "Capture agent event socket")
	root.Flags().BoolVar(&runBPF, "run-bpf", true, "Spawn the capture agent as a child process")
	root.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace/debug/info/warning/error)")
	root.Flags().StringVar(&sigmaRules, "sigma-rules", "", "Directory of Sigma rules evaluated over node logs")

	root.AddCommand(newAgentCmd(log), newVersionCmd())
	return root
}

func newAgentCmd(log *logrus.Logger) *cobra.Command {
	var (
		configPath string
		socketPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Run the privileged capture agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setLogLevel(log, logLevel); err != nil {
				return &exitErr{exitConfig, err}
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitErr{exitConfig, err}
			}
			ports := make(map[uint16]string, len(cfg.Nodes))
			for _, n := range cfg.Nodes {
				ports[n.P2PPort] = n.Name
			}
			a := agent.New(log, socketPath, ports)
			if err := a.Run(cmd.Context()); err != nil {
				if errors.Is(err, agent.ErrProbeLoad) {
					return &exitErr{exitPrivilege, err}
				}
				return &exitErr{exitAgent, err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "tezrec.toml", "Configuration file")
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/tezrec-agent.sock", "Event socket to serve")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace/debug/info/warning/error)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

func runRecorder(parent context.Context, log *logrus.Logger, configPath, agentSocket string, runBPF bool, logLevel, sigmaRules string) error {
	buildInfo.WithLabelValues(Version).Set(1)

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitErr{exitConfig, err}
	}
	reg, err := demux.NewRegistry(cfg, log)
	if err != nil {
		return &exitErr{exitConfig, err}
	}
	defer reg.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	fail := make(chan *exitErr, 3)

	if runBPF {
		child, err := spawnAgent(ctx, configPath, agentSocket, logLevel)
		if err != nil {
			return &exitErr{exitAgent, fmt.Errorf("spawn agent: %w", err)}
		}
		go func() {
			err := child.Wait()
			if ctx.Err() != nil {
				return
			}
			code := exitAgent
			var xe *exec.ExitError
			if errors.As(err, &xe) && xe.ExitCode() == exitPrivilege {
				code = exitPrivilege
			}
			fail <- &exitErr{code, fmt.Errorf("capture agent exited: %v", err)}
			cancel()
		}()
	}

	if sigmaRules != "" {
		engine, err := detect.NewEngine(sigmaRules, 0, func(node string, rec *types.LogRecord) {
			if n, ok := reg.Node(node); ok {
				n.IngestLog(rec)
			}
		}, log)
		if err != nil {
			return &exitErr{exitConfig, err}
		}
		defer engine.Close()
		for _, n := range reg.Nodes() {
			n.OnLog(engine.Observe)
		}
	}

	srv, err := server.New(cfg, reg, Version, log)
	if err != nil {
		return &exitErr{exitConfig, err}
	}

	if err := reg.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return pendingFailure(fail)
		}
		return &exitErr{exitConfig, err}
	}

	go func() {
		if err := srv.Run(ctx); err != nil {
			fail <- &exitErr{exitConfig, err}
			cancel()
		}
	}()

	// A stuck shutdown must not hang the process.
	go func() {
		<-ctx.Done()
		time.Sleep(shutdownTimeout)
		log.Error("shutdown timed out, exiting hard")
		os.Exit(exitAgent)
	}()

	client, err := agent.Dial(ctx, agentSocket)
	if err != nil {
		if ctx.Err() != nil {
			return pendingFailure(fail)
		}
		return &exitErr{exitAgent, err}
	}
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	log.WithField("socket", agentSocket).Info("recorder running")
	for {
		ev, err := client.Read()
		if err != nil {
			if ctx.Err() != nil {
				return pendingFailure(fail)
			}
			if fe := pendingFailure(fail); fe != nil {
				return fe
			}
			return &exitErr{exitAgent, fmt.Errorf("agent stream: %w", err)}
		}
		reg.Dispatch(ev)
	}
}

// pendingFailure surfaces an asynchronous failure if one was
// recorded; a clean cancellation returns nil.
func pendingFailure(fail chan *exitErr) error {
	select {
	case fe := <-fail:
		return fe
	default:
		return nil
	}
}

func spawnAgent(ctx context.Context, configPath, socketPath, logLevel string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, self, "agent",
		"--config", configPath,
		"--socket", socketPath,
		"--log-level", logLevel,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
