package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/guseggert/claudeorchestra/orchestrator"
	"github.com/guseggert/claudeorchestra/orchestrator/session"
)

func main() {
	app := &cli.App{
		Name:  "orchestrad",
		Usage: "orchestrates interactive claude CLI sessions for mobile clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "0.0.0.0:3000",
				EnvVars: []string{"PORT_ADDR", "ORCHESTRA_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "claude-command",
				Usage:   "The executable spawned for each session.",
				Value:   "claude",
				EnvVars: []string{"CLAUDE_COMMAND"},
			},
			&cli.StringFlag{
				Name:    "claude-args",
				Usage:   "Space-separated arguments passed to the session executable.",
				EnvVars: []string{"CLAUDE_ARGS"},
			},
			&cli.StringFlag{
				Name:    "workspace-root",
				Usage:   "Directory under which per-session workdirs are created.",
				Value:   "claude_workspaces",
				EnvVars: []string{"ORCHESTRA_WORKSPACES"},
			},
			&cli.StringFlag{
				Name:    "snapshot-path",
				Usage:   "State snapshot file; empty disables persistence.",
				Value:   "data/sessions.json",
				EnvVars: []string{"ORCHESTRA_SNAPSHOT"},
			},
			&cli.DurationFlag{
				Name:    "snapshot-interval",
				Usage:   "How often the state snapshot is written.",
				Value:   5 * time.Minute,
				EnvVars: []string{"ORCHESTRA_SNAPSHOT_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "idle-timeout",
				Usage:   "Quiet period after which an in-progress reply is considered complete.",
				Value:   3 * time.Second,
				EnvVars: []string{"ORCHESTRA_IDLE_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "command-timeout",
				Usage:   "Hard upper bound on the wait for one reply.",
				Value:   120 * time.Second,
				EnvVars: []string{"ORCHESTRA_COMMAND_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "grace-timeout",
				Usage:   "Wait after the graceful exit line before force-killing a session process.",
				Value:   time.Second,
				EnvVars: []string{"ORCHESTRA_GRACE_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			sessionCfg := session.DefaultConfig()
			sessionCfg.Command = ctx.String("claude-command")
			sessionCfg.Args = splitArgs(ctx.String("claude-args"))
			sessionCfg.WorkspaceRoot = ctx.String("workspace-root")
			sessionCfg.GraceTimeout = ctx.Duration("grace-timeout")

			channelCfg := session.DefaultChannelConfig()
			channelCfg.IdleQuiet = ctx.Duration("idle-timeout")
			channelCfg.HardTimeout = ctx.Duration("command-timeout")

			logLevel := zapcore.InfoLevel
			if ctx.Bool("debug") {
				logLevel = zapcore.DebugLevel
			}

			server, err := orchestrator.New(
				orchestrator.WithListenAddr(ctx.String("listen-addr")),
				orchestrator.WithLogLevel(logLevel),
				orchestrator.WithSessionConfig(sessionCfg),
				orchestrator.WithChannelConfig(channelCfg),
				orchestrator.WithSnapshotPath(ctx.String("snapshot-path")),
				orchestrator.WithSnapshotInterval(ctx.Duration("snapshot-interval")),
			)
			if err != nil {
				return err
			}

			// Shutdown signals stop every session process, write a final
			// snapshot, and close the server.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				server.Stop()
			}()

			return server.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func splitArgs(s string) []string {
	return strings.Fields(s)
}
