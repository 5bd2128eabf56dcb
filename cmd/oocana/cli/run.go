package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oomol/oocana/common/config"
	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/common/pubsub/mqtt"
	"github.com/oomol/oocana/common/pubsub/redisps"
	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/jobplane/eventstore"
	"github.com/oomol/oocana/runtime"
	"github.com/oomol/oocana/session"
)

type runFlags struct {
	broker          string
	brokerType      string
	searchPaths     string
	sessionID       string
	reporter        bool
	verbose         bool
	debug           bool
	waitForClient   bool
	useCache        bool
	nodes           string
	inputValues     string
	defaultPackage  string
	excludePackages string
	sessionDir      string
	tempRoot        string
	retainEnvKeys   []string
	envFile         string
	bindPaths       []string
	bindPathFile    string
}

func newRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <block>",
		Short: "Run a flow or task block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlock(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.broker, "broker", "127.0.0.1:47688", "broker address (ip:port)")
	cmd.Flags().StringVar(&flags.brokerType, "broker-type", "mqtt", "broker transport: mqtt, redis or memory")
	cmd.Flags().StringVar(&flags.searchPaths, "search-paths", "", "comma-separated block search paths")
	cmd.Flags().StringVar(&flags.sessionID, "session", "", "session id (defaults to a random UUID)")
	cmd.Flags().BoolVar(&flags.reporter, "reporter", false, "publish reporter events")
	cmd.Flags().BoolVar(&flags.verbose, "verbose", false, "verbose logging")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "debug logging")
	cmd.Flags().BoolVar(&flags.waitForClient, "wait-for-client", false, "wait for a reporter client before starting")
	cmd.Flags().BoolVar(&flags.useCache, "use-cache", false, "preload the flow's input-value cache")
	cmd.Flags().StringVar(&flags.nodes, "nodes", "", "comma-separated target node ids (partial run)")
	cmd.Flags().StringVar(&flags.inputValues, "input-values", "", "JSON node input values to merge")
	cmd.Flags().StringVar(&flags.defaultPackage, "default-package", "", "default package path")
	cmd.Flags().StringVar(&flags.excludePackages, "exclude-packages", "", "comma-separated packages excluded from layers")
	cmd.Flags().StringVar(&flags.sessionDir, "session-dir", "", "directory for session artifacts")
	cmd.Flags().StringVar(&flags.tempRoot, "temp-root", "", "root for per-session temp dirs")
	cmd.Flags().StringArrayVar(&flags.retainEnvKeys, "retain-env-keys", nil, "environment keys passed through to executors")
	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "env file forwarded to executors")
	cmd.Flags().StringArrayVar(&flags.bindPaths, "bind-paths", nil, "src:dst bind paths for layered executors")
	cmd.Flags().StringVar(&flags.bindPathFile, "bind-path-file", "", "file listing bind paths")

	return cmd
}

func runBlock(ctx context.Context, block string, flags *runFlags) error {
	cfg, err := config.Load("oocana")
	if err != nil {
		return err
	}

	level := cfg.Service.LogLevel
	if flags.debug {
		level = "debug"
	} else if flags.verbose {
		level = "info"
	}
	log := logger.New(level, cfg.Service.LogFormat)

	runtime.InitCache(cfg.Paths.CacheDir)

	transport, err := connectTransport(ctx, flags.brokerType, flags.broker, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	var sink jobplane.EventSink
	if flags.sessionDir != "" {
		store, err := eventstore.Open(filepath.Join(flags.sessionDir, "events.db"))
		if err != nil {
			log.Warn("failed to open session event store", "error", err)
		} else {
			sink = store
			defer store.Close()
		}
	}

	var remoteTask *config.RemoteTaskConfig
	if cfg.RemoteTask.BaseURL != "" {
		remoteTask = &cfg.RemoteTask
	}

	tempRoot := flags.tempRoot
	if tempRoot == "" {
		tempRoot = cfg.Paths.TempRoot
	}

	return session.Run(ctx, session.Options{
		Block:          block,
		SessionID:      jobplane.SessionId(flags.sessionID),
		Transport:      transport,
		PublishReports: flags.reporter,
		EventSink:      sink,
		Logger:      log,
		SearchPaths: splitCSV(flags.searchPaths),
		UseCache:    flags.useCache,
		Nodes:       splitCSV(flags.nodes),
		InputValues: flags.inputValues,
		TempRoot:    tempRoot,
		SessionDir:  flags.sessionDir,
		RemoteTask:  remoteTask,
	})
}

func connectTransport(ctx context.Context, brokerType, broker string, log *logger.Logger) (pubsub.Transport, error) {
	switch brokerType {
	case "memory":
		return pubsub.NewMemoryTransport(log), nil
	case "redis":
		return redisps.Connect(ctx, broker, log)
	case "mqtt":
		clientID := fmt.Sprintf("oocana-%d", os.Getpid())
		return mqtt.Connect(broker, clientID, log)
	default:
		return nil, fmt.Errorf("unknown broker type: %s", brokerType)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
