package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/codec"
	"github.com/sarchlab/ports/config"
	"github.com/sarchlab/ports/daemon"
	"github.com/sarchlab/ports/datarecording"
	"github.com/sarchlab/ports/logging"
	"github.com/sarchlab/ports/monitoring"
	"github.com/sarchlab/ports/ports"
	"github.com/sarchlab/ports/tracing"
	"github.com/sarchlab/ports/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node that accepts TCP connections from other nodes.",
	Long: "Run a node that accepts TCP connections from other nodes. Every " +
		"peer gets a bootstrap port; with --echo the node answers each " +
		"message it receives on them.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, opts := applyServeFlags(cmd, c)

		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		return runServe(cmd.Context(), c, opts)
	},
}

type serveOptions struct {
	echo        bool
	openBrowser bool
}

func init() {
	serveCmd.Flags().String("listen", "", "address to accept peers on")
	serveCmd.Flags().Int("monitor-port", config.MonitorDisabled,
		"port of the HTTP monitor, 0 for any, -1 to disable")
	serveCmd.Flags().String("trace", "",
		"record a message trace into this SQLite file, without suffix")
	serveCmd.Flags().Bool("echo", true, "answer messages on bootstrap ports")
	serveCmd.Flags().Bool("open", false, "open the monitor in a browser")

	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(
	cmd *cobra.Command,
	c config.Config,
) (config.Config, serveOptions) {
	flags := cmd.Flags()

	if flags.Changed("listen") {
		addr, _ := flags.GetString("listen")
		c = c.WithListenAddr(addr)
	}

	if flags.Changed("monitor-port") {
		port, _ := flags.GetInt("monitor-port")
		c = c.WithMonitorPort(port)
	}

	if flags.Changed("trace") {
		path, _ := flags.GetString("trace")
		c = c.WithTraceDB(path)
	}

	var opts serveOptions
	opts.echo, _ = flags.GetBool("echo")
	opts.openBrowser, _ = flags.GetBool("open")

	return c, opts
}

func runServe(ctx context.Context, c config.Config, opts serveOptions) error {
	app := fx.New(serveModule(c, opts))

	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer cancel()

	if err := app.Start(startCtx); err != nil {
		return err
	}

	select {
	case <-app.Done():
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return app.Stop(stopCtx)
}

func serveModule(c config.Config, opts serveOptions) fx.Option {
	return fx.Options(
		fx.Supply(c, opts),
		fx.Provide(
			newLogger,
			newEcho,
			newBootstrapper,
			newTCPTransport,
			newRecorder,
		),
		fx.Invoke(
			traceNode,
			monitorNode,
			startTransport,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(
				zap.IncreaseLevel(zap.WarnLevel))}
		}),
	)
}

func newLogger(c config.Config, lc fx.Lifecycle) (*zap.Logger, error) {
	logger, err := logging.New(c.LogLevel)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.StopHook(func() {
		_ = logger.Sync()
	}))

	return logger, nil
}

func newEcho(logger *zap.Logger) *daemon.Echo {
	return daemon.NewEcho(logger.Named("echo"))
}

// bootstrapper connects the bootstrap port of every peer exactly once,
// whether the peer is configured or dials in.
type bootstrapper struct {
	echo   *daemon.Echo
	serve  bool
	logger *zap.Logger
}

func newBootstrapper(
	opts serveOptions,
	echo *daemon.Echo,
	logger *zap.Logger,
) *bootstrapper {
	return &bootstrapper{echo: echo, serve: opts.echo, logger: logger}
}

func (b *bootstrapper) connect(node *ports.Node, peer ports.NodeName) {
	ref, err := daemon.ConnectBootstrap(node, peer)
	if errors.Is(err, ports.ErrPortExists) {
		return
	}

	if err != nil {
		b.logger.Warn("bootstrapping peer",
			zap.Stringer("peer", peer), zap.Error(err))

		return
	}

	b.logger.Info("peer bootstrapped",
		zap.Stringer("peer", peer), zap.Stringer("port", ref.Name()))

	if b.serve {
		b.echo.Serve(node, ref)
	}
}

func newTCPTransport(
	c config.Config,
	logger *zap.Logger,
	echo *daemon.Echo,
	b *bootstrapper,
) (*transport.TCPTransport, *ports.Node) {
	return transport.MakeTCPBuilder().
		WithListenAddr(c.ListenAddr).
		WithCodec(codec.MakeBuilder().
			WithCompressThreshold(c.CompressThreshold).
			Build()).
		WithLogger(logger).
		WithStatusHandler(echo.HandleStatus).
		WithPeerHandler(b.connect).
		Build(ports.MakeBuilder().WithLogger(logger), c.NodeName)
}

// startTransport listens and connects the configured peers once every other
// component is wired to the node.
func startTransport(
	lc fx.Lifecycle,
	c config.Config,
	t *transport.TCPTransport,
	node *ports.Node,
	b *bootstrapper,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := t.Listen(ctx); err != nil {
				return err
			}

			for _, p := range c.Peers {
				t.AddPeer(p.Name, p.Addr)
				b.connect(node, p.Name)
			}

			logger.Info("node serving",
				zap.Stringer("node", node.Name()),
				zap.String("addr", t.Addr()),
				zap.Int("peers", len(c.Peers)))

			return nil
		},
		OnStop: func(context.Context) error {
			return t.Close()
		},
	})
}

// newRecorder opens the trace recording, or returns nil when tracing is
// off.
func newRecorder(
	c config.Config,
	lc fx.Lifecycle,
	logger *zap.Logger,
) datarecording.DataRecorder {
	if c.TraceDB == "" {
		return nil
	}

	recorder := datarecording.New(c.TraceDB)

	logger.Info("recording trace", zap.String("path", c.TraceDB+".sqlite3"))

	lc.Append(fx.StopHook(recorder.Close))

	return recorder
}

func traceNode(node *ports.Node, recorder datarecording.DataRecorder) {
	if recorder == nil {
		return
	}

	tracing.NewMsgTracer(recorder).CollectTrace(node)
}

func monitorNode(
	lc fx.Lifecycle,
	c config.Config,
	opts serveOptions,
	node *ports.Node,
	logger *zap.Logger,
) {
	if !c.MonitorEnabled() {
		return
	}

	m := monitoring.NewMonitor().
		WithLogger(logger.Named("monitor")).
		WithPortNumber(c.MonitorPort).
		WithOpenBrowser(opts.openBrowser)
	m.RegisterNode(node)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			_, err := m.StartServer()
			return err
		},
		OnStop: m.Stop,
	})
}
