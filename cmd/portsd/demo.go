package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/daemon"
	"github.com/sarchlab/ports/datarecording"
	"github.com/sarchlab/ports/logging"
	"github.com/sarchlab/ports/naming"
	"github.com/sarchlab/ports/ports"
	"github.com/sarchlab/ports/tracing"
	"github.com/sarchlab/ports/transport"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Move a port with queued messages between two in-process nodes.",
	Long: "Create two nodes in this process, queue messages on a port of the " +
		"first one, send the port to the second node and read the messages " +
		"there. The ports of both nodes are printed after each step.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts := demoOptions{}
		opts.messages, _ = cmd.Flags().GetInt("messages")
		opts.trace, _ = cmd.Flags().GetString("trace")
		opts.timeout, _ = cmd.Flags().GetDuration("timeout")

		if opts.messages < 0 {
			return errors.New("messages must not be negative")
		}

		logger, err := logging.New(c.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return runDemo(cmd.Context(), cmd.OutOrStdout(), logger, opts)
	},
}

type demoOptions struct {
	messages int
	trace    string
	timeout  time.Duration
}

func init() {
	demoCmd.Flags().IntP("messages", "n", 3, "messages queued before the move")
	demoCmd.Flags().String("trace", "",
		"record a message trace into this SQLite file, without suffix")
	demoCmd.Flags().Duration("timeout", 5*time.Second,
		"time to wait for each step")

	rootCmd.AddCommand(demoCmd)
}

func runDemo(
	ctx context.Context,
	out io.Writer,
	logger *zap.Logger,
	opts demoOptions,
) error {
	run := xid.New()
	fmt.Fprintf(out, "demo run %s\n", run)

	var recorder datarecording.DataRecorder
	if opts.trace != "" {
		recorder = datarecording.New(opts.trace)
		defer func() { _ = recorder.Close() }()
	}

	router := transport.NewRouter(logger)
	defer router.Close()

	names := naming.NewRandomGenerator()
	wakeA, wakeB := newSignal(), newSignal()
	nodeA := router.AddNode(ports.MakeBuilder().WithLogger(logger),
		ports.MakeNodeName(names.Generate()), wakeA.notify)
	nodeB := router.AddNode(ports.MakeBuilder().WithLogger(logger),
		ports.MakeNodeName(names.Generate()), wakeB.notify)

	if recorder != nil {
		tracer := tracing.NewMsgTracer(recorder)
		tracer.CollectTrace(nodeA)
		tracer.CollectTrace(nodeB)

		fmt.Fprintf(out, "tracing into %s.sqlite3\n", opts.trace)
	}

	toB, err := daemon.ConnectBootstrap(nodeA, nodeB.Name())
	if err != nil {
		return err
	}

	fromA, err := daemon.ConnectBootstrap(nodeB, nodeA.Name())
	if err != nil {
		return err
	}

	sender, receiver, err := nodeA.CreatePortPair()
	if err != nil {
		return err
	}

	for i := 0; i < opts.messages; i++ {
		payload := fmt.Sprintf("%s message %d", run, i)
		if err := nodeA.SendUserMessage(sender, ports.NewMessage([]byte(payload))); err != nil {
			return err
		}
	}

	printNodes(out, "before the move", nodeA, nodeB)

	move := ports.NewMessage([]byte("take this port"), receiver.Name())
	if err := nodeA.SendUserMessage(toB, move); err != nil {
		return err
	}

	msg, err := waitMessage(ctx, nodeB, fromA, wakeB, opts.timeout)
	if err != nil {
		return err
	}

	if len(msg.Ports) != 1 {
		return fmt.Errorf("expected one attached port, got %d", len(msg.Ports))
	}

	moved, err := nodeB.GetPort(msg.Ports[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nnode %s received port %s\n", nodeB.Name(), moved.Name())

	for i := 0; i < opts.messages; i++ {
		msg, err := waitMessage(ctx, nodeB, moved, wakeB, opts.timeout)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "  seq=%d %q\n", msg.SequenceNum(), msg.Payload)
	}

	if err := waitNoProxies(ctx, opts.timeout, nodeA, nodeB); err != nil {
		return err
	}

	printNodes(out, "after the move", nodeA, nodeB)

	return nil
}

// waitNoProxies polls until no node has a proxying or buffering port left.
func waitNoProxies(
	ctx context.Context,
	timeout time.Duration,
	nodes ...*ports.Node,
) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !hasProxies(nodes) {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("proxies still present: %w", ctx.Err())
		}
	}
}

func hasProxies(nodes []*ports.Node) bool {
	for _, node := range nodes {
		for _, info := range node.Ports() {
			if info.State == ports.PortProxying || info.State == ports.PortBuffering {
				return true
			}
		}
	}

	return false
}

func printNodes(out io.Writer, title string, nodes ...*ports.Node) {
	fmt.Fprintf(out, "\n%s\n", title)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tPORT\tSTATE\tPEER NODE\tPEER PORT\tQUEUED\tNEXT SEND\tNEXT RECV")

	for _, node := range nodes {
		for _, info := range node.Ports() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				node.Name(), info.Name, info.State, info.PeerNode, info.PeerPort,
				info.QueuedMessages, info.NextSequenceNumToSend,
				info.NextSequenceNumToReceive)
		}
	}

	_ = w.Flush()
}
