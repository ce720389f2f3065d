package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/codec"
	"github.com/sarchlab/ports/config"
	"github.com/sarchlab/ports/daemon"
	"github.com/sarchlab/ports/logging"
	"github.com/sarchlab/ports/naming"
	"github.com/sarchlab/ports/ports"
	"github.com/sarchlab/ports/transport"
)

var pingCmd = &cobra.Command{
	Use:   "ping <node>@<host:port>",
	Short: "Send messages to a serving node and time the echoes.",
	Long: "Send messages to a node started with `portsd serve --echo` and " +
		"time the echoes. With --transfer the pings travel over a port that " +
		"is first sent to the remote node.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		peers, err := config.ParsePeers(args[0])
		if err != nil {
			return err
		}

		if len(peers) != 1 {
			return fmt.Errorf("expected one node, got %d", len(peers))
		}

		opts := pingOptions{}
		opts.count, _ = cmd.Flags().GetInt("count")
		opts.size, _ = cmd.Flags().GetInt("size")
		opts.timeout, _ = cmd.Flags().GetDuration("timeout")
		opts.transfer, _ = cmd.Flags().GetBool("transfer")

		if opts.count < 1 {
			return errors.New("count must be positive")
		}

		if opts.size < 8 {
			return errors.New("size must be at least 8 bytes")
		}

		logger, err := logging.New(c.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return runPing(cmd.Context(), cmd.OutOrStdout(), logger, c, peers[0], opts)
	},
}

type pingOptions struct {
	count    int
	size     int
	timeout  time.Duration
	transfer bool
}

func init() {
	pingCmd.Flags().IntP("count", "c", 4, "number of pings")
	pingCmd.Flags().IntP("size", "s", 64, "payload bytes per ping")
	pingCmd.Flags().Duration("timeout", 5*time.Second, "time to wait per echo")
	pingCmd.Flags().Bool("transfer", false,
		"ping over a port transferred to the remote node")

	rootCmd.AddCommand(pingCmd)
}

// signal turns port status changes into wakeups for a waiting reader.
type signal chan struct{}

func newSignal() signal {
	return make(signal, 1)
}

func (s signal) notify(*ports.Node, ports.PortRef) {
	select {
	case s <- struct{}{}:
	default:
	}
}

// waitMessage returns the next message of a port, waiting for status changes
// until the timeout.
func waitMessage(
	ctx context.Context,
	node *ports.Node,
	ref ports.PortRef,
	wakeup signal,
	timeout time.Duration,
) (*ports.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		msg, err := node.GetMessage(ref, nil)
		if err != nil {
			return nil, err
		}

		if msg != nil {
			return msg, nil
		}

		select {
		case <-wakeup:
		case <-deadline.C:
			return nil, fmt.Errorf("no message on %s within %s",
				ref.Name(), timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func runPing(
	ctx context.Context,
	out io.Writer,
	logger *zap.Logger,
	c config.Config,
	target config.Peer,
	opts pingOptions,
) error {
	wakeup := newSignal()
	name := ports.MakeNodeName(naming.NewRandomGenerator().Generate())

	t, node := transport.MakeTCPBuilder().
		WithListenAddr("127.0.0.1:0").
		WithCodec(codec.MakeBuilder().
			WithCompressThreshold(c.CompressThreshold).
			Build()).
		WithLogger(logger).
		WithStatusHandler(wakeup.notify).
		Build(ports.MakeBuilder().WithLogger(logger), name)
	defer func() { _ = t.Close() }()

	if err := t.Listen(ctx); err != nil {
		return err
	}

	t.AddPeer(target.Name, target.Addr)

	ref, err := daemon.ConnectBootstrap(node, target.Name)
	if err != nil {
		return err
	}

	if opts.transfer {
		ref, err = transferPort(ctx, node, ref, wakeup, opts.timeout)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "pinging over transferred port %s\n", ref.Name())
	}

	fmt.Fprintf(out, "PING %s from %s, %d bytes\n", target, name, opts.size)

	var rtts []time.Duration

	for seq := 0; seq < opts.count; seq++ {
		rtt, err := pingOnce(ctx, node, ref, wakeup, seq, opts)
		if err != nil {
			fmt.Fprintf(out, "seq=%d: %v\n", seq, err)
			continue
		}

		rtts = append(rtts, rtt)
		fmt.Fprintf(out, "%d bytes from %s: seq=%d time=%s\n",
			opts.size, target.Name, seq, rtt)
	}

	printPingSummary(out, opts.count, rtts)

	if len(rtts) == 0 {
		return errors.New("no echo received")
	}

	return node.ClosePort(ref)
}

func pingOnce(
	ctx context.Context,
	node *ports.Node,
	ref ports.PortRef,
	wakeup signal,
	seq int,
	opts pingOptions,
) (time.Duration, error) {
	payload := make([]byte, opts.size)
	binary.BigEndian.PutUint64(payload, uint64(seq))

	start := time.Now()

	err := node.SendUserMessage(ref, ports.NewMessage(payload))
	if err != nil {
		return 0, err
	}

	for {
		msg, err := waitMessage(ctx, node, ref, wakeup, opts.timeout)
		if err != nil {
			return 0, err
		}

		if len(msg.Payload) >= 8 &&
			binary.BigEndian.Uint64(msg.Payload) == uint64(seq) {
			return time.Since(start), nil
		}
	}
}

// transferPort sends one end of a new port pair over the bootstrap port and
// returns the end that stays.
func transferPort(
	ctx context.Context,
	node *ports.Node,
	bootstrap ports.PortRef,
	wakeup signal,
	timeout time.Duration,
) (ports.PortRef, error) {
	local, remote, err := node.CreatePortPair()
	if err != nil {
		return ports.PortRef{}, err
	}

	msg := ports.NewMessage([]byte("port"), remote.Name())
	if err := node.SendUserMessage(bootstrap, msg); err != nil {
		return ports.PortRef{}, err
	}

	if _, err := waitMessage(ctx, node, bootstrap, wakeup, timeout); err != nil {
		return ports.PortRef{}, fmt.Errorf("waiting for transfer echo: %w", err)
	}

	return local, nil
}

func printPingSummary(out io.Writer, sent int, rtts []time.Duration) {
	fmt.Fprintf(out, "%d sent, %d received\n", sent, len(rtts))

	if len(rtts) == 0 {
		return
	}

	lowest, highest, total := rtts[0], rtts[0], time.Duration(0)
	for _, rtt := range rtts {
		lowest = min(lowest, rtt)
		highest = max(highest, rtt)
		total += rtt
	}

	fmt.Fprintf(out, "rtt min/avg/max = %s/%s/%s\n",
		lowest, total/time.Duration(len(rtts)), highest)
}
