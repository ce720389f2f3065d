package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/ports/datarecording"
	"github.com/sarchlab/ports/tracing"
)

var traceCmd = &cobra.Command{
	Use:   "trace <recording.sqlite3>",
	Short: "Print the port trace stored in a recording.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := traceOptions{}
		opts.node, _ = cmd.Flags().GetString("node")
		opts.port, _ = cmd.Flags().GetString("port")
		opts.limit, _ = cmd.Flags().GetInt("limit")
		opts.offset, _ = cmd.Flags().GetInt("offset")

		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = reader.Close() }()

		return printTrace(cmd.Context(), cmd.OutOrStdout(), reader, opts)
	},
}

type traceOptions struct {
	node   string
	port   string
	limit  int
	offset int
}

func init() {
	traceCmd.Flags().String("node", "", "only show events of this node")
	traceCmd.Flags().String("port", "", "only show events of this port")
	traceCmd.Flags().Int("limit", 0, "maximum number of rows, 0 for all")
	traceCmd.Flags().Int("offset", 0, "rows to skip, needs --limit")

	rootCmd.AddCommand(traceCmd)
}

func (o traceOptions) queryParams() datarecording.QueryParams {
	params := datarecording.QueryParams{
		Limit:   o.limit,
		Offset:  o.offset,
		OrderBy: "Time, rowid",
	}

	if o.node != "" {
		params = params.Match("Node", o.node)
	}

	if o.port != "" {
		params = params.Match("Port", o.port)
	}

	return params
}

func printTrace(
	ctx context.Context,
	out io.Writer,
	reader datarecording.DataReader,
	opts traceOptions,
) error {
	tracing.MapTables(reader)

	rows, total, err := reader.Query(ctx, tracing.TableName, opts.queryParams())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNODE\tPORT\tEVENT\tSEQ\tBYTES\tPORTS\tDETAIL")

	for _, row := range rows {
		e := row.(*tracing.MsgTraceEntry)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			time.Unix(0, e.Time).Format("15:04:05.000000"),
			e.Node, e.Port, e.Event, e.SequenceNum, e.Bytes, e.Ports, e.Detail)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d of %d events\n", len(rows), total)

	return nil
}
