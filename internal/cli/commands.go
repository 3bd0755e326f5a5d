package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/docflow/internal/report"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const clientTimeout = 10 * time.Second

type submitter interface {
	Submit(ctx context.Context, kind types.TaskKind, payload types.Payload) (types.TaskID, error)
}

// withSubmitter runs fn against a remote node when addr is set, otherwise
// against the configured shared store.
func withSubmitter(addr string, fn func(ctx context.Context, s submitter) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	if addr != "" {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		defer conn.Close()
		return fn(ctx, server.NewClient(conn))
	}

	rt, err := newRuntime(configFile)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.tasks)
}

// documentRef turns a CLI argument into a DocumentRef. Local paths are made
// absolute so workers in other processes can read them.
func documentRef(arg string) (types.DocumentRef, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return types.DocumentRef{URL: arg, Name: filepath.Base(arg)}, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return types.DocumentRef{}, err
	}
	if _, err := os.Stat(abs); err != nil {
		return types.DocumentRef{}, fmt.Errorf("document %s: %w", arg, err)
	}
	return types.DocumentRef{Path: abs, Name: filepath.Base(abs)}, nil
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a parse, match, schema or agent task",
		Long:  "Enqueue a task and print its id. Use --addr to submit through a running api node over gRPC.",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "gRPC address of an api node (e.g. localhost:9091)")

	var chunk, kind string
	parseCmd := &cobra.Command{
		Use:   "parse FILE|URL",
		Short: "Parse a document into elements and extracted fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := documentRef(args[0])
			if err != nil {
				return err
			}
			payload := types.Payload{Parse: &types.ParsePayload{
				Source:        ref,
				ChunkStrategy: types.ChunkStrategy(chunk),
				DocumentKind:  types.DocumentKind(kind),
				InferKind:     kind == "",
			}}
			if err := payload.Validate(types.KindParse); err != nil {
				return err
			}
			return submitAndPrint(cmd.OutOrStdout(), addr, types.KindParse, payload)
		},
	}
	parseCmd.Flags().StringVar(&chunk, "chunk", "", "chunk strategy: sentence, paragraph or fixed")
	parseCmd.Flags().StringVar(&kind, "kind", "", "document kind: invoice, purchase_order or goods_receipt (default: infer)")

	matchCmd := &cobra.Command{
		Use:   "match INVOICE PURCHASE_ORDER GOODS_RECEIPT",
		Short: "Three-way match an invoice against its purchase order and goods receipt",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := matchPayload(args)
			if err != nil {
				return err
			}
			return submitAndPrint(cmd.OutOrStdout(), addr, types.KindMatch, payload)
		},
	}

	var description, file string
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Generate a JSON Schema from a description and optional sample document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sp := &types.SchemaPayload{Description: description}
			if file != "" {
				ref, err := documentRef(file)
				if err != nil {
					return err
				}
				sp.Source = &ref
			}
			payload := types.Payload{Schema: sp}
			if err := payload.Validate(types.KindSchema); err != nil {
				return err
			}
			return submitAndPrint(cmd.OutOrStdout(), addr, types.KindSchema, payload)
		},
	}
	schemaCmd.Flags().StringVarP(&description, "description", "d", "", "what the schema should describe")
	schemaCmd.Flags().StringVarP(&file, "file", "f", "", "sample document")

	var agentFile string
	agentCmd := &cobra.Command{
		Use:   "agent INSTRUCTION",
		Short: "Run a free-form LLM instruction, optionally over a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap := &types.AgentPayload{Instruction: args[0]}
			if agentFile != "" {
				ref, err := documentRef(agentFile)
				if err != nil {
					return err
				}
				ap.Source = &ref
			}
			payload := types.Payload{Agent: ap}
			if err := payload.Validate(types.KindAgent); err != nil {
				return err
			}
			return submitAndPrint(cmd.OutOrStdout(), addr, types.KindAgent, payload)
		},
	}
	agentCmd.Flags().StringVarP(&agentFile, "file", "f", "", "document the instruction refers to")

	cmd.AddCommand(parseCmd, matchCmd, schemaCmd, agentCmd)
	return cmd
}

func matchPayload(args []string) (types.Payload, error) {
	kinds := []types.DocumentKind{types.DocInvoice, types.DocPurchaseOrder, types.DocGoodsReceipt}
	docs := make([]types.MatchDocument, len(kinds))
	for i, kind := range kinds {
		ref, err := documentRef(args[i])
		if err != nil {
			return types.Payload{}, err
		}
		docs[i] = types.MatchDocument{Kind: kind, Source: &ref}
	}
	return types.Payload{Match: &types.MatchPayload{Documents: docs}}, nil
}

func submitAndPrint(out io.Writer, addr string, kind types.TaskKind, payload types.Payload) error {
	if addr != "" {
		if err := payload.RemoteSourcesOnly(); err != nil {
			return fmt.Errorf("%w (local files need direct store access; drop --addr)", err)
		}
	}
	return withSubmitter(addr, func(ctx context.Context, s submitter) error {
		id, err := s.Submit(ctx, kind, payload)
		if err != nil {
			return fmt.Errorf("failed to submit %s task: %w", kind, err)
		}
		fmt.Fprintln(out, id)
		return nil
	})
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var withResult bool
	cmd := &cobra.Command{
		Use:   "status [TASK_ID]",
		Short: "Show a task's status, or queue depths when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
			defer cancel()

			if addr != "" {
				if len(args) == 0 {
					return errors.New("queue depths need direct store access; drop --addr")
				}
				conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
				if err != nil {
					return fmt.Errorf("failed to connect to %s: %w", addr, err)
				}
				defer conn.Close()
				task, err := server.NewClient(conn).GetStatus(ctx, types.TaskID(args[0]), withResult)
				if err != nil {
					return err
				}
				return printJSON(out, task)
			}

			rt, err := newRuntime(configFile)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 0 {
				stats, err := rt.tasks.Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(out, stats)
			}
			task, err := rt.tasks.GetResult(ctx, types.TaskID(args[0]), withResult)
			if err != nil {
				return err
			}
			return printJSON(out, task)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of an api node")
	cmd.Flags().BoolVar(&withResult, "result", true, "include the task result")
	return cmd
}

func printStats(out io.Writer, stats map[types.TaskKind]int64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tWAITING")
	for _, kind := range types.AllKinds {
		fmt.Fprintf(tw, "%s\t%d\n", kind, stats[kind])
	}
	return tw.Flush()
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [TASK_ID]",
		Short: "Read archived task outcomes from the audit log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(configFile)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.audit == nil {
				return errors.New("audit.backend is not configured")
			}
			ctx := context.Background()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				entry, err := rt.audit.Get(ctx, types.TaskID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(out, entry)
			}

			entries, err := rt.audit.Recent(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tKIND\tSTATUS\tCODE\tELAPSED\tFINISHED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.TaskID, e.Kind, e.Status, e.Code,
					time.Duration(e.ElapsedMs)*time.Millisecond,
					time.UnixMilli(e.UpdatedAt).Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

// ============================================================================
// match (synchronous)
// ============================================================================

func buildMatchCommand() *cobra.Command {
	var xlsxPath string
	cmd := &cobra.Command{
		Use:   "match INVOICE PURCHASE_ORDER GOODS_RECEIPT",
		Short: "Run a three-way match locally and print the report",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := matchPayload(args)
			if err != nil {
				return err
			}
			rt, err := newRuntime(configFile)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Worker.TaskTimeout)
			defer cancel()
			task := &types.Task{ID: "local", Kind: types.KindMatch, Payload: payload, Status: types.StatusProcessing}
			res, err := rt.pipeline.Match(ctx, task)
			if err != nil {
				return err
			}

			if xlsxPath != "" {
				if err := writeReport(xlsxPath, *res.Match); err != nil {
					return err
				}
				rt.logger.Info("report written", "path", xlsxPath)
			}
			return printJSON(cmd.OutOrStdout(), res.Match)
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also write the report as an Excel workbook")
	return cmd
}

func writeReport(path string, r types.MatchReport) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.Write(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
