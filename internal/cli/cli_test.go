package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/docflow/internal/config"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/internal/store"
	"github.com/ChuLiYu/docflow/internal/taskmanager"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const invoiceDoc = `INVOICE

Invoice Number: INV-1001
PO Number: PO-77
Vendor: Acme Supplies
Bill To: Globex Corp

| Description | Qty | Unit Price | Amount |
|---|---|---|---|
| Widget | 10 | 5.00 | 50.00 |

Total: $50.00
`

const poDoc = `PURCHASE ORDER

PO Number: PO-77
Supplier: Acme Supplies
Buyer: Globex Corp

| Description | Qty | Unit Price | Amount |
|---|---|---|---|
| Widget | 10 | 5.00 | 50.00 |

Total: $50.00
`

const grnDoc = `GOODS RECEIPT NOTE

GRN Number: GRN-9
PO Number: PO-77
Supplier: Acme Supplies
Ship To: Globex Corp

| Description | Qty Ordered | Qty Received |
|---|---|---|
| Widget | 10 | 10 |
`

// writeTestConfig 建立關閉 metrics 的設定檔，避免重複註冊 Prometheus 指標
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docflow.yaml")
	content := "metrics:\n  enabled: false\nlog:\n  level: error\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "docflow", cmd.Use, "Root command should be 'docflow'")
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"serve", "api", "worker", "watch", "submit", "status", "history", "match"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue, "Config file is optional")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit", cmd.Use)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"), "Should have --addr flag")

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, "%s RunE should be set", c.Name())
	}
	assert.Equal(t, map[string]bool{"parse": true, "match": true, "schema": true, "agent": true}, names)
}

func TestMatchCommand_Local(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, "")
	xlsx := filepath.Join(dir, "report.xlsx")

	out, err := run(t, "-c", cfg, "match",
		writeDoc(t, dir, "inv.md", invoiceDoc),
		writeDoc(t, dir, "po.md", poDoc),
		writeDoc(t, dir, "grn.md", grnDoc),
		"--xlsx", xlsx)
	require.NoError(t, err)

	var report types.MatchReport
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, types.MatchComplete, report.Status)
	assert.Equal(t, 100.0, report.MatchPercentage)
	assert.Empty(t, report.GRNDiscrepancies)

	f, err := excelize.OpenFile(xlsx)
	require.NoError(t, err, "xlsx report should be written")
	defer f.Close()
	assert.Contains(t, f.GetSheetList(), "Summary")
}

func TestMatchCommand_MissingFile(t *testing.T) {
	cfg := writeTestConfig(t, "")
	_, err := run(t, "-c", cfg, "match", "/nonexistent/a.txt", "/nonexistent/b.txt", "/nonexistent/c.txt")
	assert.Error(t, err)
}

func TestStatusCommand_Local(t *testing.T) {
	cfg := writeTestConfig(t, "")

	out, err := run(t, "-c", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUE")
	assert.Contains(t, out, "parse")

	_, err = run(t, "-c", cfg, "status", "no-such-task")
	assert.ErrorIs(t, err, taskmanager.ErrTaskNotFound)
}

func TestHistoryCommand(t *testing.T) {
	_, err := run(t, "-c", writeTestConfig(t, ""), "history")
	assert.ErrorContains(t, err, "audit.backend")

	auditDir := t.TempDir()
	cfg := writeTestConfig(t, "audit:\n  backend: file\n  path: "+auditDir+"\n")
	out, err := run(t, "-c", cfg, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "TASK")
}

func TestSubmitCommand_Remote(t *testing.T) {
	tm := taskmanager.New(store.NewMemoryStore())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := grpc.NewServer()
	server.NewServer(tm, nil).Register(g)
	go func() { _ = g.Serve(lis) }()
	defer g.Stop()

	dir := t.TempDir()
	doc := writeDoc(t, dir, "inv.txt", invoiceDoc)
	const docURL = "https://files.example.com/inv.txt"

	_, err = run(t, "submit", "parse", doc, "--addr", lis.Addr().String())
	assert.ErrorIs(t, err, types.ErrLocalSource, "local paths are not sent to a remote node")

	out, err := run(t, "submit", "parse", docURL, "--chunk", "sentence", "--addr", lis.Addr().String())
	require.NoError(t, err)
	id := types.TaskID(strings.TrimSpace(out))
	require.NotEmpty(t, id)

	task, err := tm.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, task.Status)
	assert.Equal(t, docURL, task.Payload.Parse.Source.URL)
	assert.Empty(t, task.Payload.Parse.Source.Path)
	assert.False(t, task.Payload.Parse.Source.Temporary)
	assert.True(t, task.Payload.Parse.InferKind)

	out, err = run(t, "submit", "match", docURL, docURL, docURL, "--addr", lis.Addr().String())
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	out, err = run(t, "submit", "agent", "summarise the invoice", "-f", docURL, "--addr", lis.Addr().String())
	require.NoError(t, err)
	agentTask, err := tm.GetStatus(context.Background(), types.TaskID(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, types.KindAgent, agentTask.Kind)
	assert.Equal(t, "summarise the invoice", agentTask.Payload.Agent.Instruction)

	_, err = run(t, "submit", "agent", " ", "--addr", lis.Addr().String())
	assert.Error(t, err, "agent needs an instruction")

	_, err = run(t, "submit", "schema", "--addr", lis.Addr().String())
	assert.Error(t, err, "schema needs a description or a file")

	_, err = run(t, "status", "--addr", lis.Addr().String())
	assert.Error(t, err, "queue depths are local only")

	out, err = run(t, "status", string(id), "--addr", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "queued"`)
}

func TestDocumentRef(t *testing.T) {
	ref, err := documentRef("https://example.com/files/po.csv")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/files/po.csv", ref.URL)
	assert.Equal(t, "po.csv", ref.Name)

	_, err = documentRef(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "taskID", "t-1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"taskID":"t-1"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestRuntimeRegistry(t *testing.T) {
	rt, err := newRuntime(writeTestConfig(t, ""))
	require.NoError(t, err)
	defer rt.Close()

	reg, err := rt.registry()
	require.NoError(t, err)
	assert.Equal(t, []types.TaskKind{types.KindAgent, types.KindMatch, types.KindParse, types.KindSchema}, reg.Kinds())

	pool, err := rt.newPool()
	require.NoError(t, err)
	assert.False(t, pool.IsStarted())
}
