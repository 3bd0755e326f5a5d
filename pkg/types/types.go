// Package types 定義了 docflow 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
)

// TaskID 任務唯一識別碼 (uuid v4)
type TaskID string

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusQueued     TaskStatus = "queued"     // 已入隊，等待 worker 取出
	StatusProcessing TaskStatus = "processing" // 某個 worker 正在執行
	StatusCompleted  TaskStatus = "completed"  // 成功，Result 已寫入
	StatusFailed     TaskStatus = "failed"     // 失敗，Error 已寫入
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions is the complete lifecycle: queued -> processing -> {completed | failed}.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskKind 任務種類，決定 payload/result 的形狀與 worker 佇列
type TaskKind string

const (
	KindParse  TaskKind = "parse"
	KindMatch  TaskKind = "match"
	KindSchema TaskKind = "schema"
	KindAgent  TaskKind = "agent"
)

// AllKinds lists every kind in queue-scan order.
var AllKinds = []TaskKind{KindParse, KindMatch, KindSchema, KindAgent}

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Task 任務結構，代表系統中的一個非同步工作單元
type Task struct {
	// 識別與資料
	ID      TaskID   `json:"id"`
	Kind    TaskKind `json:"kind"`
	Payload Payload  `json:"payload"`

	// 狀態追蹤
	Status TaskStatus `json:"status"`
	Result *Result    `json:"result,omitempty"` // 只在 completed 時存在
	Error  *TaskError `json:"error,omitempty"`  // 只在 failed 時存在

	// 時間管理（Unix 毫秒時間戳）
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	// 執行資訊
	WorkerID string `json:"worker_id,omitempty"`
}

// Payload is a tagged union keyed by the task kind; exactly the member
// matching Task.Kind is set.
type Payload struct {
	Parse  *ParsePayload  `json:"parse,omitempty"`
	Match  *MatchPayload  `json:"match,omitempty"`
	Schema *SchemaPayload `json:"schema,omitempty"`
	Agent  *AgentPayload  `json:"agent,omitempty"`
}

// Result mirrors Payload for task outputs.
type Result struct {
	Parse  *ParseResult  `json:"parse,omitempty"`
	Match  *MatchReport  `json:"match,omitempty"`
	Schema *SchemaResult `json:"schema,omitempty"`
	Agent  *AgentResult  `json:"agent,omitempty"`
}

// DocumentRef points at an input document. Temporary inputs (uploads)
// are removed by the pipeline once the owning task is terminal.
type DocumentRef struct {
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

// Location returns the path or URL, whichever is set.
func (r DocumentRef) Location() string {
	if r.Path != "" {
		return r.Path
	}
	return r.URL
}

// ChunkStrategy selects how parsed text is split into elements.
type ChunkStrategy string

const (
	ChunkNone      ChunkStrategy = ""
	ChunkSentence  ChunkStrategy = "sentence"
	ChunkParagraph ChunkStrategy = "paragraph"
	ChunkFixed     ChunkStrategy = "fixed"
)

// Valid reports whether the strategy is known. The empty strategy keeps parser output as-is.
func (c ChunkStrategy) Valid() bool {
	switch c {
	case ChunkNone, ChunkSentence, ChunkParagraph, ChunkFixed:
		return true
	}
	return false
}

type ParsePayload struct {
	Source        DocumentRef   `json:"source"`
	ChunkStrategy ChunkStrategy `json:"chunk_strategy,omitempty"`
	DocumentKind  DocumentKind  `json:"document_kind,omitempty"` // 指定時直接抽取欄位
	InferKind     bool          `json:"infer_kind,omitempty"`    // 未指定種類時自動判斷
}

type ParseResult struct {
	Elements []Element        `json:"elements"`
	Record   *ExtractedRecord `json:"record,omitempty"`
}

// MatchDocument is one side of a three-way match: either an already
// extracted record or a source that is parsed and extracted first.
type MatchDocument struct {
	Kind   DocumentKind     `json:"kind"`
	Source *DocumentRef     `json:"source,omitempty"`
	Record *ExtractedRecord `json:"record,omitempty"`
}

type MatchPayload struct {
	Documents []MatchDocument `json:"documents"`
}

type SchemaPayload struct {
	Description string       `json:"description"`
	Source      *DocumentRef `json:"source,omitempty"`
}

type SchemaResult struct {
	Schema map[string]any `json:"schema"`
}

// AgentPayload is a free-form instruction for the LLM, optionally grounded
// on a document. Without a source it is a plain query.
type AgentPayload struct {
	Instruction string       `json:"instruction"`
	Source      *DocumentRef `json:"source,omitempty"`
}

// AgentResult holds the model's answer. Data is set when the answer is a
// JSON value.
type AgentResult struct {
	Response string `json:"response"`
	Data     any    `json:"data,omitempty"`
}

// Validate checks that the payload member for kind is present and well formed.
func (p Payload) Validate(kind TaskKind) error {
	switch kind {
	case KindParse:
		if p.Parse == nil {
			return fmt.Errorf("parse payload missing")
		}
		if p.Parse.Source.Location() == "" {
			return fmt.Errorf("parse payload has no source")
		}
		if !p.Parse.ChunkStrategy.Valid() {
			return fmt.Errorf("unknown chunk strategy %q", p.Parse.ChunkStrategy)
		}
		if p.Parse.DocumentKind != "" && !p.Parse.DocumentKind.Valid() {
			return fmt.Errorf("unknown document kind %q", p.Parse.DocumentKind)
		}
	case KindMatch:
		if p.Match == nil {
			return fmt.Errorf("match payload missing")
		}
		if len(p.Match.Documents) != 3 {
			return fmt.Errorf("match needs 3 documents, got %d", len(p.Match.Documents))
		}
		seen := make(map[DocumentKind]bool, 3)
		for i, d := range p.Match.Documents {
			if !d.Kind.Valid() {
				return fmt.Errorf("document %d: unknown kind %q", i, d.Kind)
			}
			if seen[d.Kind] {
				return fmt.Errorf("document %d: duplicate kind %q", i, d.Kind)
			}
			seen[d.Kind] = true
			if d.Record == nil && (d.Source == nil || d.Source.Location() == "") {
				return fmt.Errorf("document %d: needs a record or a source", i)
			}
		}
	case KindSchema:
		if p.Schema == nil {
			return fmt.Errorf("schema payload missing")
		}
		if p.Schema.Description == "" && (p.Schema.Source == nil || p.Schema.Source.Location() == "") {
			return fmt.Errorf("schema payload needs a description or a source")
		}
	case KindAgent:
		if p.Agent == nil {
			return fmt.Errorf("agent payload missing")
		}
		if strings.TrimSpace(p.Agent.Instruction) == "" {
			return fmt.Errorf("agent payload needs an instruction")
		}
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	return nil
}

// Sources lists every document reference carried by the payload.
func (p Payload) Sources() []DocumentRef {
	var refs []DocumentRef
	if p.Parse != nil {
		refs = append(refs, p.Parse.Source)
	}
	if p.Match != nil {
		for _, d := range p.Match.Documents {
			if d.Source != nil {
				refs = append(refs, *d.Source)
			}
		}
	}
	if p.Schema != nil && p.Schema.Source != nil {
		refs = append(refs, *p.Schema.Source)
	}
	if p.Agent != nil && p.Agent.Source != nil {
		refs = append(refs, *p.Agent.Source)
	}
	return refs
}

// ErrLocalSource rejects a network submission naming a server-local file.
var ErrLocalSource = errors.New("only url sources are accepted")

// RemoteSourcesOnly fails when any source is a server-local path or is
// marked temporary. Network submitters must pass it before enqueueing.
func (p Payload) RemoteSourcesOnly() error {
	for _, ref := range p.Sources() {
		if ref.Path != "" || ref.Temporary {
			return fmt.Errorf("source %q: %w", ref.Location(), ErrLocalSource)
		}
	}
	return nil
}

// Failure codes carried by TaskError.
const (
	CodeMalformedPayload = "malformed_payload"
	CodeUnsupportedKind  = "unsupported_kind"
	CodeParseFailed      = "parse_failed"
	CodeLLMFailed        = "llm_failed"
	CodeExtractionFailed = "extraction_failed"
	CodeInvalidSchema    = "invalid_schema"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal_error"
)

// TaskError is the error stored on a failed task. Handlers return it to
// choose the failure code.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	return e.Code + ": " + e.Message
}

// NewTaskError builds a TaskError from an underlying error.
func NewTaskError(code string, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{Code: code, Message: msg}
}
