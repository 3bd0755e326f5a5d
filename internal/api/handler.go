// Package api exposes task submission and status polling over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ChuLiYu/docflow/internal/parser"
	"github.com/ChuLiYu/docflow/internal/taskmanager"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// TaskService is the task manager surface the handlers need.
type TaskService interface {
	Submit(ctx context.Context, kind types.TaskKind, payload types.Payload) (types.TaskID, error)
	GetResult(ctx context.Context, id types.TaskID, includeResult bool) (*types.Task, error)
	Stats(ctx context.Context) (map[types.TaskKind]int64, error)
	Ping(ctx context.Context) error
}

type TaskHandler struct {
	tasks     TaskService
	uploadDir string
	logger    *slog.Logger
}

func NewTaskHandler(tasks TaskService, uploadDir string, logger *slog.Logger) *TaskHandler {
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{tasks: tasks, uploadDir: uploadDir, logger: logger}
}

type submitResponse struct {
	TaskID types.TaskID     `json:"task_id"`
	Status types.TaskStatus `json:"status"`
}

// ============================================================================
// Submission
// ============================================================================

// Parse accepts a multipart "file" (or a "url" form field).
func (h *TaskHandler) Parse(c *gin.Context) {
	strategy := types.ChunkStrategy(c.PostForm("chunk_strategy"))
	if !strategy.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown chunk_strategy %q", strategy)})
		return
	}
	docKind := types.DocumentKind(c.PostForm("document_kind"))
	if docKind != "" && !docKind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown document_kind %q", docKind)})
		return
	}

	var src types.DocumentRef
	if url := c.PostForm("url"); url != "" {
		src = types.DocumentRef{URL: url, Name: filepath.Base(url)}
	} else {
		ref, err := h.saveUpload(c, "file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		src = ref
	}

	infer, _ := strconv.ParseBool(c.DefaultPostForm("infer_kind", "true"))
	h.submit(c, types.KindParse, types.Payload{Parse: &types.ParsePayload{
		Source:        src,
		ChunkStrategy: strategy,
		DocumentKind:  docKind,
		InferKind:     infer && docKind == "",
	}})
}

var matchFields = []struct {
	field string
	kind  types.DocumentKind
}{
	{"invoice", types.DocInvoice},
	{"purchase_order", types.DocPurchaseOrder},
	{"goods_receipt", types.DocGoodsReceipt},
}

// Match accepts either three multipart files or a JSON MatchPayload.
func (h *TaskHandler) Match(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req types.MatchPayload
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		payload := types.Payload{Match: &req}
		// 只允許遠端來源；伺服器本機路徑不對外開放
		if err := payload.RemoteSourcesOnly(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := payload.Validate(types.KindMatch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.submit(c, types.KindMatch, payload)
		return
	}

	docs := make([]types.MatchDocument, 0, len(matchFields))
	for _, f := range matchFields {
		ref, err := h.saveUpload(c, f.field)
		if err != nil {
			removeTemporary(types.Payload{Match: &types.MatchPayload{Documents: docs}})
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		docs = append(docs, types.MatchDocument{Kind: f.kind, Source: &ref})
	}
	h.submit(c, types.KindMatch, types.Payload{Match: &types.MatchPayload{Documents: docs}})
}

type schemaRequest struct {
	Description string `json:"description" binding:"required"`
}

// Schema accepts a description plus an optional reference file.
func (h *TaskHandler) Schema(c *gin.Context) {
	payload := &types.SchemaPayload{}
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req schemaRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		payload.Description = req.Description
	} else {
		payload.Description = strings.TrimSpace(c.PostForm("description"))
		if payload.Description == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "description is required"})
			return
		}
		if _, err := c.FormFile("file"); err == nil {
			ref, err := h.saveUpload(c, "file")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			payload.Source = &ref
		}
	}
	h.submit(c, types.KindSchema, types.Payload{Schema: payload})
}

type agentRequest struct {
	Instruction string `json:"instruction" binding:"required"`
	URL         string `json:"url"`
}

// Agent accepts a free-form instruction plus an optional document (file
// upload or url). With no document it is a plain query.
func (h *TaskHandler) Agent(c *gin.Context) {
	payload := &types.AgentPayload{}
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req agentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		payload.Instruction = strings.TrimSpace(req.Instruction)
		if req.URL != "" {
			payload.Source = &types.DocumentRef{URL: req.URL, Name: filepath.Base(req.URL)}
		}
	} else {
		payload.Instruction = strings.TrimSpace(c.PostForm("instruction"))
		if _, err := c.FormFile("file"); err == nil {
			ref, err := h.saveUpload(c, "file")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			payload.Source = &ref
		} else if u := c.PostForm("url"); u != "" {
			payload.Source = &types.DocumentRef{URL: u, Name: filepath.Base(u)}
		}
	}

	p := types.Payload{Agent: payload}
	if err := p.Validate(types.KindAgent); err != nil {
		removeTemporary(p)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.submit(c, types.KindAgent, p)
}

func (h *TaskHandler) submit(c *gin.Context, kind types.TaskKind, payload types.Payload) {
	id, err := h.tasks.Submit(c.Request.Context(), kind, payload)
	if err != nil {
		removeTemporary(payload)
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{TaskID: id, Status: types.StatusQueued})
}

// ============================================================================
// Polling
// ============================================================================

func (h *TaskHandler) GetTask(c *gin.Context) {
	include, _ := strconv.ParseBool(c.DefaultQuery("include_result", "true"))
	task, err := h.tasks.GetResult(c.Request.Context(), types.TaskID(c.Param("id")), include)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) Stats(c *gin.Context) {
	stats, err := h.tasks.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

func (h *TaskHandler) Health(c *gin.Context) {
	if err := h.tasks.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *TaskHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, taskmanager.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, taskmanager.ErrStoreUnavailable):
		h.logger.Warn("store unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task store unavailable, retry later"})
	case errors.Is(err, taskmanager.ErrUnknownKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ============================================================================
// Uploads
// ============================================================================

// saveUpload stores a multipart file under a fresh name; the worker removes
// it once the task is terminal.
func (h *TaskHandler) saveUpload(c *gin.Context, field string) (types.DocumentRef, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return types.DocumentRef{}, fmt.Errorf("%s: file is required", field)
	}
	if !parser.Supported(fh.Filename) {
		return types.DocumentRef{}, fmt.Errorf("%s: %w: %s", field, parser.ErrUnsupportedFormat, filepath.Ext(fh.Filename))
	}
	dst := filepath.Join(h.uploadDir, "docflow-"+uuid.NewString()+strings.ToLower(filepath.Ext(fh.Filename)))
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		return types.DocumentRef{}, fmt.Errorf("save upload: %w", err)
	}
	return types.DocumentRef{Path: dst, Name: filepath.Base(fh.Filename), Temporary: true}, nil
}

func removeTemporary(p types.Payload) {
	for _, ref := range p.Sources() {
		if ref.Temporary && ref.Path != "" {
			_ = os.Remove(ref.Path)
		}
	}
}
