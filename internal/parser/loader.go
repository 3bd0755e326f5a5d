package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// DefaultMaxBytes caps loaded documents.
const DefaultMaxBytes = 32 << 20

// Loader reads DocumentRefs from disk or over HTTP.
type Loader struct {
	client   *http.Client
	maxBytes int64
}

// NewLoader returns a Loader; a nil client gets a 30s-timeout default.
func NewLoader(client *http.Client, maxBytes int64) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Loader{client: client, maxBytes: maxBytes}
}

// Load reads the referenced document.
func (l *Loader) Load(ctx context.Context, ref types.DocumentRef) (Document, error) {
	switch {
	case ref.Path != "":
		return l.loadFile(ref)
	case ref.URL != "":
		return l.loadURL(ctx, ref)
	default:
		return Document{}, fmt.Errorf("document reference has no path or url")
	}
}

func (l *Loader) loadFile(ref types.DocumentRef) (Document, error) {
	info, err := os.Stat(ref.Path)
	if err != nil {
		return Document{}, fmt.Errorf("stat %s: %w", ref.Path, err)
	}
	if info.Size() > l.maxBytes {
		return Document{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, ref.Path, info.Size())
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", ref.Path, err)
	}
	name := ref.Name
	if name == "" {
		name = filepath.Base(ref.Path)
	}
	return Document{Name: name, Content: data}, nil
}

func (l *Loader) loadURL(ctx context.Context, ref types.DocumentRef) (Document, error) {
	u, err := url.Parse(ref.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Document{}, fmt.Errorf("invalid document url %q", ref.URL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Document{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("fetch %s: status %d", u.Redacted(), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", u.Redacted(), err)
	}
	if int64(len(data)) > l.maxBytes {
		return Document{}, fmt.Errorf("%w: %s", ErrTooLarge, u.Redacted())
	}

	name := ref.Name
	if name == "" {
		name = path.Base(u.Path)
		if name == "/" || name == "." {
			name = ""
		}
	}
	return Document{Name: name, Content: data}, nil
}
