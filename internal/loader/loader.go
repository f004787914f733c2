package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

// Unit is one logical block of extracted text: a PDF page, a slide, a sheet
// or a whole document for flat formats.
type Unit struct {
	Text     string
	Metadata map[string]interface{}
}

type Loader interface {
	Load(ctx context.Context, data []byte, filename string) ([]Unit, error)
}

type entry struct {
	loader    Loader
	mimeRoots []string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]entry{}
)

// Register binds a loader to a file extension. The content of a file is
// accepted only if its detected MIME type is, or descends from, one of
// mimeRoots.
func Register(ext string, l Loader, mimeRoots ...string) {
	key := normalizeExt(ext)
	if key == "" || l == nil {
		return
	}
	registryMu.Lock()
	registry[key] = entry{loader: l, mimeRoots: mimeRoots}
	registryMu.Unlock()
}

func Supported(filename string) bool {
	_, ok := lookup(filename)
	return ok
}

func Extensions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for ext := range registry {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Load extracts text units from data. It never returns a partial result:
// either every unit is extracted or the call fails.
func Load(ctx context.Context, data []byte, filename string) ([]Unit, error) {
	e, ok := lookup(filename)
	if !ok {
		return nil, fmt.Errorf("%w: %s", appErr.ErrUnsupportedFormat, filename)
	}
	if len(data) > 0 && len(e.mimeRoots) > 0 {
		mt := mimetype.Detect(data)
		if !matchMime(mt, e.mimeRoots) {
			return nil, appErr.NewParseError(filename, fmt.Errorf("content type %s does not match extension %s", mt.String(), filepath.Ext(filename)))
		}
	}
	units, err := e.loader.Load(ctx, data, filename)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var perr *appErr.ParseError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, appErr.NewParseError(filename, err)
	}
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		if strings.TrimSpace(u.Text) == "" {
			continue
		}
		meta := model.CloneMetadata(u.Metadata)
		meta[model.MetaSource] = filepath.Base(filename)
		out = append(out, Unit{Text: u.Text, Metadata: meta})
	}
	logutil.GetLogger(ctx).Debug("document loaded",
		zap.String("filename", filename),
		zap.Int("size", len(data)),
		zap.Int("units", len(out)),
	)
	return out, nil
}

func lookup(filename string) (entry, bool) {
	key := normalizeExt(filepath.Ext(filename))
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := registry[key]
	return e, ok
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func matchMime(mt *mimetype.MIME, roots []string) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, root := range roots {
			if m.Is(root) {
				return true
			}
		}
	}
	return false
}

func collapseWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
