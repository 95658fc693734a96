package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/types"
)

// SnapshotView is what a snapshot is taken from
type SnapshotView interface {
	Screenshot(ctx context.Context) ([]byte, error)
	PageHTML(ctx context.Context) (string, error)
}

// FileSnapshotter writes a PNG and a simplified HTML file per action under dir.
// The returned path is the PNG; the HTML sits next to it with a .html suffix.
type FileSnapshotter struct {
	dir     string
	session string
	log     *zap.Logger
}

// NewFileSnapshotter creates a snapshotter for one recording session
func NewFileSnapshotter(dir, session string, log *zap.Logger) *FileSnapshotter {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSnapshotter{dir: dir, session: session, log: log}
}

// Capture stores a snapshot for action. Failures are logged and yield "".
func (s *FileSnapshotter) Capture(ctx context.Context, view SnapshotView, action *types.RecordedAction) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dir := filepath.Join(s.dir, s.session)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.log.Warn("snapshot dir", zap.Error(err))
		return ""
	}

	png, err := view.Screenshot(ctx)
	if err != nil {
		s.log.Warn("snapshot screenshot failed", zap.Int("seq", action.Seq), zap.Error(err))
		return ""
	}

	base := filepath.Join(dir, fmt.Sprintf("%04d-%s-%d", action.Seq, action.Type, action.Timestamp))
	pngPath := base + ".png"
	if err := os.WriteFile(pngPath, png, 0644); err != nil {
		s.log.Warn("snapshot write failed", zap.String("path", pngPath), zap.Error(err))
		return ""
	}

	if raw, err := view.PageHTML(ctx); err == nil {
		if simplified, err := SimplifyHTML(raw); err == nil {
			if err := os.WriteFile(base+".html", []byte(simplified), 0644); err != nil {
				s.log.Debug("snapshot html write failed", zap.Error(err))
			}
		}
	}

	return pngPath
}

// RemoveSnapshot deletes the files belonging to a snapshot path
func RemoveSnapshot(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	html := path[:len(path)-len(filepath.Ext(path))] + ".html"
	if err := os.Remove(html); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
