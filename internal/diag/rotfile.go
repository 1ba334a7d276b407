package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultLogName: 无输出根时的日志基名。
const DefaultLogName = "cohortconv"

// LogName 由阶段输出根得到日志基名 "<目录名>_log"，
// 同一输出根的多次运行追加到同一文件，便于与输出一起归档。
func LogName(outRoot string) string {
	outRoot = strings.TrimSpace(outRoot)
	if outRoot == "" {
		return DefaultLogName
	}
	base := filepath.Base(filepath.Clean(outRoot))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return DefaultLogName
	}
	return base + "_log"
}

// RotatingFile 将日志行追加到 <dir>/<name>.txt。
// 超过 maxBytes 时改名为 <name>-<时间戳>.txt，再重新创建。
type RotatingFile struct {
	dir      string
	name     string
	maxBytes int64
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

// NewRotatingFile 延迟到首次写入时创建目录与文件。name 为空时用 DefaultLogName。
func NewRotatingFile(dir, name string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultLogName
	}
	return &RotatingFile{dir: dir, name: name, maxBytes: maxBytes}
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return err
	}
	if w.curSize+int64(len(b)+1) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	_ = w.f.Close()
	w.f = nil
	// 纳秒时间戳：同秒内多次轮转不互相覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", w.name, ts))
	if err := os.Rename(w.Path(), rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	return w.ensureOpen()
}

// Path 返回当前日志文件路径。
func (w *RotatingFile) Path() string { return filepath.Join(w.dir, w.name+".txt") }

// CopyTo 在写锁内把当前日志文件完整复制到 dst（文件尚未创建时不写任何内容）。
func (w *RotatingFile) CopyTo(dst io.Writer) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.Open(w.Path())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
