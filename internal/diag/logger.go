// Package diag 提供最小可观测性：单行 JSON 日志（按大小轮转）、错误分类、
// 进程内计数器与终端进度提示。
package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cohortconv/pkg/contract"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel 解析级别字符串；未知值按 info 处理。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// NewRunID 返回新的运行标识（UUID v4），同时作为日志关联 ID。
func NewRunID() string { return uuid.New().String() }

// lineSink: 接收一行已编码事件（不含换行）。
type lineSink interface {
	WriteLine(b []byte) error
}

type writerSink struct{ w io.Writer }

func (s writerSink) WriteLine(b []byte) error {
	_, err := s.w.Write(append(b, '\n'))
	return err
}

// Logger 为最小结构化日志器：单行 JSON 写入轮转文件；失败回退 stderr。
type Logger struct {
	corrID string
	level  Level
	sink   lineSink
	closer io.Closer
	file   *RotatingFile
	mu     sync.Mutex
}

// NewLogger 在 dir 下写日志（<name>.txt，10 MiB 轮转），name 通常取 LogName(输出根)。
// corrID 为空时生成新的 UUID；dir 为空时写 stderr。
func NewLogger(corrID, level, dir, name string) *Logger {
	if corrID == "" {
		corrID = NewRunID()
	}
	l := &Logger{corrID: corrID, level: ParseLevel(level)}
	if strings.TrimSpace(dir) != "" {
		rf := NewRotatingFile(dir, name, 10*1024*1024)
		l.sink, l.closer, l.file = rf, rf, rf
	}
	return l
}

// NewLoggerTo 将日志写入 w（测试与管道场景）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if corrID == "" {
		corrID = NewRunID()
	}
	return &Logger{corrID: corrID, level: ParseLevel(level), sink: writerSink{w: w}}
}

// Nop 返回丢弃全部事件的日志器。
func Nop() *Logger { return &Logger{level: Error + 1} }

// CorrID 返回关联 ID（即运行标识）。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Persist 把当前日志文件快照原子写入 w 的输出根，返回目标路径。
// 未写文件日志，或日志目录即输出根时，不做任何事并返回空路径。
func (l *Logger) Persist(ctx context.Context, w contract.Writer) (string, error) {
	if l == nil || l.file == nil || w == nil {
		return "", nil
	}
	if filepath.Clean(l.file.dir) == filepath.Clean(w.Root()) {
		return "", nil
	}
	var buf bytes.Buffer
	if _, err := l.file.CopyTo(&buf); err != nil {
		return "", fmt.Errorf("snapshot log: %w", err)
	}
	id := filepath.Base(l.file.Path())
	if err := w.Write(ctx, contract.ArtifactID(id), &buf); err != nil {
		return "", fmt.Errorf("persist log: %w", err)
	}
	return filepath.Join(w.Root(), id), nil
}

// Close 关闭底层文件。
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Event 为标准事件结构。
type Event struct {
	Level   string            `json:"level"`
	TS      string            `json:"ts"`
	CorrID  string            `json:"corr_id"`
	Comp    string            `json:"comp"`
	Stage   string            `json:"stage"` // start|finish|error|skip
	Code    string            `json:"code,omitempty"`
	DurMS   int64             `json:"dur_ms,omitempty"`
	Count   int64             `json:"count,omitempty"`
	CaseID  string            `json:"case_id,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Msg     string            `json:"msg"`
	KV      map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWithKV 记录带 case_id/subject 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, caseID, subject string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", CaseID: caseID, Subject: subject, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, caseID: caseID, subject: subject, t0: time.Now()}
}

// Debug 输出调试事件（仅在 level=debug 时生效）。
func (l *Logger) Debug(comp, msg, caseID, subject string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", CaseID: caseID, Subject: subject, Msg: msg, KV: kv})
}

// Skip 以 warn 级别记录被跳过的受试者（例如校验排除、缺失预测）。
func (l *Logger) Skip(comp, code, msg, subject string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "skip", Code: code, Subject: subject, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWithKV 支持 case_id/subject 与附加键值。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, caseID, subject string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, CaseID: caseID, Subject: subject, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l       *Logger
	comp    string
	caseID  string
	subject string
	t0      time.Time
}

// Since 返回计时起点，便于 Error 计算耗时。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, "finish", dur)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, CaseID: t.caseID, Subject: t.subject, Msg: msg})
}
