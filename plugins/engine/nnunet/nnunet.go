// Package nnunet 以子进程方式调用外部推理命令（nnUNet_predict）。
//
// 设备与模型目录只从 InferenceRequest 显式获取，并仅注入子进程环境
// （CUDA_VISIBLE_DEVICES / RESULTS_FOLDER），不读取也不修改本进程环境。
package nnunet

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"cohortconv/pkg/contract"
)

const (
	model   = "3d_fullres"
	folds   = "all"
	trainer = "nnUNetTrainerV2__nnUNetPlansv2.1"
	// checkpoint: 模型就绪的判据文件。
	checkpoint = "model_final_checkpoint.model"
)

// Options: 最小必需配置。
type Options struct {
	// Command: 推理命令，默认 nnUNet_predict（需在 PATH 中）。
	Command string `json:"command"`
	// ExtraArgs: 追加到标准参数之后的额外参数。
	ExtraArgs []string `json:"extra_args,omitempty"`
	// Download: 模型缺失时是否按 ModelURL 下载并解压到模型目录。默认 true。
	Download *bool `json:"download,omitempty"`
	// DownloadTimeoutSeconds: 下载超时（秒），默认 1800。
	DownloadTimeoutSeconds int `json:"download_timeout_seconds,omitempty"`
	// LogPath: 子进程 stdout/stderr 追加写入的文件（可选，默认丢弃 stdout，stderr 保留尾部用于报错）。
	LogPath string `json:"log_path,omitempty"`
}

// Engine 实现 contract.Engine。
type Engine struct {
	command  string
	extra    []string
	download bool
	logPath  string
	// 测试注入点
	do func(*http.Request) (*http.Response, error)
}

// New 创建引擎；opts 可为 nil（全部采用默认值）。
func New(opts *Options) *Engine {
	var o Options
	if opts != nil {
		o = *opts
	}
	if strings.TrimSpace(o.Command) == "" {
		o.Command = "nnUNet_predict"
	}
	if o.DownloadTimeoutSeconds <= 0 {
		o.DownloadTimeoutSeconds = 1800
	}
	dl := true
	if o.Download != nil {
		dl = *o.Download
	}
	hc := &http.Client{Timeout: time.Duration(o.DownloadTimeoutSeconds) * time.Second}
	return &Engine{command: o.Command, extra: o.ExtraArgs, download: dl, logPath: o.LogPath, do: hc.Do}
}

// TaskName 返回模型任务目录名 Task{id}_{dataset}_{K}ch。
func TaskName(req contract.InferenceRequest) string {
	return fmt.Sprintf("Task%s_%s_%dch", req.TaskID, req.Dataset, req.Channels)
}

// ModelPath 返回模型检查点的期望位置。
func ModelPath(req contract.InferenceRequest) string {
	return filepath.Join(req.ResultsDir, "nnUNet", model, TaskName(req), trainer, folds, checkpoint)
}

// Args 返回传给推理命令的参数。
func (e *Engine) Args(req contract.InferenceRequest) []string {
	args := []string{
		"-i", req.InputDir,
		"-o", req.OutputDir,
		"-t", req.TaskID,
		"-m", model,
		"-f", folds,
	}
	return append(args, e.extra...)
}

var _ contract.Engine = (*Engine)(nil)

// Predict 确保模型就绪后同步执行推理命令。
func (e *Engine) Predict(ctx context.Context, req contract.InferenceRequest) error {
	if strings.TrimSpace(req.Device) == "" {
		return fmt.Errorf("nnunet: device: %w", contract.ErrConfigMissing)
	}
	if strings.TrimSpace(req.ResultsDir) == "" {
		return fmt.Errorf("nnunet: results_dir: %w", contract.ErrConfigMissing)
	}
	if req.TaskID == "" {
		return fmt.Errorf("nnunet: task id for %s_%dch: %w", req.Dataset, req.Channels, contract.ErrConfigMissing)
	}
	if err := os.MkdirAll(req.ResultsDir, 0o755); err != nil {
		return err
	}
	if err := e.ensureModel(ctx, req); err != nil {
		return err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.command, e.Args(req)...)
	cmd.Env = childEnv(os.Environ(), map[string]string{
		"CUDA_VISIBLE_DEVICES": req.Device,
		"RESULTS_FOLDER":       req.ResultsDir,
	})
	var stderr tailBuffer
	cmd.Stderr = &stderr
	if e.logPath != "" {
		f, err := os.OpenFile(e.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = io.MultiWriter(f, &stderr)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("nnunet: %s: %v: %s: %w", e.command, err, msg, contract.ErrEngineFailed)
		}
		return fmt.Errorf("nnunet: %s: %v: %w", e.command, err, contract.ErrEngineFailed)
	}
	return nil
}

// childEnv 以 set 覆盖 base 中的同名变量。
func childEnv(base []string, set map[string]string) []string {
	out := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := set[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range set {
		out = append(out, k+"="+v)
	}
	return out
}

func (e *Engine) ensureModel(ctx context.Context, req contract.InferenceRequest) error {
	p := ModelPath(req)
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		return nil
	}
	if !e.download || req.ModelURL == "" {
		return fmt.Errorf("nnunet: %s: %w", p, contract.ErrModelMissing)
	}
	if err := e.fetchModel(ctx, req.ModelURL, req.ResultsDir); err != nil {
		return fmt.Errorf("nnunet: download %s: %w", req.ModelURL, err)
	}
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("nnunet: archive did not provide %s: %w", p, contract.ErrModelMissing)
	}
	return nil
}

// fetchModel 下载模型归档到 dest 下的临时文件，再解压到 dest。
func (e *Engine) fetchModel(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dest, ".tmp-model-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return err
	}
	return extractZip(tmp, n, dest)
}

// extractZip 解压归档；拒绝越界条目（zip slip）。
func extractZip(r io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("zip entry %q: %w", f.Name, contract.ErrPathInvalid)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// tailBuffer 仅保留最后 4KiB 输出，用于错误信息。
type tailBuffer struct{ buf bytes.Buffer }

const tailMax = 4 * 1024

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= tailMax {
		t.buf.Reset()
		t.buf.Write(p[len(p)-tailMax:])
		return n, nil
	}
	t.buf.Write(p)
	if over := t.buf.Len() - tailMax; over > 0 {
		b := append([]byte(nil), t.buf.Bytes()[over:]...)
		t.buf.Reset()
		t.buf.Write(b)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
