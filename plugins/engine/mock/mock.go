// Package mock 提供无 GPU 的推理引擎替身：按 dataset.json 的推理目标
// 为每个病例输出一个“预测”（第 0 通道的拷贝），用于联调与端到端测试。
package mock

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cohortconv/internal/cohort"
	"cohortconv/internal/dataset"
	"cohortconv/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	// Skip: 不产出预测的病例标识（模拟引擎漏判）。
	Skip []string `json:"skip,omitempty"`
	// Fail: 非空时 Predict 直接返回该信息包装的 ErrEngineFailed。
	Fail string `json:"fail,omitempty"`
}

type Engine struct {
	skip map[string]struct{}
	fail string
}

// New 创建引擎；opts 可为 nil。
func New(opts *Options) *Engine {
	var o Options
	if opts != nil {
		o = *opts
	}
	skip := make(map[string]struct{}, len(o.Skip))
	for _, s := range o.Skip {
		skip[s] = struct{}{}
	}
	return &Engine{skip: skip, fail: o.Fail}
}

var _ contract.Engine = (*Engine)(nil)

func (e *Engine) Predict(ctx context.Context, req contract.InferenceRequest) error {
	if e.fail != "" {
		return fmt.Errorf("mock: %s: %w", e.fail, contract.ErrEngineFailed)
	}
	df, err := dataset.ReadFile(filepath.Join(req.InputDir, dataset.FileName))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return err
	}
	for _, target := range df.Test {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		id := contract.CaseID(strings.TrimSuffix(filepath.Base(target), dataset.Ext))
		if _, ok := e.skip[string(id)]; ok {
			continue
		}
		src := filepath.Join(req.InputDir, cohort.ChannelFile(id, 0))
		if err := copyFile(src, filepath.Join(req.OutputDir, cohort.PredictionFile(id))); err != nil {
			return fmt.Errorf("mock: %s: %w", id, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
