// Package extract 把上游产出的受试者目录规范化为四个固定模态文件名，
// 供正向转换消费。完整性判定与正向转换共用 dataset.Check；
// 规范化后仍不完整的受试者被整体移除。
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cohortconv/internal/cohort"
	"cohortconv/internal/dataset"
	"cohortconv/internal/diag"
	"cohortconv/pkg/contract"
)

// SummaryFile 写在目标根下。
const SummaryFile = "extract_summary.json"

// Components 聚合抽取阶段所需组件。
type Components struct {
	Reader contract.Reader
	// Writer 以目标根为根（嵌套布局：{subject}/{tag}.nii.gz）。
	Writer contract.Writer
}

// Settings 抽取阶段运行期配置。
type Settings struct {
	SourceRoot  string
	Layout      string
	StartIdx    int
	NumSubjects int
	Concurrency int
	RunID       string
}

// Report: 抽取结果。Skipped 中的受试者在目标根下不留目录。
type Report struct {
	Operation  string             `json:"operation"`
	RunID      string             `json:"run_id"`
	Layout     string             `json:"layout"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Candidates int                `json:"candidates"`
	Extracted  []string           `json:"extracted"`
	Skipped    []cohort.Exclusion `json:"skipped"`
}

// Text 渲染纯文本报告。
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "extract %s (run %s)\n", r.Layout, r.RunID)
	fmt.Fprintf(&b, "  candidates: %d\n", r.Candidates)
	fmt.Fprintf(&b, "  extracted:  %d\n", len(r.Extracted))
	fmt.Fprintf(&b, "  skipped:    %d\n", len(r.Skipped))
	for _, s := range r.Skipped {
		fmt.Fprintf(&b, "    - %s: %s\n", s.Subject, s.Reason)
	}
	return b.String()
}

type outcome struct {
	done bool
	skip *cohort.Exclusion
}

// Run 按窗口并发规范化受试者；拷贝错误首错取消，布局或完整性问题只跳过。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Report, error) {
	rep := Report{
		Operation: "extract",
		RunID:     set.RunID,
		Layout:    set.Layout,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		Extracted: []string{},
		Skipped:   []cohort.Exclusion{},
	}
	layout, ok := Layouts[set.Layout]
	if !ok {
		return rep, fmt.Errorf("%w: unknown layout %q (known: %s)", contract.ErrConfigMissing, set.Layout, strings.Join(LayoutNames(), ", "))
	}
	if comp.Reader == nil || comp.Writer == nil {
		return rep, errors.New("sanity: extract: reader and writer are required")
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	src, err := filepath.Abs(set.SourceRoot)
	if err != nil {
		return rep, err
	}
	dest := comp.Writer.Root()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return rep, err
	}
	run := logger.StartWithKV("extract", "run", "", "", map[string]string{"source": src, "dest": dest, "layout": set.Layout})
	runStart := time.Now()

	cands, err := comp.Reader.Dirs(ctx, src)
	if err != nil {
		return rep, fmt.Errorf("reader dirs: %w", err)
	}
	window := cohort.Select(cands, set.StartIdx, set.NumSubjects)
	rep.Candidates = len(window)

	term := diag.GetTerminal()
	term.RunStart("extract", len(window), set.Concurrency)
	results := make([]outcome, len(window))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(set.Concurrency)
	for i, dir := range window {
		i, dir := i, dir
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o, err := extractSubject(gctx, comp, layout, dir, dest)
			if err != nil {
				term.CaseDone(false)
				code := diag.Classify(err)
				logger.ErrorWithKV("extract", string(code), err.Error(), nil, "", contract.SubjectName(dir), nil)
				diag.IncError("extract", string(code))
				return err
			}
			if o.skip != nil {
				logger.Skip("extract", string(diag.CodeValidation), o.skip.Reason, o.skip.Subject, map[string]string{"path": dir})
				diag.IncOp("extract", "subject", "skip")
				term.Note(fmt.Sprintf("跳过 %s: %s", o.skip.Subject, o.skip.Reason))
			} else {
				diag.IncOp("extract", "subject", "success")
			}
			term.CaseDone(o.skip == nil)
			results[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		term.RunFinish(false, time.Since(runStart))
		return rep, err
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	for i, o := range results {
		switch {
		case o.skip != nil:
			rep.Skipped = append(rep.Skipped, *o.skip)
		case o.done:
			rep.Extracted = append(rep.Extracted, contract.SubjectName(window[i]))
		}
	}

	term.RunFinish(true, time.Since(runStart))
	rep.FinishedAt = time.Now().UTC().Truncate(time.Millisecond)
	bs, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return rep, err
	}
	if err := comp.Writer.Write(ctx, SummaryFile, bytes.NewReader(append(bs, '\n'))); err != nil {
		return rep, fmt.Errorf("write %s: %w", SummaryFile, err)
	}
	run.Finish("done", int64(len(rep.Extracted)))
	return rep, nil
}

func extractSubject(ctx context.Context, comp Components, layout Layout, dir, dest string) (outcome, error) {
	subject := contract.SubjectName(dir)
	skip := func(reason string) outcome {
		return outcome{skip: &cohort.Exclusion{Subject: subject, Path: dir, Reason: reason}}
	}
	if err := contract.ValidName(subject); err != nil {
		return skip(err.Error()), nil
	}
	files, err := comp.Reader.Files(ctx, dir, dataset.Ext)
	if err != nil {
		return outcome{}, fmt.Errorf("list %s: %w", dir, err)
	}
	picked, lerr := layout(files)
	if lerr == nil {
		for _, m := range dataset.Canonical() {
			srcPath, ok := picked[m]
			if !ok {
				continue
			}
			id := contract.ArtifactID(path.Join(subject, m.FileName()))
			if _, err := comp.Writer.Copy(ctx, srcPath, id); err != nil {
				_ = os.RemoveAll(filepath.Join(dest, subject))
				return outcome{}, fmt.Errorf("%w: %s: %w", contract.ErrCopyFailed, srcPath, err)
			}
		}
	}
	// 与正向转换相同的完整性判定
	target := filepath.Join(dest, subject)
	reason := ""
	if lerr != nil {
		reason = lerr.Error()
	} else if err := dataset.Check(target); err != nil {
		reason = err.Error()
	}
	if reason != "" {
		if err := os.RemoveAll(target); err != nil {
			return outcome{}, err
		}
		return skip(reason), nil
	}
	return outcome{done: true}, nil
}
