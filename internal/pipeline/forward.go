// Package pipeline 编排正向转换、推理与反向转换三个阶段。
//
// - 编号屏障：校验与编号在 cohort.MakePlan 中单线程完成，之后才允许并发拷贝；
// - 单点并发：仅此层管理并发（errgroup + SetLimit），原子组件均为同步实现；
// - 首错取消：任一病例拷贝失败即取消整体，排空后返回该错误；
// - 映射只在全部病例成功后一次性构建、编码、原子写入。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cohortconv/internal/cohort"
	"cohortconv/internal/convmap"
	"cohortconv/internal/dataset"
	"cohortconv/internal/diag"
	"cohortconv/pkg/contract"
)

// ForwardComponents 聚合正向转换所需的原子组件。
type ForwardComponents struct {
	Reader contract.Reader
	// Writer 以目标根为输出根（扁平布局）。
	Writer contract.Writer
}

// ForwardSettings 正向转换运行期配置。
type ForwardSettings struct {
	SourceRoot  string
	Descriptor  dataset.Descriptor
	StartIdx    int
	NumSubjects int
	// Overwrite: 目标根非空时是否清空重建。
	Overwrite   bool
	Concurrency int
	RunID       string
}

func sanityForward(comp ForwardComponents, set ForwardSettings) error {
	if comp.Reader == nil || comp.Writer == nil {
		return errors.New("forward: reader and writer are required")
	}
	if strings.TrimSpace(set.SourceRoot) == "" {
		return errors.New("forward: source root is empty")
	}
	if set.Descriptor.Name() == "" {
		return errors.New("forward: descriptor is empty")
	}
	if set.Concurrency < 1 {
		return errors.New("forward: concurrency must be >= 1")
	}
	return nil
}

// Forward 执行正向转换：发现 → 选择 → 准备目标根 → 编号 → 并发拷贝 → 映射与描述文件。
// 拷贝失败时不写 dataset.json 与 conversion.json，并返回 *CaseError。
func Forward(ctx context.Context, comp ForwardComponents, set ForwardSettings, logger *diag.Logger) (Summary, error) {
	sum := newSummary("forward", set.RunID)
	if err := sanityForward(comp, set); err != nil {
		return sum, fmt.Errorf("sanity: %w", err)
	}
	desc := set.Descriptor
	sum.Dataset = desc.Name()
	src, err := filepath.Abs(set.SourceRoot)
	if err != nil {
		return sum, err
	}
	dest := comp.Writer.Root()
	run := logger.StartWithKV("forward", "run", "", "", map[string]string{"source": src, "dest": dest})
	runStart := time.Now()

	// 发现与选择
	rtimer := logger.StartWithKV("reader", "dirs", "", "", map[string]string{"root": src})
	cands, err := comp.Reader.Dirs(ctx, src)
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWithKV("reader", string(code), "list subjects failed: "+err.Error(), rtimer.Since(), "", "", nil)
		diag.IncError("reader", string(code))
		return sum, fmt.Errorf("reader dirs: %w", err)
	}
	rtimer.Finish("dirs", int64(len(cands)))
	sum.Discovered = len(cands)

	window := cohort.Select(cands, set.StartIdx, set.NumSubjects)
	sum.Candidates = len(window)
	if len(window) == 0 {
		return sum, fmt.Errorf("%s (start_idx=%d, num_subjects=%d, discovered=%d): %w",
			src, set.StartIdx, set.NumSubjects, len(cands), contract.ErrNoCandidates)
	}

	if err := prepareDestination(src, dest, set.Overwrite); err != nil {
		code := diag.Classify(err)
		logger.Error("forward", string(code), err.Error(), nil)
		diag.IncError("forward", string(code))
		return sum, err
	}

	// 编号屏障：单线程校验与分配
	term := diag.GetTerminal()
	plan := cohort.MakePlan(window, desc.Name(), checkSubject, func(e cohort.Exclusion) {
		logger.Skip("validator", string(diag.CodeValidation), e.Reason, e.Subject, map[string]string{"path": e.Path})
		diag.IncOp("validator", "skip", "skip")
		term.Note(fmt.Sprintf("排除 %s: %s", e.Subject, e.Reason))
	})
	sum.Excluded = append(sum.Excluded, plan.Excluded...)
	sum.Validated = len(plan.Cases)

	// 并发拷贝：结果按计划位置落槽，映射顺序与调度无关
	term.RunStart("forward", len(plan.Cases), set.Concurrency)
	records := make([]contract.CaseRecord, len(plan.Cases))
	var (
		mu     sync.Mutex
		failed []CaseFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(set.Concurrency)
	for i, c := range plan.Cases {
		i, c := i, c
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ct := logger.StartWithKV("writer", "copy", string(c.ID), c.SubjectName, nil)
			rec, err := copyCase(gctx, comp.Writer, desc, c)
			if err != nil {
				canceled := errors.Is(err, context.Canceled) && !errors.Is(err, contract.ErrCopyFailed)
				term.CaseDone(false)
				if canceled {
					return err
				}
				code := diag.Classify(err)
				logger.ErrorWithKV("writer", string(code), err.Error(), ct.Since(), string(c.ID), c.SubjectName, nil)
				diag.IncOp("writer", "copy", "error")
				diag.IncError("writer", string(code))
				mu.Lock()
				failed = append(failed, CaseFailure{CaseID: string(c.ID), Subject: c.SubjectName, Reason: err.Error()})
				mu.Unlock()
				return &CaseError{CaseID: string(c.ID), Subject: c.SubjectName, Err: err}
			}
			ct.Finish("copy", int64(len(rec.ModalityMappings)))
			diag.IncOp("writer", "copy", "success")
			term.CaseDone(true)
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sort.Slice(failed, func(a, b int) bool { return failed[a].CaseID < failed[b].CaseID })
		sum.Failed = append(sum.Failed, failed...)
		term.RunFinish(false, time.Since(runStart))
		// 尽力留下摘要，便于定位失败病例；映射与描述文件均不写出
		_ = persistSummary(context.WithoutCancel(ctx), comp.Writer, ForwardSummaryFile, &sum)
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	// 映射：单写者，屏障之后构建
	m, err := buildMap(desc.Name(), set.RunID, records)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("convmap", string(code), err.Error(), nil)
		diag.IncError("convmap", string(code))
		term.RunFinish(false, time.Since(runStart))
		_ = persistSummary(context.WithoutCancel(ctx), comp.Writer, ForwardSummaryFile, &sum)
		return sum, err
	}

	df := dataset.NewFile(desc, dest, plan.IDs())
	dbs, err := df.Encode()
	if err != nil {
		return sum, err
	}
	if err := comp.Writer.Write(ctx, contract.ArtifactID(dataset.FileName), bytes.NewReader(dbs)); err != nil {
		return sum, fmt.Errorf("write %s: %w", dataset.FileName, err)
	}
	if err := convmap.Save(ctx, comp.Writer, m); err != nil {
		return sum, fmt.Errorf("write %s: %w", convmap.FileName, err)
	}
	sum.Outputs["dataset"] = filepath.Join(dest, dataset.FileName)
	sum.Outputs["conversion_map"] = filepath.Join(dest, convmap.FileName)
	sum.Converted = len(records)
	sum.Total = len(records)

	term.RunFinish(true, time.Since(runStart))
	if err := persistSummary(ctx, comp.Writer, ForwardSummaryFile, &sum); err != nil {
		return sum, fmt.Errorf("write %s: %w", ForwardSummaryFile, err)
	}
	run.Finish("done", int64(sum.Converted))
	return sum, nil
}

// checkSubject: 名称须可作为反向输出目录，且通道文件齐全。
func checkSubject(dir string) error {
	name := contract.SubjectName(dir)
	if err := contract.ValidName(name); err != nil {
		return fmt.Errorf("subject name %q: %w", name, err)
	}
	return dataset.Check(dir)
}

// buildMap 在屏障之后单写者构建映射。
func buildMap(name, runID string, records []contract.CaseRecord) (*convmap.Map, error) {
	b := convmap.NewBuilder(name, runID, time.Now())
	for _, rec := range records {
		if err := b.Append(rec); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// copyCase 按描述符通道顺序拷贝一个病例；失败时移除该病例已写出的通道。
func copyCase(ctx context.Context, w contract.Writer, desc dataset.Descriptor, c cohort.Case) (contract.CaseRecord, error) {
	rec := contract.CaseRecord{
		CaseID:              c.ID,
		SequenceNumber:      c.Seq,
		OriginalSubjectName: c.SubjectName,
		OriginalSubjectPath: c.SubjectDir,
	}
	for j, m := range desc.Modalities() {
		srcPath := filepath.Join(c.SubjectDir, m.FileName())
		id := contract.ArtifactID(cohort.ChannelFile(c.ID, j))
		dst, err := w.Copy(ctx, srcPath, id)
		if err != nil {
			removeChannels(w, c.ID, j)
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			return rec, fmt.Errorf("%w: %s -> %s: %w", contract.ErrCopyFailed, srcPath, id, err)
		}
		rec.ModalityMappings = append(rec.ModalityMappings, contract.ModalityMapping{OriginalPath: srcPath, ConvertedPath: dst})
	}
	return rec, nil
}

// removeChannels 移除通道 0..upto（含）。不受调用方 ctx 取消影响。
func removeChannels(w contract.Writer, id contract.CaseID, upto int) {
	for j := 0; j <= upto; j++ {
		_ = w.Remove(context.Background(), contract.ArtifactID(cohort.ChannelFile(id, j)))
	}
}

// prepareDestination: 不存在或为空 → 创建；非空且未授权 → ErrDestinationExists；
// 非空且授权 → 清空重建。拒绝清空包含源目录的目标根。
func prepareDestination(src, dest string, overwrite bool) error {
	entries, err := os.ReadDir(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dest, 0o755)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if !overwrite {
		return fmt.Errorf("%s has %d entries (use --overwrite to replace): %w", dest, len(entries), contract.ErrDestinationExists)
	}
	if within(src, dest) {
		return fmt.Errorf("refusing to clear %s: it contains the source %s: %w", dest, src, contract.ErrPathInvalid)
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.MkdirAll(dest, 0o755)
}

// within 报告 p 是否等于 root 或位于其下。
func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
