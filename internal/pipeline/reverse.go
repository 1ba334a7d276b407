package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cohortconv/internal/cohort"
	"cohortconv/internal/convmap"
	"cohortconv/internal/dataset"
	"cohortconv/internal/diag"
	"cohortconv/pkg/contract"
)

// PredictionName: 还原后每个受试者目录下的固定预测文件名。
const PredictionName = "prd" + dataset.Ext

// ReverseComponents 聚合反向转换所需的原子组件。
type ReverseComponents struct {
	Reader contract.Reader
	// Writer 以输出根为根（嵌套布局：{subject}/prd.nii.gz）。
	Writer contract.Writer
}

// ReverseSettings 反向转换运行期配置。
type ReverseSettings struct {
	PredictionRoot string
	// MapPath 为空时使用 PredictionRoot/conversion.json。
	MapPath string
	RunID   string
}

// Reverse 按映射顺序把预测文件还原到原始受试者名下。
// 缺失的预测只记录，不中断；拷贝失败返回 *CaseError。
func Reverse(ctx context.Context, comp ReverseComponents, set ReverseSettings, logger *diag.Logger) (Summary, error) {
	sum := newSummary("reverse", set.RunID)
	if comp.Reader == nil || comp.Writer == nil {
		return sum, errors.New("sanity: reverse: reader and writer are required")
	}
	if strings.TrimSpace(set.PredictionRoot) == "" {
		return sum, errors.New("sanity: reverse: prediction root is empty")
	}
	predRoot, err := filepath.Abs(set.PredictionRoot)
	if err != nil {
		return sum, err
	}
	mapPath := set.MapPath
	if strings.TrimSpace(mapPath) == "" {
		mapPath = filepath.Join(predRoot, convmap.FileName)
	}
	run := logger.StartWithKV("reverse", "run", "", "", map[string]string{"predictions": predRoot, "map": mapPath})
	runStart := time.Now()

	m, err := convmap.Load(mapPath)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("convmap", string(code), err.Error(), nil)
		diag.IncError("convmap", string(code))
		return sum, fmt.Errorf("load map: %w", err)
	}
	sum.Dataset = m.Dataset
	sum.Total = len(m.Records)
	sum.Outputs["conversion_map"] = mapPath

	files, err := comp.Reader.Files(ctx, predRoot, dataset.Ext)
	if err != nil {
		return sum, fmt.Errorf("reader files: %w", err)
	}
	available := make(map[string]string, len(files))
	for _, f := range files {
		available[filepath.Base(f)] = f
	}

	term := diag.GetTerminal()
	term.RunStart("reverse", len(m.Records), 1)
	for _, r := range m.Records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		// 映射来自外部文件，受试者名可能被篡改
		if err := contract.ValidName(r.OriginalSubjectName); err != nil {
			return sum, &CaseError{CaseID: string(r.CaseID), Subject: r.OriginalSubjectName, Err: err}
		}
		name := cohort.PredictionFile(r.CaseID)
		src, ok := available[name]
		if !ok {
			logger.Skip("reverse", "missing", "no prediction "+name, r.OriginalSubjectName, map[string]string{"case_id": string(r.CaseID)})
			diag.IncOp("reverse", "restore", "skip")
			sum.Missing = append(sum.Missing, r.OriginalSubjectName)
			term.CaseDone(false)
			continue
		}
		ct := logger.StartWithKV("writer", "restore", string(r.CaseID), r.OriginalSubjectName, nil)
		id := contract.ArtifactID(path.Join(r.OriginalSubjectName, PredictionName))
		if _, err := comp.Writer.Copy(ctx, src, id); err != nil {
			code := diag.Classify(err)
			logger.ErrorWithKV("writer", string(code), err.Error(), ct.Since(), string(r.CaseID), r.OriginalSubjectName, nil)
			diag.IncError("writer", string(code))
			term.RunFinish(false, time.Since(runStart))
			if ctx.Err() != nil {
				return sum, err
			}
			sum.Failed = append(sum.Failed, CaseFailure{CaseID: string(r.CaseID), Subject: r.OriginalSubjectName, Reason: err.Error()})
			_ = persistSummary(context.WithoutCancel(ctx), comp.Writer, ReverseSummaryFile, &sum)
			return sum, &CaseError{CaseID: string(r.CaseID), Subject: r.OriginalSubjectName,
				Err: fmt.Errorf("%w: %s: %w", contract.ErrCopyFailed, src, err)}
		}
		ct.Finish("restore", 1)
		diag.IncOp("reverse", "restore", "success")
		term.CaseDone(true)
		sum.Converted++
	}

	term.RunFinish(true, time.Since(runStart))
	if err := persistSummary(ctx, comp.Writer, ReverseSummaryFile, &sum); err != nil {
		return sum, fmt.Errorf("write %s: %w", ReverseSummaryFile, err)
	}
	run.Finish("done", int64(sum.Converted))
	return sum, nil
}
