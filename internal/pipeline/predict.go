package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cohortconv/internal/cohort"
	"cohortconv/internal/convmap"
	"cohortconv/internal/dataset"
	"cohortconv/internal/diag"
	"cohortconv/pkg/contract"
)

// PredictComponents 聚合推理阶段所需组件。
type PredictComponents struct {
	Reader contract.Reader
	// Writer 以预测目录为根（扁平布局）。
	Writer contract.Writer
	Engine contract.Engine
}

// PredictSettings 推理阶段运行期配置。设备与模型目录必须显式给出。
type PredictSettings struct {
	InputDir   string
	Dataset    string
	Channels   int
	Task       dataset.Task
	Device     string
	ResultsDir string
	RunID      string
}

// Predict 把映射与描述文件随预测一起放置，调用外部引擎，再清点预测文件。
// 缺少设备或模型目录时在调用引擎前返回 contract.ErrConfigMissing。
func Predict(ctx context.Context, comp PredictComponents, set PredictSettings, logger *diag.Logger) (Summary, error) {
	sum := newSummary("predict", set.RunID)
	if comp.Reader == nil || comp.Writer == nil || comp.Engine == nil {
		return sum, errors.New("sanity: predict: reader, writer and engine are required")
	}
	if strings.TrimSpace(set.Device) == "" {
		return sum, fmt.Errorf("predict: device: %w", contract.ErrConfigMissing)
	}
	if strings.TrimSpace(set.ResultsDir) == "" {
		return sum, fmt.Errorf("predict: results dir: %w", contract.ErrConfigMissing)
	}
	if strings.TrimSpace(set.Task.ID) == "" {
		return sum, fmt.Errorf("predict: no task for %s with %d channels: %w", set.Dataset, set.Channels, contract.ErrConfigMissing)
	}
	in, err := filepath.Abs(set.InputDir)
	if err != nil {
		return sum, err
	}
	out := comp.Writer.Root()
	run := logger.StartWithKV("predict", "run", "", "", map[string]string{"input": in, "output": out, "task": set.Task.ID})
	runStart := time.Now()

	mapPath := filepath.Join(in, convmap.FileName)
	m, err := convmap.Load(mapPath)
	if err != nil {
		return sum, fmt.Errorf("load map: %w", err)
	}
	sum.Dataset = m.Dataset
	sum.Total = len(m.Records)
	// 任务按 {dataset}_{channels}ch 选定，须与输入目录的映射一致
	if want := fmt.Sprintf("%s_%dch", set.Dataset, set.Channels); m.Dataset != want {
		return sum, fmt.Errorf("predict: input %s holds %s, task %s expects %s: %w", in, m.Dataset, set.Task.ID, want, contract.ErrInvariantViolation)
	}
	dsPath := filepath.Join(in, dataset.FileName)
	if _, err := dataset.ReadFile(dsPath); err != nil {
		return sum, fmt.Errorf("read %s: %w", dataset.FileName, err)
	}

	// 映射与描述文件随预测目录一起保存，反向转换即可就地找到映射
	for _, p := range []string{mapPath, dsPath} {
		dst, err := comp.Writer.Copy(ctx, p, contract.ArtifactID(filepath.Base(p)))
		if err != nil {
			return sum, fmt.Errorf("stage %s: %w", filepath.Base(p), err)
		}
		sum.Outputs[strings.TrimSuffix(filepath.Base(p), ".json")] = dst
	}

	req := contract.InferenceRequest{
		InputDir:   in,
		OutputDir:  out,
		Dataset:    set.Dataset,
		Channels:   set.Channels,
		TaskID:     set.Task.ID,
		ModelURL:   set.Task.ModelURL,
		Device:     set.Device,
		ResultsDir: set.ResultsDir,
	}
	term := diag.GetTerminal()
	term.RunStart("predict", len(m.Records), 1)
	et := logger.StartWithKV("engine", "predict", "", "", map[string]string{"task": set.Task.ID, "device": set.Device})
	if err := comp.Engine.Predict(ctx, req); err != nil {
		code := diag.Classify(err)
		logger.Error("engine", string(code), err.Error(), et.Since())
		diag.IncError("engine", string(code))
		term.RunFinish(false, time.Since(runStart))
		return sum, fmt.Errorf("engine: %w", err)
	}
	et.Finish("predict", int64(len(m.Records)))

	files, err := comp.Reader.Files(ctx, out, dataset.Ext)
	if err != nil {
		return sum, fmt.Errorf("reader files: %w", err)
	}
	present := make(map[string]struct{}, len(files))
	for _, f := range files {
		present[filepath.Base(f)] = struct{}{}
	}
	for _, r := range m.Records {
		if _, ok := present[cohort.PredictionFile(r.CaseID)]; ok {
			sum.Converted++
			term.CaseDone(true)
			continue
		}
		logger.Skip("predict", "missing", "engine produced no prediction", r.OriginalSubjectName, map[string]string{"case_id": string(r.CaseID)})
		sum.Missing = append(sum.Missing, string(r.CaseID))
		term.CaseDone(false)
	}
	diag.IncOp("engine", "predict", "success")

	term.RunFinish(true, time.Since(runStart))
	if err := persistSummary(ctx, comp.Writer, PredictSummaryFile, &sum); err != nil {
		return sum, fmt.Errorf("write %s: %w", PredictSummaryFile, err)
	}
	run.Finish("done", int64(sum.Converted))
	return sum, nil
}
