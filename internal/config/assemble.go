package config

import (
	"errors"
	"fmt"
	"strings"

	"cohortconv/internal/dataset"
	"cohortconv/internal/extract"
	"cohortconv/internal/pipeline"
	"cohortconv/pkg/contract"
	"cohortconv/pkg/registry"
)

// Validate 对各阶段共用的最小边界做静态校验。
func Validate(cfg Config) error {
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if name := effName(cfg.Components.Reader, Defaults().Components.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, Defaults().Components.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	return nil
}

// ValidateForward 校验正向转换所需字段。
func ValidateForward(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := validateDataset(cfg); err != nil {
		return err
	}
	if err := required("forward.source", cfg.Forward.Source); err != nil {
		return err
	}
	return required("forward.dest", cfg.Forward.Dest)
}

// ValidateReverse 校验反向转换所需字段。
func ValidateReverse(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := required("reverse.predictions", cfg.Reverse.Predictions); err != nil {
		return err
	}
	return required("reverse.output", cfg.Reverse.Output)
}

// ValidatePredict 校验推理阶段所需字段；设备与模型目录缺失时返回 ErrConfigMissing。
func ValidatePredict(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := validateDataset(cfg); err != nil {
		return err
	}
	for _, f := range []struct{ name, val string }{
		{"predict.input", cfg.Predict.Input},
		{"predict.predictions", cfg.Predict.Predictions},
		{"predict.device", cfg.Predict.Device},
		{"predict.results_dir", cfg.Predict.ResultsDir},
	} {
		if err := required(f.name, f.val); err != nil {
			return err
		}
	}
	if name := effName(cfg.Components.Engine, Defaults().Components.Engine); registry.Engine[name] == nil {
		return fmt.Errorf("config: engine %q not registered", name)
	}
	return nil
}

// ValidateExtract 校验抽取阶段所需字段。
func ValidateExtract(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := required("extract.source", cfg.Extract.Source); err != nil {
		return err
	}
	if err := required("extract.dest", cfg.Extract.Dest); err != nil {
		return err
	}
	if _, ok := extract.Layouts[cfg.Extract.Layout]; !ok {
		return fmt.Errorf("config: extract.layout %q unknown (known: %s)", cfg.Extract.Layout, strings.Join(extract.LayoutNames(), ", "))
	}
	return nil
}

func validateDataset(cfg Config) error {
	if err := required("dataset", cfg.Dataset); err != nil {
		return err
	}
	if cfg.Channels != 1 && cfg.Channels != 4 {
		return fmt.Errorf("config: channels must be 1 or 4, got %d", cfg.Channels)
	}
	return nil
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("config: %s not set: %w", name, contract.ErrConfigMissing)
	}
	return nil
}

// lookup 解析变体并构造描述符与推理任务。
func lookup(cfg Config) (dataset.Descriptor, dataset.Task, error) {
	variants, err := dataset.LoadVariants(cfg.DescriptorsFile)
	if err != nil {
		return dataset.Descriptor{}, dataset.Task{}, err
	}
	return dataset.Lookup(variants, cfg.Dataset, cfg.Channels)
}

func newReader(cfg Config) (contract.Reader, error) {
	return registry.Reader[effName(cfg.Components.Reader, Defaults().Components.Reader)](cfg.Options.Reader)
}

func newWriter(cfg Config, root string, flat bool) (contract.Writer, error) {
	return registry.Writer[effName(cfg.Components.Writer, Defaults().Components.Writer)](root, flat, cfg.Options.Writer)
}

// AssembleForward 构造正向转换的组件与设置（扁平 Writer 以 dest 为根）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func AssembleForward(cfg Config, runID string) (pipeline.ForwardComponents, pipeline.ForwardSettings, error) {
	if err := ValidateForward(cfg); err != nil {
		return pipeline.ForwardComponents{}, pipeline.ForwardSettings{}, err
	}
	desc, _, err := lookup(cfg)
	if err != nil {
		return pipeline.ForwardComponents{}, pipeline.ForwardSettings{}, err
	}
	r, err := newReader(cfg)
	if err != nil {
		return pipeline.ForwardComponents{}, pipeline.ForwardSettings{}, err
	}
	w, err := newWriter(cfg, cfg.Forward.Dest, true)
	if err != nil {
		return pipeline.ForwardComponents{}, pipeline.ForwardSettings{}, err
	}
	set := pipeline.ForwardSettings{
		SourceRoot:  cfg.Forward.Source,
		Descriptor:  desc,
		StartIdx:    deref(cfg.Forward.StartIdx, 0),
		NumSubjects: deref(cfg.Forward.NumSubjects, -1),
		Overwrite:   cfg.Forward.Overwrite != nil && *cfg.Forward.Overwrite,
		Concurrency: cfg.Concurrency,
		RunID:       runID,
	}
	return pipeline.ForwardComponents{Reader: r, Writer: w}, set, nil
}

// AssembleReverse 构造反向转换的组件与设置（非扁平 Writer 以 output 为根）。
func AssembleReverse(cfg Config, runID string) (pipeline.ReverseComponents, pipeline.ReverseSettings, error) {
	if err := ValidateReverse(cfg); err != nil {
		return pipeline.ReverseComponents{}, pipeline.ReverseSettings{}, err
	}
	r, err := newReader(cfg)
	if err != nil {
		return pipeline.ReverseComponents{}, pipeline.ReverseSettings{}, err
	}
	w, err := newWriter(cfg, cfg.Reverse.Output, false)
	if err != nil {
		return pipeline.ReverseComponents{}, pipeline.ReverseSettings{}, err
	}
	set := pipeline.ReverseSettings{
		PredictionRoot: cfg.Reverse.Predictions,
		MapPath:        cfg.Reverse.Map,
		RunID:          runID,
	}
	return pipeline.ReverseComponents{Reader: r, Writer: w}, set, nil
}

// AssemblePredict 构造推理阶段的组件与设置（扁平 Writer 以 predictions 为根）。
func AssemblePredict(cfg Config, runID string) (pipeline.PredictComponents, pipeline.PredictSettings, error) {
	if err := ValidatePredict(cfg); err != nil {
		return pipeline.PredictComponents{}, pipeline.PredictSettings{}, err
	}
	_, task, err := lookup(cfg)
	if err != nil {
		return pipeline.PredictComponents{}, pipeline.PredictSettings{}, err
	}
	r, err := newReader(cfg)
	if err != nil {
		return pipeline.PredictComponents{}, pipeline.PredictSettings{}, err
	}
	w, err := newWriter(cfg, cfg.Predict.Predictions, true)
	if err != nil {
		return pipeline.PredictComponents{}, pipeline.PredictSettings{}, err
	}
	eng, err := registry.Engine[effName(cfg.Components.Engine, Defaults().Components.Engine)](cfg.Options.Engine)
	if err != nil {
		return pipeline.PredictComponents{}, pipeline.PredictSettings{}, err
	}
	set := pipeline.PredictSettings{
		InputDir:   cfg.Predict.Input,
		Dataset:    cfg.Dataset,
		Channels:   cfg.Channels,
		Task:       task,
		Device:     cfg.Predict.Device,
		ResultsDir: cfg.Predict.ResultsDir,
		RunID:      runID,
	}
	return pipeline.PredictComponents{Reader: r, Writer: w, Engine: eng}, set, nil
}

// AssembleExtract 构造抽取阶段的组件与设置（非扁平 Writer 以 dest 为根）。
func AssembleExtract(cfg Config, runID string) (extract.Components, extract.Settings, error) {
	if err := ValidateExtract(cfg); err != nil {
		return extract.Components{}, extract.Settings{}, err
	}
	r, err := newReader(cfg)
	if err != nil {
		return extract.Components{}, extract.Settings{}, err
	}
	w, err := newWriter(cfg, cfg.Extract.Dest, false)
	if err != nil {
		return extract.Components{}, extract.Settings{}, err
	}
	set := extract.Settings{
		SourceRoot:  cfg.Extract.Source,
		Layout:      cfg.Extract.Layout,
		StartIdx:    deref(cfg.Extract.StartIdx, 0),
		NumSubjects: deref(cfg.Extract.NumSubjects, -1),
		Concurrency: cfg.Concurrency,
		RunID:       runID,
	}
	return extract.Components{Reader: r, Writer: w}, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

func deref(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
