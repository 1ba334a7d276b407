package dataset

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cohortconv/pkg/contract"
)

// Task: 某通道数下推理引擎的任务编号与模型归档地址。
type Task struct {
	ID       string `yaml:"id"`
	ModelURL string `yaml:"model_url"`
}

// Variant: 数据集变体（例如 ukbb、gnc）。Modalities 给出 4 通道时的顺序；
// 1 通道时只取第一个模态。
type Variant struct {
	Key         string       `yaml:"key"`
	Description string       `yaml:"description"`
	Modalities  []Modality   `yaml:"modalities"`
	Labels      Labels       `yaml:"labels"`
	Tasks       map[int]Task `yaml:"tasks"`
}

// VariantsFile 为自定义变体 YAML 的顶层结构：
//
//	version: "1"
//	variants:
//	  - key: site3
//	    description: Abdominal segmentation, site 3
//	    modalities: [wat, fat, inp, opp]
//	    labels: {0: background, 1: liv}
//	    tasks:
//	      4: {id: "601", model_url: ""}
type VariantsFile struct {
	Version  string    `yaml:"version"`
	Variants []Variant `yaml:"variants"`
}

const modelBase = "https://gitlab.com/turkaykart/ukbb-gnc-abdominal-segmentation/-/raw/main/"

// Builtin 返回内置变体（每次调用返回新副本）。
func Builtin() map[string]Variant {
	return map[string]Variant{
		"ukbb": {
			Key:         "ukbb",
			Description: "Whole-Body Abdominal Segmentation of UK Biobank Dataset",
			Modalities:  []Modality{Water, OpposedPhase, Fat, InPhase},
			Labels:      Labels{0: "background", 1: "liv", 2: "spl", 3: "lkd", 4: "rkd", 5: "pnc"},
			Tasks: map[int]Task{
				4: {ID: "501", ModelURL: modelBase + "ukbb_4ch_model.zip?inline=false"},
				1: {ID: "502", ModelURL: modelBase + "ukbb_1ch_model.zip?inline=false"},
			},
		},
		"gnc": {
			Key:         "gnc",
			Description: "Whole-Body Abdominal Segmentation of German National Cohort Dataset",
			Modalities:  []Modality{Water, Fat, InPhase, OpposedPhase},
			Labels:      Labels{0: "background", 1: "liv", 2: "spl", 3: "rkd", 4: "lkd", 5: "pnc"},
			Tasks: map[int]Task{
				4: {ID: "503", ModelURL: modelBase + "gnc_4ch_model.zip?inline=false"},
				1: {ID: "504", ModelURL: modelBase + "gnc_1ch_model.zip?inline=false"},
			},
		},
	}
}

// Keys 返回排序后的变体键。
func Keys(variants map[string]Variant) []string {
	ks := make([]string, 0, len(variants))
	for k := range variants {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// Lookup 按变体键与通道数构造描述符，并返回对应任务（可能为零值）。
func Lookup(variants map[string]Variant, key string, channels int) (Descriptor, Task, error) {
	v, ok := variants[strings.TrimSpace(key)]
	if !ok {
		return Descriptor{}, Task{}, fmt.Errorf("dataset %q not defined (known: %s)", key, strings.Join(Keys(variants), ", "))
	}
	var mods []Modality
	switch channels {
	case 1:
		if len(v.Modalities) == 0 {
			return Descriptor{}, Task{}, fmt.Errorf("%w: dataset %q has no modalities", contract.ErrInvariantViolation, key)
		}
		mods = v.Modalities[:1]
	case 4:
		mods = v.Modalities
	default:
		return Descriptor{}, Task{}, fmt.Errorf("%w: channels must be 1 or 4, got %d", contract.ErrInvariantViolation, channels)
	}
	d, err := NewDescriptor(fmt.Sprintf("%s_%dch", v.Key, channels), v.Description, mods, v.Labels)
	if err != nil {
		return Descriptor{}, Task{}, err
	}
	return d, v.Tasks[channels], nil
}

// ParseVariants 解析变体 YAML（严格拒绝未知字段），并逐个校验。
func ParseVariants(data []byte) ([]Variant, error) {
	var vf VariantsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&vf); err != nil {
		return nil, fmt.Errorf("failed to parse variants YAML: %w", err)
	}
	if vf.Version == "" {
		vf.Version = "1"
	}
	if vf.Version != "1" {
		return nil, fmt.Errorf("variants: unsupported version %q", vf.Version)
	}
	for _, v := range vf.Variants {
		if err := validateVariant(v); err != nil {
			return nil, err
		}
	}
	return vf.Variants, nil
}

// LoadVariants 读取 path 并与内置变体合并（同键覆盖）。path 为空时仅返回内置。
func LoadVariants(path string) (map[string]Variant, error) {
	out := Builtin()
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variants file %s: %w", path, err)
	}
	vs, err := ParseVariants(data)
	if err != nil {
		return nil, err
	}
	for _, v := range vs {
		out[v.Key] = v
	}
	return out, nil
}

func validateVariant(v Variant) error {
	if err := contract.ValidName(v.Key); err != nil {
		return fmt.Errorf("variant key %q: %w", v.Key, err)
	}
	if len(v.Modalities) != 4 {
		return fmt.Errorf("%w: variant %q must list 4 modalities, got %d", contract.ErrInvariantViolation, v.Key, len(v.Modalities))
	}
	// 通过 4 通道描述符复用模态合法性与去重校验
	if _, err := NewDescriptor(v.Key+"_4ch", v.Description, v.Modalities, v.Labels); err != nil {
		return err
	}
	for ch := range v.Tasks {
		if ch != 1 && ch != 4 {
			return fmt.Errorf("%w: variant %q: task for %d channels", contract.ErrInvariantViolation, v.Key, ch)
		}
	}
	return nil
}
