// Package dataset 定义数据集描述符（通道顺序与标签语义）、受试者完整性校验
// 以及推理引擎消费的 dataset.json 描述文件。
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"cohortconv/pkg/contract"
)

// Ext: 全流程统一的体数据扩展名。
const Ext = ".nii.gz"

// Modality: 规范模态标记，同时决定受试者目录内的文件名。
type Modality string

const (
	Water        Modality = "wat"
	Fat          Modality = "fat"
	InPhase      Modality = "inp"
	OpposedPhase Modality = "opp"
)

// canonical: 受试者完整性所要求的四个模态（与实际消费的通道数无关）。
var canonical = []Modality{Water, Fat, InPhase, OpposedPhase}

// Canonical 返回四个规范模态的拷贝。
func Canonical() []Modality {
	out := make([]Modality, len(canonical))
	copy(out, canonical)
	return out
}

// FileName 返回受试者目录内该模态的规范文件名。
func (m Modality) FileName() string { return string(m) + Ext }

// Valid 报告 m 是否为规范模态之一。
func (m Modality) Valid() bool {
	for _, c := range canonical {
		if m == c {
			return true
		}
	}
	return false
}

// Labels: 类别索引 → 标签名。JSON 以字符串键输出，并按数值升序排列。
type Labels map[int]string

func (l Labels) keys() []int {
	ks := make([]int, 0, len(l))
	for k := range l {
		ks = append(ks, k)
	}
	sort.Ints(ks)
	return ks
}

// MarshalJSON 按数值顺序输出，避免 "10" 排在 "2" 之前。
func (l Labels) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range l.keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := json.Marshal(l[k])
		if err != nil {
			return nil, err
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(k)))
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 接受字符串形式的整数键。
func (l *Labels) UnmarshalJSON(b []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Labels, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("labels: key %q is not an integer", k)
		}
		out[n] = v
	}
	*l = out
	return nil
}

func (l Labels) clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Descriptor: 某一数据集变体的静态配置。构造后不可变；访问器返回拷贝。
type Descriptor struct {
	name            string
	description     string
	tensorImageSize string
	modalities      []Modality
	labels          Labels
}

// NewDescriptor 校验并构造描述符。
// 约束：通道数 ∈ {1,4}；模态合法且不重复；名称可作为文件名前缀。
func NewDescriptor(name, description string, modalities []Modality, labels Labels) (Descriptor, error) {
	if err := contract.ValidName(name); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor name %q: %w", name, err)
	}
	if k := len(modalities); k != 1 && k != 4 {
		return Descriptor{}, fmt.Errorf("%w: descriptor %q has %d channels, want 1 or 4", contract.ErrInvariantViolation, name, k)
	}
	seen := make(map[Modality]bool, len(modalities))
	for _, m := range modalities {
		if !m.Valid() {
			return Descriptor{}, fmt.Errorf("%w: descriptor %q: unknown modality %q", contract.ErrInvariantViolation, name, m)
		}
		if seen[m] {
			return Descriptor{}, fmt.Errorf("%w: descriptor %q: duplicate modality %q", contract.ErrInvariantViolation, name, m)
		}
		seen[m] = true
	}
	ms := make([]Modality, len(modalities))
	copy(ms, modalities)
	return Descriptor{
		name:            name,
		description:     description,
		tensorImageSize: "4D",
		modalities:      ms,
		labels:          labels.clone(),
	}, nil
}

func (d Descriptor) Name() string            { return d.name }
func (d Descriptor) Description() string     { return d.description }
func (d Descriptor) TensorImageSize() string { return d.tensorImageSize }
func (d Descriptor) Channels() int           { return len(d.modalities) }

// Modalities 返回按通道索引排列的模态。
func (d Descriptor) Modalities() []Modality {
	out := make([]Modality, len(d.modalities))
	copy(out, d.modalities)
	return out
}

// Labels 返回标签映射的拷贝。
func (d Descriptor) Labels() Labels { return d.labels.clone() }
