package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"cohortconv/pkg/contract"
)

// FileName: 推理引擎读取的描述文件名。
const FileName = "dataset.json"

// IndexedNames: 通道索引 → 模态名，JSON 形如 {"0":"wat","1":"fat"}，按索引顺序输出。
type IndexedNames []string

func (n IndexedNames) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range n {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(i)))
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 要求键为 0..n-1 的稠密整数。
func (n *IndexedNames) UnmarshalJSON(b []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(IndexedNames, len(raw))
	for i := range out {
		v, ok := raw[strconv.Itoa(i)]
		if !ok {
			return fmt.Errorf("modality: missing index %d", i)
		}
		out[i] = v
	}
	*n = out
	return nil
}

// TrainingPair: 训练条目（本工具不产出训练集，仅为格式完整）。
type TrainingPair struct {
	Image string `json:"image"`
	Label string `json:"label"`
}

// File: dataset.json 结构。所有病例均为推理目标（numTraining 恒为 0）。
type File struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	TensorImageSize string         `json:"tensorImageSize"`
	Modality        IndexedNames   `json:"modality"`
	Labels          Labels         `json:"labels"`
	NumTraining     int            `json:"numTraining"`
	Training        []TrainingPair `json:"training"`
	NumTest         int            `json:"numTest"`
	Test            []string       `json:"test"`
}

// NewFile 由描述符与有序病例标识构造描述文件；Test 为 destRoot 下
// {case_id}.nii.gz 的绝对路径，顺序与病例顺序一致。
func NewFile(d Descriptor, destRoot string, cases []contract.CaseID) File {
	mods := make(IndexedNames, 0, d.Channels())
	for _, m := range d.Modalities() {
		mods = append(mods, string(m))
	}
	test := make([]string, 0, len(cases))
	for _, id := range cases {
		test = append(test, filepath.Join(destRoot, string(id)+Ext))
	}
	return File{
		Name:            d.Name(),
		Description:     d.Description(),
		TensorImageSize: d.TensorImageSize(),
		Modality:        mods,
		Labels:          d.Labels(),
		NumTraining:     0,
		Training:        []TrainingPair{},
		NumTest:         len(test),
		Test:            test,
	}
}

// Encode 以缩进 JSON 编码。
func (f File) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ReadFile 读取 dataset.json。
func ReadFile(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.NumTest != len(f.Test) {
		return f, fmt.Errorf("%w: %s numTest=%d but %d test entries", contract.ErrInvariantViolation, path, f.NumTest, len(f.Test))
	}
	return f, nil
}
