package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Dataset: 变体键（内置 ukbb/gnc，或 descriptors_file 中定义的键）。
	Dataset  string `json:"dataset"`
	Channels int    `json:"channels"`
	// DescriptorsFile: 可选 YAML，追加或覆盖数据集变体。
	DescriptorsFile string `json:"descriptors_file"`
	Concurrency     int    `json:"concurrency"`

	Forward Forward `json:"forward"`
	Reverse Reverse `json:"reverse"`
	Predict Predict `json:"predict"`
	Extract Extract `json:"extract"`
	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Forward: 正向转换。StartIdx/NumSubjects/Overwrite 用指针区分“未设置”与零值。
type Forward struct {
	Source      string `json:"source"`
	Dest        string `json:"dest"`
	StartIdx    *int   `json:"start_idx,omitempty"`
	NumSubjects *int   `json:"num_subjects,omitempty"`
	Overwrite   *bool  `json:"overwrite,omitempty"`
}

// Reverse: 反向转换。Map 为空时取 predictions/conversion.json。
type Reverse struct {
	Predictions string `json:"predictions"`
	Output      string `json:"output"`
	Map         string `json:"map"`
}

// Predict: 推理阶段。Device 与 ResultsDir 必须显式配置，不从进程环境推断。
type Predict struct {
	Input       string `json:"input"`
	Predictions string `json:"predictions"`
	Device      string `json:"device"`
	ResultsDir  string `json:"results_dir"`
}

// Extract: 上游规范化阶段。
type Extract struct {
	Source      string `json:"source"`
	Dest        string `json:"dest"`
	Layout      string `json:"layout"`
	StartIdx    *int   `json:"start_idx,omitempty"`
	NumSubjects *int   `json:"num_subjects,omitempty"`
}

// Logging: 日志等级与目录；目录为空时输出到 stderr。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader string `json:"reader"`
	Writer string `json:"writer"`
	Engine string `json:"engine"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader json.RawMessage `json:"reader"`
	Writer json.RawMessage `json:"writer"`
	Engine json.RawMessage `json:"engine"`
}
