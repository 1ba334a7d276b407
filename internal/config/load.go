package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "COHORTCONV_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：dataset、各阶段路径、device 与 results_dir 不设默认。
func Defaults() Config {
	return Config{
		Channels:    4,
		Concurrency: 4,
		Logging:     Logging{Level: "info"},
		Components: Components{
			Reader: "fs",
			Writer: "fs",
			Engine: "nnunet",
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。空字符串与零值不覆盖，指针非 nil 即覆盖。
func Merge(base, over Config) Config {
	out := base
	// 顶层
	setStr(&out.Dataset, over.Dataset)
	setStr(&out.DescriptorsFile, over.DescriptorsFile)
	if over.Channels != 0 {
		out.Channels = over.Channels
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}

	// 各阶段
	setStr(&out.Forward.Source, over.Forward.Source)
	setStr(&out.Forward.Dest, over.Forward.Dest)
	if over.Forward.StartIdx != nil {
		out.Forward.StartIdx = intPtr(*over.Forward.StartIdx)
	}
	if over.Forward.NumSubjects != nil {
		out.Forward.NumSubjects = intPtr(*over.Forward.NumSubjects)
	}
	if over.Forward.Overwrite != nil {
		v := *over.Forward.Overwrite
		out.Forward.Overwrite = &v
	}
	setStr(&out.Reverse.Predictions, over.Reverse.Predictions)
	setStr(&out.Reverse.Output, over.Reverse.Output)
	setStr(&out.Reverse.Map, over.Reverse.Map)
	setStr(&out.Predict.Input, over.Predict.Input)
	setStr(&out.Predict.Predictions, over.Predict.Predictions)
	setStr(&out.Predict.Device, over.Predict.Device)
	setStr(&out.Predict.ResultsDir, over.Predict.ResultsDir)
	setStr(&out.Extract.Source, over.Extract.Source)
	setStr(&out.Extract.Dest, over.Extract.Dest)
	setStr(&out.Extract.Layout, over.Extract.Layout)
	if over.Extract.StartIdx != nil {
		out.Extract.StartIdx = intPtr(*over.Extract.StartIdx)
	}
	if over.Extract.NumSubjects != nil {
		out.Extract.NumSubjects = intPtr(*over.Extract.NumSubjects)
	}

	// Logging
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Writer, over.Components.Writer)
	setStr(&out.Components.Engine, over.Components.Engine)

	// Options（完整替换对应键）
	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}
	if len(over.Options.Engine) > 0 {
		out.Options.Engine = cloneRaw(over.Options.Engine)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 COHORTCONV_；集合之外的键忽略；空值视为未设置；
// 整数/布尔值无法解析时报错（指出键名）。
// 推理子进程使用的 CUDA_VISIBLE_DEVICES/RESULTS_FOLDER 不在此读取。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		var err error
		switch strings.TrimPrefix(key, EnvPrefix) {
		case "DATASET":
			over.Dataset = val
		case "CHANNELS":
			over.Channels, err = atoi(val)
		case "DESCRIPTORS_FILE":
			over.DescriptorsFile = val
		case "CONCURRENCY":
			over.Concurrency, err = atoi(val)
		case "FORWARD_SOURCE":
			over.Forward.Source = val
		case "FORWARD_DEST":
			over.Forward.Dest = val
		case "FORWARD_START_IDX":
			over.Forward.StartIdx, err = atoiPtr(val)
		case "FORWARD_NUM_SUBJECTS":
			over.Forward.NumSubjects, err = atoiPtr(val)
		case "FORWARD_OVERWRITE":
			var b bool
			if b, err = strconv.ParseBool(val); err == nil {
				over.Forward.Overwrite = &b
			}
		case "REVERSE_PREDICTIONS":
			over.Reverse.Predictions = val
		case "REVERSE_OUTPUT":
			over.Reverse.Output = val
		case "REVERSE_MAP":
			over.Reverse.Map = val
		case "PREDICT_INPUT":
			over.Predict.Input = val
		case "PREDICT_PREDICTIONS":
			over.Predict.Predictions = val
		case "PREDICT_DEVICE":
			over.Predict.Device = val
		case "PREDICT_RESULTS_DIR":
			over.Predict.ResultsDir = val
		case "EXTRACT_SOURCE":
			over.Extract.Source = val
		case "EXTRACT_DEST":
			over.Extract.Dest = val
		case "EXTRACT_LAYOUT":
			over.Extract.Layout = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "COMPONENTS_READER":
			over.Components.Reader = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		case "COMPONENTS_ENGINE":
			over.Components.Engine = val
		case "ENGINE_OPTIONS_JSON":
			// 原样 JSON；解析在工厂层严格进行
			over.Options.Engine = json.RawMessage(val)
		default:
			// 集合之外的键忽略（例如 CONFIG_FILE 由入口读取）。
		}
		if err != nil {
			return Config{}, fmt.Errorf("env %s: %w", key, err)
		}
	}
	return over, nil
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func intPtr(v int) *int { return &v }

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func atoiPtr(s string) (*int, error) {
	v, err := atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
