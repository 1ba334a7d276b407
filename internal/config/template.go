package config

import "encoding/json"

// DefaultTemplateConfig 返回一个默认配置模板：
// - 各阶段路径按目录约定给出占位，可直接按需修改；
// - device/results_dir 留空，必须显式填写后才能运行 predict；
// - 选项包含全部键并给出中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	start, num := 0, -1
	overwrite := false
	cfg := Config{
		Dataset:     "ukbb",
		Channels:    d.Channels,
		Concurrency: d.Concurrency,
		Forward: Forward{
			Source:      "nifti",
			Dest:        "nnunet_input",
			StartIdx:    &start,
			NumSubjects: &num,
			Overwrite:   &overwrite,
		},
		Reverse: Reverse{Predictions: "nnunet_output", Output: "predictions"},
		Predict: Predict{Input: "nnunet_input", Predictions: "nnunet_output"},
		Extract: Extract{Source: "stitched", Dest: "nifti", Layout: "ukbb"},
		Logging: Logging{Level: "info", Dir: "logs"},
		Components: d.Components,
	}
	cfg.Options.Reader = json.RawMessage(`{
  "exclude_dir_names": [".git", "@eaDir"],
  "skip_hidden": true
}`)
	// output_dir 与 flat 由各阶段决定，此处不列出
	cfg.Options.Writer = json.RawMessage(`{
  "atomic": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 262144
}`)
	cfg.Options.Engine = json.RawMessage(`{
  "command": "nnUNet_predict",
  "extra_args": [],
  "download": true,
  "download_timeout_seconds": 1800,
  "log_path": ""
}`)
	return cfg
}
