package contract

import "context"

// InferenceRequest: 一次推理调用所需的全部显式参数。
// 设备与模型目录不得从进程环境隐式读取。
type InferenceRequest struct {
	InputDir  string
	OutputDir string
	// Dataset: 数据集变体键（例如 ukbb/gnc）。
	Dataset  string
	Channels int
	// TaskID: 引擎内的任务编号（例如 501）。
	TaskID string
	// ModelURL: 模型归档下载地址；为空表示不可下载。
	ModelURL   string
	Device     string
	ResultsDir string
}

// Engine: 外部推理协作者。读取扁平布局，按病例标识输出预测文件。
// 单次调用、同步返回；应尊重 ctx 取消。
type Engine interface {
	Predict(ctx context.Context, req InferenceRequest) error
}
