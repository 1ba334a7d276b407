package registry

import (
	"bytes"
	"encoding/json"

	"cohortconv/pkg/contract"
	emock "cohortconv/plugins/engine/mock"
	"cohortconv/plugins/engine/nnunet"
	rfs "cohortconv/plugins/reader/filesystem"
	wfs "cohortconv/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewWriter 工厂签名：输出根与布局由流程决定（正向扁平、反向按受试者分目录），
// raw 为其余选项。
type NewWriter func(outputDir string, flat bool, raw json.RawMessage) (contract.Writer, error)

// NewEngine 工厂签名：接收原样 JSON Options。
type NewEngine func(raw json.RawMessage) (contract.Engine, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 本地文件系统 Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换；扁平/非扁平可配置）
	"fs": func(outputDir string, flat bool, raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		opts.OutputDir = outputDir
		opts.Flat = &flat
		return wfs.New(&opts)
	},
}

// Engine 工厂注册表。
var Engine = map[string]NewEngine{
	// nnunet: 子进程调用 nnUNet_predict
	"nnunet": func(raw json.RawMessage) (contract.Engine, error) {
		var opts nnunet.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return nnunet.New(&opts), nil
	},
	// mock: 无 GPU 替身，第 0 通道即“预测”
	"mock": func(raw json.RawMessage) (contract.Engine, error) {
		var opts emock.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return emock.New(&opts), nil
	},
}
