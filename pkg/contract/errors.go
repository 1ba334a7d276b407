package contract

import "errors"

// 最小错误分类；上层通过 errors.Is 判定，日志码由 diag.Classify 派生。
var (
	// ErrPathInvalid: 标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrSubjectIncomplete: 受试者目录缺少规范模态文件（预期内的排除，不致命）。
	ErrSubjectIncomplete = errors.New("subject incomplete")
	// ErrDestinationExists: 目标根目录已有内容且未显式授权清空。
	ErrDestinationExists = errors.New("destination exists")
	// ErrCopyFailed: 已分配病例标识后的拷贝失败，须与校验排除区分。
	ErrCopyFailed = errors.New("copy failed")
	// ErrConfigMissing: 调用外部协作者前缺少必要配置（设备、模型目录等）。
	ErrConfigMissing = errors.New("config missing")
	// ErrNoCandidates: 选择窗口为空。
	ErrNoCandidates = errors.New("no candidates")
	// ErrMapVersion: 转换映射文件的 schema/version 不受支持。
	ErrMapVersion = errors.New("conversion map version unsupported")
	// ErrEngineFailed: 外部推理引擎返回失败。
	ErrEngineFailed = errors.New("inference engine failed")
	// ErrModelMissing: 模型不存在且未允许下载。
	ErrModelMissing = errors.New("model missing")
)
