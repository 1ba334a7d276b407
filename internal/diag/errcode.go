package diag

import (
	"context"
	"errors"
	"os"
	"time"

	"cohortconv/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown    Code = "unknown"
	CodeValidation Code = "validation"
	CodeCollision  Code = "collision"
	CodeCopy       Code = "copy"
	CodeConfig     Code = "config"
	CodeInvariant  Code = "invariant"
	CodeEngine     Code = "engine"
	CodeCancel     Code = "cancel"
	CodeIO         Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配；先判定领域哨兵，再判定 I/O。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	switch {
	case errors.Is(err, contract.ErrSubjectIncomplete), errors.Is(err, contract.ErrNoCandidates):
		return CodeValidation
	case errors.Is(err, contract.ErrDestinationExists):
		return CodeCollision
	case errors.Is(err, contract.ErrCopyFailed):
		return CodeCopy
	case errors.Is(err, contract.ErrConfigMissing):
		return CodeConfig
	case errors.Is(err, contract.ErrEngineFailed), errors.Is(err, contract.ErrModelMissing):
		return CodeEngine
	case errors.Is(err, contract.ErrInvariantViolation),
		errors.Is(err, contract.ErrPathInvalid),
		errors.Is(err, contract.ErrMapVersion):
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var lerr *os.LinkError
	if errors.As(err, &lerr) {
		return CodeIO
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
