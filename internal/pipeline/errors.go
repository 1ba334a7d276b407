package pipeline

import "fmt"

// CaseError: 已分配病例标识后的逐病例失败（拷贝失败等）。
// 通过 errors.As 取出病例信息；Unwrap 返回底层错误（通常包裹 contract.ErrCopyFailed）。
type CaseError struct {
	CaseID  string
	Subject string
	Err     error
}

func (e *CaseError) Error() string {
	return fmt.Sprintf("case %s (subject %s): %v", e.CaseID, e.Subject, e.Err)
}

func (e *CaseError) Unwrap() error { return e.Err }
