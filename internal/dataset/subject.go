package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cohortconv/pkg/contract"
)

// Check 判定受试者目录是否完整：目录存在，且四个规范模态文件
// 均为直接位于其下的常规文件。返回 nil 表示完整；否则错误包裹
// contract.ErrSubjectIncomplete 并说明原因。无副作用。
//
// 正向转换与上游抽取阶段共用同一判定，保证完整性规则一致。
func Check(dir string) error {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: not a directory: %s", contract.ErrSubjectIncomplete, dir)
	}
	if miss := Missing(dir); len(miss) > 0 {
		names := make([]string, len(miss))
		for i, m := range miss {
			names[i] = m.FileName()
		}
		return fmt.Errorf("%w: missing %s", contract.ErrSubjectIncomplete, strings.Join(names, ", "))
	}
	return nil
}

// IsComplete 为 Check 的布尔形式。
func IsComplete(dir string) bool { return Check(dir) == nil }

// Missing 按规范顺序返回缺失（或非常规文件）的模态。
func Missing(dir string) []Modality {
	var out []Modality
	for _, m := range canonical {
		st, err := os.Stat(filepath.Join(dir, m.FileName()))
		if err != nil || !st.Mode().IsRegular() {
			out = append(out, m)
		}
	}
	return out
}
