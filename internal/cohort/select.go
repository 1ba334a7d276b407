// Package cohort 负责确定性选择（排序 + 窗口）与病例标识分配。
//
// 编号屏障：校验与编号严格按选择顺序单线程完成（Plan），
// 之后的拷贝才允许并发；由此保证同一目录快照与同一窗口参数
// 总是得到相同的编号结果。
package cohort

import (
	"path/filepath"
	"sort"
	"strings"
)

// Select 对候选目录排序并截取窗口。
// 规则：
// - 以“目录路径 + 结尾分隔符”按字节序排序（与目录通配的输出形式一致）；
// - startIdx < 0 视为 0；
// - numSubjects > 0 且 startIdx+numSubjects <= len 时取 [startIdx, startIdx+numSubjects)，否则取 [startIdx, end)；
// - startIdx 越过末尾得到空窗口。
// 窗口定义在全部候选之上（先于校验）。不修改入参。
func Select(candidates []string, startIdx, numSubjects int) []string {
	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sortKey(sorted[i]) < sortKey(sorted[j]) })

	if startIdx < 0 {
		startIdx = 0
	}
	if startIdx >= len(sorted) {
		return []string{}
	}
	if numSubjects > 0 && startIdx+numSubjects <= len(sorted) {
		return sorted[startIdx : startIdx+numSubjects]
	}
	return sorted[startIdx:]
}

func sortKey(p string) string {
	p = filepath.Clean(p)
	if !strings.HasSuffix(p, string(filepath.Separator)) {
		p += string(filepath.Separator)
	}
	return p
}
