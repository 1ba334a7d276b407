package cohort

import (
	"fmt"
	"strconv"

	"cohortconv/internal/dataset"
	"cohortconv/pkg/contract"
)

// Width 返回窗口大小 n 对应的零填充宽度：floor(log10(n)) + 1。
// 以十进制位数计算，避免浮点误差；n <= 0 时返回 1。
func Width(n int) int {
	if n <= 0 {
		return 1
	}
	return len(strconv.Itoa(n))
}

// FormatCaseID 返回 {name}_{seq 零填充至 width}。
func FormatCaseID(name string, seq, width int) contract.CaseID {
	return contract.CaseID(fmt.Sprintf("%s_%0*d", name, width, seq))
}

// ChannelFile 返回扁平布局中的通道文件名 {case_id}_{j:04d}.nii.gz。
func ChannelFile(id contract.CaseID, channel int) string {
	return fmt.Sprintf("%s_%04d%s", id, channel, dataset.Ext)
}

// PredictionFile 返回推理引擎为该病例输出的文件名 {case_id}.nii.gz。
func PredictionFile(id contract.CaseID) string {
	return string(id) + dataset.Ext
}

// Assigner 产生稠密、严格递增的病例标识。宽度在构造时按窗口大小一次确定。
// 非并发安全：编号必须在单线程中完成。
type Assigner struct {
	name  string
	width int
	next  int
}

// NewAssigner 以数据集名与窗口大小（候选总数，非有效数）构造。
func NewAssigner(name string, windowSize int) *Assigner {
	return &Assigner{name: name, width: Width(windowSize), next: 1}
}

// Width 返回本次运行固定的填充宽度。
func (a *Assigner) Width() int { return a.width }

// Next 分配下一个标识；仅在受试者通过校验时调用。
func (a *Assigner) Next() (contract.CaseID, int) {
	seq := a.next
	a.next++
	return FormatCaseID(a.name, seq, a.width), seq
}
