package cohort

import (
	"cohortconv/pkg/contract"
)

// Case: 计划中的一个病例（已通过校验并分配标识）。
type Case struct {
	ID          contract.CaseID `json:"case_id"`
	Seq         int             `json:"sequence_number"`
	SubjectName string          `json:"subject"`
	SubjectDir  string          `json:"path"`
}

// Exclusion: 因校验失败被排除的受试者；不消耗编号。
type Exclusion struct {
	Subject string `json:"subject"`
	Path    string `json:"path"`
	Reason  string `json:"reason"`
}

// Plan: 一次正向转换的编号结果。
type Plan struct {
	Width    int
	Cases    []Case
	Excluded []Exclusion
}

// Validator 判定受试者目录是否可转换；返回 nil 表示通过。
type Validator func(dir string) error

// MakePlan 按窗口顺序逐个校验并编号（单线程，编号屏障）。
// 宽度由窗口大小确定；编号仅在通过校验时递增。
// onExclude 可为 nil，用于排除时即时记录日志。
func MakePlan(window []string, name string, valid Validator, onExclude func(Exclusion)) Plan {
	a := NewAssigner(name, len(window))
	p := Plan{Width: a.Width(), Cases: make([]Case, 0, len(window))}
	for _, dir := range window {
		subject := contract.SubjectName(dir)
		if err := valid(dir); err != nil {
			ex := Exclusion{Subject: subject, Path: dir, Reason: err.Error()}
			p.Excluded = append(p.Excluded, ex)
			if onExclude != nil {
				onExclude(ex)
			}
			continue
		}
		id, seq := a.Next()
		p.Cases = append(p.Cases, Case{ID: id, Seq: seq, SubjectName: subject, SubjectDir: dir})
	}
	return p
}

// IDs 返回按顺序排列的病例标识。
func (p Plan) IDs() []contract.CaseID {
	out := make([]contract.CaseID, len(p.Cases))
	for i, c := range p.Cases {
		out[i] = c.ID
	}
	return out
}
