package contract

// CaseID: 扁平布局中的病例标识，形如 {dataset}_{零填充序号}。
type CaseID string

// ModalityMapping: 单个通道的源路径与转换后路径（均为绝对路径）。
type ModalityMapping struct {
	OriginalPath  string `json:"original_path"`
	ConvertedPath string `json:"converted_path"`
}

// CaseRecord: 一个通过校验的受试者在一次正向转换中的完整记录。
// 约束：
// - 由正向转换创建一次，之后只读；
// - SequenceNumber 自 1 起，仅在有效受试者上稠密递增；
// - ModalityMappings 长度等于描述符通道数，顺序与描述符一致。
type CaseRecord struct {
	CaseID              CaseID            `json:"case_id"`
	SequenceNumber      int               `json:"sequence_number"`
	OriginalSubjectName string            `json:"original_subject_name"`
	OriginalSubjectPath string            `json:"original_subject_path"`
	ModalityMappings    []ModalityMapping `json:"modality_mappings"`
}

// Clone 返回深拷贝，避免调用方修改共享切片。
func (r CaseRecord) Clone() CaseRecord {
	out := r
	if r.ModalityMappings != nil {
		out.ModalityMappings = make([]ModalityMapping, len(r.ModalityMappings))
		copy(out.ModalityMappings, r.ModalityMappings)
	}
	return out
}
