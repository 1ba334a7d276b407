// Package convmap 定义正向转换产出、反向转换消费的转换映射（私有文件契约）。
//
// 映射在内存中完整构建、一次编码、原子写入；写入后不再修改。
package convmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cohortconv/internal/cohort"
	"cohortconv/pkg/contract"
)

const (
	// FileName: 转换映射在目标根（及预测目录）中的文件名。
	FileName = "conversion.json"
	Schema   = "cohortconv/conversion-map"
	Version  = 1
)

// Map: 一次正向转换的完整映射。Records 顺序即序号顺序。
type Map struct {
	Schema    string                `json:"schema"`
	Version   int                   `json:"version"`
	Dataset   string                `json:"dataset"`
	RunID     string                `json:"run_id"`
	CreatedAt time.Time             `json:"created_at"`
	Records   []contract.CaseRecord `json:"records"`
}

// Lookup 按病例标识查找记录。
func (m *Map) Lookup(id contract.CaseID) (contract.CaseRecord, bool) {
	for _, r := range m.Records {
		if r.CaseID == id {
			return r, true
		}
	}
	return contract.CaseRecord{}, false
}

// Validate 校验映射不变量：
// - schema/version 匹配；
// - 序号从 1 起稠密且严格递增；
// - 病例标识唯一，且形如 {dataset}_{序号按统一宽度零填充}；
// - 每条记录的受试者名合法，且每个转换路径基名为 {case_id}_{j:04d}.nii.gz；
// - 全部记录通道数一致。
func Validate(m *Map) error {
	if m == nil {
		return fmt.Errorf("convmap: nil map: %w", contract.ErrInvariantViolation)
	}
	if m.Schema != Schema || m.Version != Version {
		return fmt.Errorf("convmap: schema=%q version=%d: %w", m.Schema, m.Version, contract.ErrMapVersion)
	}
	if strings.TrimSpace(m.Dataset) == "" {
		return fmt.Errorf("convmap: empty dataset: %w", contract.ErrInvariantViolation)
	}
	width := 0
	seen := make(map[contract.CaseID]struct{}, len(m.Records))
	for i, r := range m.Records {
		if err := checkRecord(m.Dataset, r); err != nil {
			return err
		}
		if r.SequenceNumber != i+1 {
			return fmt.Errorf("convmap: record %d has sequence %d: %w", i, r.SequenceNumber, contract.ErrInvariantViolation)
		}
		if _, dup := seen[r.CaseID]; dup {
			return fmt.Errorf("convmap: duplicate case id %s: %w", r.CaseID, contract.ErrInvariantViolation)
		}
		seen[r.CaseID] = struct{}{}
		w := len(string(r.CaseID)) - len(m.Dataset) - 1
		if i == 0 {
			width = w
		} else if w != width {
			return fmt.Errorf("convmap: case id %s width %d != %d: %w", r.CaseID, w, width, contract.ErrInvariantViolation)
		}
		if err := sameChannels(m.Records[0], r); err != nil {
			return err
		}
		if r.CaseID != cohort.FormatCaseID(m.Dataset, r.SequenceNumber, width) {
			return fmt.Errorf("convmap: case id %s does not match sequence %d: %w", r.CaseID, r.SequenceNumber, contract.ErrInvariantViolation)
		}
	}
	return nil
}

// sameChannels: 全部记录的通道数由首条记录确定。
func sameChannels(first, r contract.CaseRecord) error {
	if n, want := len(r.ModalityMappings), len(first.ModalityMappings); n != want {
		return fmt.Errorf("convmap: case %s has %d channels, %s has %d: %w", r.CaseID, n, first.CaseID, want, contract.ErrInvariantViolation)
	}
	return nil
}

func checkRecord(dataset string, r contract.CaseRecord) error {
	if !strings.HasPrefix(string(r.CaseID), dataset+"_") {
		return fmt.Errorf("convmap: case id %q outside dataset %q: %w", r.CaseID, dataset, contract.ErrInvariantViolation)
	}
	if err := contract.ValidName(r.OriginalSubjectName); err != nil {
		return fmt.Errorf("convmap: case %s subject %q: %w", r.CaseID, r.OriginalSubjectName, err)
	}
	if len(r.ModalityMappings) == 0 {
		return fmt.Errorf("convmap: case %s has no modality mappings: %w", r.CaseID, contract.ErrInvariantViolation)
	}
	for j, mm := range r.ModalityMappings {
		if want := cohort.ChannelFile(r.CaseID, j); filepath.Base(mm.ConvertedPath) != want {
			return fmt.Errorf("convmap: case %s channel %d converted to %q, want %s: %w", r.CaseID, j, mm.ConvertedPath, want, contract.ErrInvariantViolation)
		}
		if mm.OriginalPath == "" {
			return fmt.Errorf("convmap: case %s channel %d empty original path: %w", r.CaseID, j, contract.ErrInvariantViolation)
		}
	}
	return nil
}

// Encode 以缩进 JSON 输出（末尾换行）。编码前先校验。
func Encode(m *Map) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(bs, '\n'), nil
}

// Decode 严格解码：拒绝未知字段与不支持的 schema/version，并重新校验。
func Decode(r io.Reader) (*Map, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var m Map
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("convmap: decode: %w", err)
	}
	// 仅允许单个 JSON 文档
	if dec.More() {
		return nil, errors.New("convmap: trailing data after document")
	}
	if m.Schema != Schema || m.Version != Version {
		return nil, fmt.Errorf("convmap: schema=%q version=%d: %w", m.Schema, m.Version, contract.ErrMapVersion)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load 从文件读取映射。
func Load(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Save 通过 Writer 原子写入 FileName。
func Save(ctx context.Context, w contract.Writer, m *Map) error {
	bs, err := Encode(m)
	if err != nil {
		return err
	}
	return w.Write(ctx, contract.ArtifactID(FileName), bytes.NewReader(bs))
}
