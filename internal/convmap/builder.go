package convmap

import (
	"fmt"
	"time"

	"cohortconv/pkg/contract"
)

// Builder 以追加方式构建映射；单写者，非并发安全。
// 每次 Append 即校验新记录，Build 之后不可再追加。
type Builder struct {
	m     Map
	ids   map[contract.CaseID]struct{}
	built bool
}

// NewBuilder 以数据集名与运行标识构造。
func NewBuilder(dataset, runID string, createdAt time.Time) *Builder {
	return &Builder{
		m: Map{
			Schema:    Schema,
			Version:   Version,
			Dataset:   dataset,
			RunID:     runID,
			CreatedAt: createdAt.UTC().Truncate(time.Second),
			Records:   []contract.CaseRecord{},
		},
		ids: make(map[contract.CaseID]struct{}),
	}
}

// Append 追加一条记录。序号必须为上一条 +1（首条为 1），标识不得重复。
func (b *Builder) Append(r contract.CaseRecord) error {
	if b.built {
		return fmt.Errorf("convmap: append after build: %w", contract.ErrInvariantViolation)
	}
	if want := len(b.m.Records) + 1; r.SequenceNumber != want {
		return fmt.Errorf("convmap: sequence %d, want %d: %w", r.SequenceNumber, want, contract.ErrInvariantViolation)
	}
	if _, dup := b.ids[r.CaseID]; dup {
		return fmt.Errorf("convmap: duplicate case id %s: %w", r.CaseID, contract.ErrInvariantViolation)
	}
	if err := checkRecord(b.m.Dataset, r); err != nil {
		return err
	}
	if len(b.m.Records) > 0 {
		if err := sameChannels(b.m.Records[0], r); err != nil {
			return err
		}
	}
	b.ids[r.CaseID] = struct{}{}
	b.m.Records = append(b.m.Records, r.Clone())
	return nil
}

// Len 返回已追加的记录数。
func (b *Builder) Len() int { return len(b.m.Records) }

// Build 完成构建并返回校验过的映射。
func (b *Builder) Build() (*Map, error) {
	if err := Validate(&b.m); err != nil {
		return nil, err
	}
	b.built = true
	out := b.m
	out.Records = make([]contract.CaseRecord, len(b.m.Records))
	for i, r := range b.m.Records {
		out.Records[i] = r.Clone()
	}
	return &out, nil
}
