package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cohortconv/internal/cohort"
	"cohortconv/pkg/contract"
)

// 各阶段摘要文件名（写在对应输出根下）。
const (
	ForwardSummaryFile = "forward_summary.json"
	ReverseSummaryFile = "reverse_summary.json"
	PredictSummaryFile = "predict_summary.json"
)

// CaseFailure: 摘要中的失败病例（区别于校验排除）。
type CaseFailure struct {
	CaseID  string `json:"case_id"`
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// Summary: 一次运行的结果报告；以 JSON 持久化，并以 Text 打印给用户。
type Summary struct {
	Operation  string    `json:"operation"`
	RunID      string    `json:"run_id"`
	Dataset    string    `json:"dataset,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Discovered: 源目录下全部候选；Candidates: 选择窗口内的候选。
	Discovered int                `json:"discovered"`
	Candidates int                `json:"candidates"`
	Validated  int                `json:"validated"`
	Excluded   []cohort.Exclusion `json:"excluded"`
	Failed     []CaseFailure      `json:"failed"`
	Converted  int                `json:"converted"`
	Total      int                `json:"total"`
	Missing    []string           `json:"missing"`
	Outputs    map[string]string  `json:"outputs,omitempty"`
}

func newSummary(op, runID string) Summary {
	return Summary{
		Operation: op,
		RunID:     runID,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		Excluded:  []cohort.Exclusion{},
		Failed:    []CaseFailure{},
		Missing:   []string{},
		Outputs:   map[string]string{},
	}
}

// OK 报告运行是否无失败。
func (s Summary) OK() bool { return len(s.Failed) == 0 }

// Encode 以缩进 JSON 编码。
func (s Summary) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Text 渲染面向用户的纯文本报告。
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", s.Operation)
	if s.Dataset != "" {
		fmt.Fprintf(&b, " %s", s.Dataset)
	}
	fmt.Fprintf(&b, " (run %s)\n", s.RunID)
	switch s.Operation {
	case "forward":
		fmt.Fprintf(&b, "  candidates: %d of %d discovered\n", s.Candidates, s.Discovered)
		fmt.Fprintf(&b, "  validated:  %d\n", s.Validated)
		fmt.Fprintf(&b, "  excluded:   %d\n", len(s.Excluded))
		for _, e := range s.Excluded {
			fmt.Fprintf(&b, "    - %s: %s\n", e.Subject, e.Reason)
		}
		fmt.Fprintf(&b, "  converted:  %d\n", s.Converted)
	default:
		fmt.Fprintf(&b, "  converted:  %d of %d\n", s.Converted, s.Total)
		fmt.Fprintf(&b, "  missing:    %d\n", len(s.Missing))
		for _, m := range s.Missing {
			fmt.Fprintf(&b, "    - %s\n", m)
		}
	}
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, "  failed:     %d\n", len(s.Failed))
		for _, f := range s.Failed {
			fmt.Fprintf(&b, "    - %s (%s): %s\n", f.CaseID, f.Subject, f.Reason)
		}
	}
	if len(s.Outputs) > 0 {
		keys := make([]string, 0, len(s.Outputs))
		for k := range s.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("  outputs:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %s\n", k, s.Outputs[k])
		}
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "  duration:   %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	return b.String()
}

// persistSummary 写出摘要，并把路径登记到 Outputs。
func persistSummary(ctx context.Context, w contract.Writer, name string, s *Summary) error {
	s.FinishedAt = time.Now().UTC().Truncate(time.Millisecond)
	s.Outputs["summary"] = filepath.Join(w.Root(), name)
	bs, err := s.Encode()
	if err != nil {
		return err
	}
	return w.Write(ctx, contract.ArtifactID(name), bytes.NewReader(bs))
}
