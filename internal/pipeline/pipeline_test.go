package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortconv/internal/cohort"
	"cohortconv/internal/convmap"
	"cohortconv/internal/dataset"
	"cohortconv/internal/diag"
	"cohortconv/pkg/contract"
	"cohortconv/plugins/engine/mock"
	fsreader "cohortconv/plugins/reader/filesystem"
	fswriter "cohortconv/plugins/writer/filesystem"
)

// 测试夹具 ----------------------------------------------------

func descriptor(t *testing.T, key string, channels int) dataset.Descriptor {
	t.Helper()
	d, _, err := dataset.Lookup(dataset.Builtin(), key, channels)
	require.NoError(t, err)
	return d
}

// makeSubject 写出受试者目录；omit 中的模态不写出。
func makeSubject(t *testing.T, root, name string, omit ...dataset.Modality) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	skip := map[dataset.Modality]bool{}
	for _, m := range omit {
		skip[m] = true
	}
	for _, m := range dataset.Canonical() {
		if skip[m] {
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, m.FileName()), []byte(name+"/"+string(m)), 0o644))
	}
	return dir
}

func writer(t *testing.T, root string, flat bool) *fswriter.FS {
	t.Helper()
	w, err := fswriter.New(&fswriter.Options{OutputDir: root, Flat: &flat})
	require.NoError(t, err)
	return w
}

func forwardSetup(t *testing.T, subjects []string) (src, dest string) {
	t.Helper()
	base := t.TempDir()
	src = filepath.Join(base, "src")
	dest = filepath.Join(base, "dest")
	for _, s := range subjects {
		makeSubject(t, src, s)
	}
	return src, dest
}

func runForward(t *testing.T, src, dest string, set ForwardSettings) (Summary, error) {
	t.Helper()
	set.SourceRoot = src
	if set.Descriptor.Name() == "" {
		set.Descriptor = descriptor(t, "ukbb", 4)
	}
	if set.Concurrency == 0 {
		set.Concurrency = 4
	}
	if set.RunID == "" {
		set.RunID = "run-test"
	}
	comp := ForwardComponents{Reader: fsreader.New(nil), Writer: writer(t, dest, true)}
	return Forward(context.Background(), comp, set, diag.Nop())
}

// failWriter 在指定工件上让 Copy 失败，其余委托给内部 Writer。
type failWriter struct {
	contract.Writer
	failOn contract.ArtifactID
}

var errDiskFull = errors.New("disk full")

func (w failWriter) Copy(ctx context.Context, src string, id contract.ArtifactID) (string, error) {
	if id == w.failOn {
		return "", errDiskFull
	}
	return w.Writer.Copy(ctx, src, id)
}

// spyEngine 记录是否被调用。
type spyEngine struct{ called int }

func (e *spyEngine) Predict(context.Context, contract.InferenceRequest) error {
	e.called++
	return nil
}

// 正向转换 ----------------------------------------------------

func TestForwardDenseNumberingAndOutputs(t *testing.T) {
	src, dest := forwardSetup(t, []string{"1003", "1001", "1002"})
	makeSubject(t, src, "1001b", dataset.Fat) // 排序位于 1001 与 1002 之间

	sum, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Discovered)
	assert.Equal(t, 4, sum.Candidates)
	assert.Equal(t, 3, sum.Validated)
	assert.Equal(t, 3, sum.Converted)
	require.Len(t, sum.Excluded, 1)
	assert.Equal(t, "1001b", sum.Excluded[0].Subject)
	assert.Contains(t, sum.Excluded[0].Reason, "fat.nii.gz")
	assert.Empty(t, sum.Failed)

	m, err := convmap.Load(filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	var got []string
	for _, r := range m.Records {
		got = append(got, string(r.CaseID)+"="+r.OriginalSubjectName)
	}
	// 窗口大小 4 → 宽度 1；排除的受试者不消耗编号
	want := []string{"ukbb_4ch_1=1001", "ukbb_4ch_2=1002", "ukbb_4ch_3=1003"}
	assert.Empty(t, cmp.Diff(want, got))
	assert.Equal(t, "run-test", m.RunID)

	df, err := dataset.ReadFile(filepath.Join(dest, dataset.FileName))
	require.NoError(t, err)
	assert.Equal(t, 0, df.NumTraining)
	assert.Equal(t, []string{
		filepath.Join(dest, "ukbb_4ch_1.nii.gz"),
		filepath.Join(dest, "ukbb_4ch_2.nii.gz"),
		filepath.Join(dest, "ukbb_4ch_3.nii.gz"),
	}, df.Test)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	// 3 病例 × 4 通道 + dataset.json + conversion.json + 摘要
	assert.Len(t, entries, 3*4+3)
	assert.FileExists(t, filepath.Join(dest, ForwardSummaryFile))
	assert.Equal(t, filepath.Join(dest, ForwardSummaryFile), sum.Outputs["summary"])
}

func TestForwardMappingFidelity(t *testing.T) {
	for _, ch := range []int{1, 4} {
		src, dest := forwardSetup(t, []string{"a", "b"})
		d := descriptor(t, "gnc", ch)
		_, err := runForward(t, src, dest, ForwardSettings{Descriptor: d})
		require.NoError(t, err)

		m, err := convmap.Load(filepath.Join(dest, convmap.FileName))
		require.NoError(t, err)
		for _, r := range m.Records {
			require.Len(t, r.ModalityMappings, d.Channels())
			for j, mm := range r.ModalityMappings {
				assert.Equal(t, cohort.ChannelFile(r.CaseID, j), filepath.Base(mm.ConvertedPath))
				assert.Equal(t, d.Modalities()[j].FileName(), filepath.Base(mm.OriginalPath))
				assert.True(t, filepath.IsAbs(mm.ConvertedPath))
				want, err := os.ReadFile(mm.OriginalPath)
				require.NoError(t, err)
				gotB, err := os.ReadFile(mm.ConvertedPath)
				require.NoError(t, err)
				assert.Equal(t, want, gotB)
			}
		}
	}
}

func TestForwardWindow(t *testing.T) {
	src, dest := forwardSetup(t, []string{"s0", "s1", "s2", "s3", "s4"})
	sum, err := runForward(t, src, dest, ForwardSettings{StartIdx: 1, NumSubjects: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Discovered)
	assert.Equal(t, 2, sum.Candidates)

	m, err := convmap.Load(filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	require.Len(t, m.Records, 2)
	assert.Equal(t, "s1", m.Records[0].OriginalSubjectName)
	assert.Equal(t, "s2", m.Records[1].OriginalSubjectName)
}

func TestForwardEmptyWindow(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a"})
	_, err := runForward(t, src, dest, ForwardSettings{StartIdx: 5})
	require.ErrorIs(t, err, contract.ErrNoCandidates)
	assert.NoDirExists(t, dest)
}

func TestForwardDestinationCollision(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a", "b"})
	require.NoError(t, os.MkdirAll(dest, 0o755))
	marker := filepath.Join(dest, "keep.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	_, err := runForward(t, src, dest, ForwardSettings{})
	require.ErrorIs(t, err, contract.ErrDestinationExists)
	assert.FileExists(t, marker)
	assert.NoFileExists(t, filepath.Join(dest, convmap.FileName))

	sum, err := runForward(t, src, dest, ForwardSettings{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Converted)
	assert.NoFileExists(t, marker)
}

func TestForwardEmptyDestinationAllowed(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a"})
	require.NoError(t, os.MkdirAll(dest, 0o755))
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)
}

func TestForwardRefusesClearingSourceParent(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	makeSubject(t, src, "a")
	_, err := runForward(t, src, base, ForwardSettings{Overwrite: true})
	require.ErrorIs(t, err, contract.ErrPathInvalid)
	assert.DirExists(t, filepath.Join(src, "a"))
}

func TestForwardCopyFailureIsNotExclusion(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a", "b", "c"})
	d := descriptor(t, "ukbb", 4)
	failID := contract.ArtifactID(cohort.ChannelFile("ukbb_4ch_2", 2))
	comp := ForwardComponents{
		Reader: fsreader.New(nil),
		Writer: failWriter{Writer: writer(t, dest, true), failOn: failID},
	}
	set := ForwardSettings{SourceRoot: src, Descriptor: d, Concurrency: 1, RunID: "r"}

	sum, err := Forward(context.Background(), comp, set, diag.Nop())
	require.Error(t, err)
	require.ErrorIs(t, err, contract.ErrCopyFailed)
	require.ErrorIs(t, err, errDiskFull)
	var ce *CaseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ukbb_4ch_2", ce.CaseID)
	assert.Equal(t, "b", ce.Subject)
	assert.Equal(t, diag.CodeCopy, diag.Classify(err))

	// 失败病例不计为排除
	assert.Empty(t, sum.Excluded)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, "ukbb_4ch_2", sum.Failed[0].CaseID)
	assert.False(t, sum.OK())

	// 映射与描述文件均未写出；失败病例不留下部分通道
	assert.NoFileExists(t, filepath.Join(dest, convmap.FileName))
	assert.NoFileExists(t, filepath.Join(dest, dataset.FileName))
	for j := 0; j < 4; j++ {
		assert.NoFileExists(t, filepath.Join(dest, cohort.ChannelFile("ukbb_4ch_2", j)))
	}
	assert.FileExists(t, filepath.Join(dest, ForwardSummaryFile))
}

func TestForwardCanceled(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a", "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	comp := ForwardComponents{Reader: fsreader.New(nil), Writer: writer(t, dest, true)}
	set := ForwardSettings{SourceRoot: src, Descriptor: descriptor(t, "ukbb", 4), Concurrency: 2}
	_, err := Forward(ctx, comp, set, diag.Nop())
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(dest, convmap.FileName))
}

func TestForwardSanity(t *testing.T) {
	_, err := Forward(context.Background(), ForwardComponents{}, ForwardSettings{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sanity")
}

// 反斜杠在 Unix 上是普通字符：该受试者照常编号、转换并可反向还原。
func TestForwardBackslashSubjectOnUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("backslash is a separator on windows")
	}
	odd := `we\ird`
	src, dest := forwardSetup(t, []string{"s1", odd, "s3"})
	sum, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Converted)
	assert.Empty(t, sum.Excluded)

	m, err := convmap.Load(filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	require.Len(t, m.Records, 3)
	assert.Equal(t, odd, m.Records[2].OriginalSubjectName)
	assert.Equal(t, contract.CaseID("ukbb_4ch_3"), m.Records[2].CaseID)

	predDir := filepath.Join(t.TempDir(), "pred")
	out := filepath.Join(t.TempDir(), "out")
	fakePredictions(t, dest, predDir)
	_, err = runReverse(t, predDir, out, filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(out, odd, PredictionName))
}

// skewWriter 让 Copy 报告错误的目标路径，使映射构建失败。
type skewWriter struct{ contract.Writer }

func (w skewWriter) Copy(ctx context.Context, src string, id contract.ArtifactID) (string, error) {
	dst, err := w.Writer.Copy(ctx, src, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(dst), "elsewhere"+dataset.Ext), nil
}

// 映射构建失败时仍留下运行摘要；映射与描述文件不写出。
func TestForwardMapBuildFailureKeepsSummary(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a", "b"})
	comp := ForwardComponents{Reader: fsreader.New(nil), Writer: skewWriter{writer(t, dest, true)}}
	set := ForwardSettings{SourceRoot: src, Descriptor: descriptor(t, "ukbb", 4), Concurrency: 2, RunID: "r"}

	sum, err := Forward(context.Background(), comp, set, diag.Nop())
	require.ErrorIs(t, err, contract.ErrInvariantViolation)
	assert.Equal(t, 2, sum.Validated)
	assert.Zero(t, sum.Converted)
	assert.NoFileExists(t, filepath.Join(dest, convmap.FileName))
	assert.NoFileExists(t, filepath.Join(dest, dataset.FileName))
	assert.FileExists(t, filepath.Join(dest, ForwardSummaryFile))
}

// 反向转换 ----------------------------------------------------

// fakePredictions 为 dest 中映射的每个病例写一个预测文件（omit 除外）。
func fakePredictions(t *testing.T, dest, predDir string, omit ...contract.CaseID) *convmap.Map {
	t.Helper()
	m, err := convmap.Load(filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(predDir, 0o755))
	skip := map[contract.CaseID]bool{}
	for _, id := range omit {
		skip[id] = true
	}
	for _, r := range m.Records {
		if skip[r.CaseID] {
			continue
		}
		p := filepath.Join(predDir, cohort.PredictionFile(r.CaseID))
		require.NoError(t, os.WriteFile(p, []byte("pred:"+string(r.CaseID)), 0o644))
	}
	return m
}

func runReverse(t *testing.T, predDir, out, mapPath string) (Summary, error) {
	t.Helper()
	comp := ReverseComponents{Reader: fsreader.New(nil), Writer: writer(t, out, false)}
	return Reverse(context.Background(), comp, ReverseSettings{PredictionRoot: predDir, MapPath: mapPath, RunID: "rev"}, diag.Nop())
}

func TestRoundTrip(t *testing.T) {
	subjects := []string{"1000001", "1000002", "1000003", "1000004", "1000005"}
	src, dest := forwardSetup(t, subjects)
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)

	base := t.TempDir()
	predDir := filepath.Join(base, "pred")
	out := filepath.Join(base, "out")
	m := fakePredictions(t, dest, predDir)

	sum, err := runReverse(t, predDir, out, filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	assert.Equal(t, len(subjects), sum.Converted)
	assert.Equal(t, len(subjects), sum.Total)
	assert.Empty(t, sum.Missing)

	for _, r := range m.Records {
		b, err := os.ReadFile(filepath.Join(out, r.OriginalSubjectName, PredictionName))
		require.NoError(t, err)
		assert.Equal(t, "pred:"+string(r.CaseID), string(b))
	}
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	// 每个受试者一个目录 + 摘要文件
	assert.Len(t, entries, len(subjects)+1)
	assert.FileExists(t, filepath.Join(out, ReverseSummaryFile))
}

func TestPartialRoundTrip(t *testing.T) {
	subjects := []string{"s1", "s2", "s3", "s4"}
	src, dest := forwardSetup(t, subjects)
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)

	base := t.TempDir()
	predDir := filepath.Join(base, "pred")
	out := filepath.Join(base, "out")
	fakePredictions(t, dest, predDir, "ukbb_4ch_3")

	sum, err := runReverse(t, predDir, out, filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	assert.Equal(t, len(subjects)-1, sum.Converted)
	assert.Equal(t, []string{"s3"}, sum.Missing)
	assert.NoDirExists(t, filepath.Join(out, "s3"))
	assert.FileExists(t, filepath.Join(out, "s4", PredictionName))
	assert.Contains(t, sum.Text(), "missing:    1")
}

func TestReverseIgnoresNearMatches(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a"})
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)

	predDir := filepath.Join(t.TempDir(), "pred")
	require.NoError(t, os.MkdirAll(predDir, 0o755))
	// 名称需精确匹配
	require.NoError(t, os.WriteFile(filepath.Join(predDir, "ukbb_4ch_1_0000.nii.gz"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(predDir, "ukbb_4ch_01.nii.gz"), []byte("x"), 0o644))

	sum, err := runReverse(t, predDir, filepath.Join(t.TempDir(), "out"), filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Converted)
	assert.Equal(t, []string{"a"}, sum.Missing)
}

func TestReverseIdempotentOutput(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a", "b"})
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)
	base := t.TempDir()
	predDir := filepath.Join(base, "pred")
	out := filepath.Join(base, "out")
	fakePredictions(t, dest, predDir)

	for i := 0; i < 2; i++ {
		sum, err := runReverse(t, predDir, out, filepath.Join(dest, convmap.FileName))
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Converted)
	}
}

func TestReverseRejectsEscapingSubject(t *testing.T) {
	dir := t.TempDir()
	m := &convmap.Map{
		Schema: convmap.Schema, Version: convmap.Version, Dataset: "ukbb_4ch",
		Records: []contract.CaseRecord{{
			CaseID: "ukbb_4ch_1", SequenceNumber: 1,
			OriginalSubjectName: "..", OriginalSubjectPath: "/x",
			ModalityMappings: []contract.ModalityMapping{{OriginalPath: "/x/wat.nii.gz", ConvertedPath: "/d/ukbb_4ch_1_0000.nii.gz"}},
		}},
	}
	// Encode 会拒绝该映射，这里直接写出原始 JSON 以模拟篡改
	raw := `{"schema":"cohortconv/conversion-map","version":1,"dataset":"ukbb_4ch","run_id":"","created_at":"0001-01-01T00:00:00Z","records":[{"case_id":"ukbb_4ch_1","sequence_number":1,"original_subject_name":"..","original_subject_path":"/x","modality_mappings":[{"original_path":"/x/wat.nii.gz","converted_path":"/d/ukbb_4ch_1_0000.nii.gz"}]}]}`
	_, err := convmap.Encode(m)
	require.Error(t, err)
	mapPath := filepath.Join(dir, convmap.FileName)
	require.NoError(t, os.WriteFile(mapPath, []byte(raw), 0o644))

	_, err = runReverse(t, dir, filepath.Join(dir, "out"), mapPath)
	require.Error(t, err)
}

func TestReverseMapMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := runReverse(t, dir, filepath.Join(dir, "out"), "")
	require.ErrorIs(t, err, os.ErrNotExist)
}

// 推理阶段 ----------------------------------------------------

func TestPredictConfigMissing(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a"})
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)

	cases := []struct {
		name string
		set  PredictSettings
	}{
		{"device", PredictSettings{ResultsDir: "/models", Task: dataset.Task{ID: "501"}}},
		{"results", PredictSettings{Device: "0", Task: dataset.Task{ID: "501"}}},
		{"task", PredictSettings{Device: "0", ResultsDir: "/models"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &spyEngine{}
			out := filepath.Join(t.TempDir(), "pred")
			tc.set.InputDir = dest
			comp := PredictComponents{Reader: fsreader.New(nil), Writer: writer(t, out, true), Engine: eng}
			_, err := Predict(context.Background(), comp, tc.set, diag.Nop())
			require.ErrorIs(t, err, contract.ErrConfigMissing)
			assert.Equal(t, diag.CodeConfig, diag.Classify(err))
			assert.Zero(t, eng.called)
			assert.NoDirExists(t, out)
		})
	}
}

func TestPredictThenReverseWithColocatedMap(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a", "b", "c"})
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)

	base := t.TempDir()
	predDir := filepath.Join(base, "pred")
	comp := PredictComponents{
		Reader: fsreader.New(nil),
		Writer: writer(t, predDir, true),
		Engine: mock.New(&mock.Options{Skip: []string{"ukbb_4ch_2"}}),
	}
	set := PredictSettings{
		InputDir: dest, Dataset: "ukbb", Channels: 4,
		Task: dataset.Task{ID: "501"}, Device: "0", ResultsDir: filepath.Join(base, "models"), RunID: "p",
	}
	psum, err := Predict(context.Background(), comp, set, diag.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, psum.Converted)
	assert.Equal(t, 3, psum.Total)
	assert.Equal(t, []string{"ukbb_4ch_2"}, psum.Missing)
	assert.FileExists(t, filepath.Join(predDir, convmap.FileName))
	assert.FileExists(t, filepath.Join(predDir, dataset.FileName))
	assert.FileExists(t, filepath.Join(predDir, PredictSummaryFile))

	// 映射已随预测放置，反向转换无需显式给出
	rsum, err := runReverse(t, predDir, filepath.Join(base, "out"), "")
	require.NoError(t, err)
	assert.Equal(t, 2, rsum.Converted)
	assert.Equal(t, []string{"b"}, rsum.Missing)
}

func TestPredictEngineFailure(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a"})
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)
	comp := PredictComponents{
		Reader: fsreader.New(nil),
		Writer: writer(t, filepath.Join(t.TempDir(), "pred"), true),
		Engine: mock.New(&mock.Options{Fail: "out of memory"}),
	}
	set := PredictSettings{InputDir: dest, Dataset: "ukbb", Channels: 4, Task: dataset.Task{ID: "501"}, Device: "0", ResultsDir: t.TempDir()}
	_, err = Predict(context.Background(), comp, set, diag.Nop())
	require.ErrorIs(t, err, contract.ErrEngineFailed)
	assert.Equal(t, diag.CodeEngine, diag.Classify(err))
}

// 任务的数据集与通道数必须与输入映射一致，否则不调用引擎。
func TestPredictRejectsDatasetMismatch(t *testing.T) {
	src, dest := forwardSetup(t, []string{"a", "b"})
	_, err := runForward(t, src, dest, ForwardSettings{})
	require.NoError(t, err)

	for _, tc := range []struct {
		name     string
		key      string
		channels int
	}{
		{"数据集不符", "gnc", 4},
		{"通道数不符", "ukbb", 1},
		{"两者均不符", "gnc", 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			eng := &spyEngine{}
			out := filepath.Join(t.TempDir(), "pred")
			comp := PredictComponents{Reader: fsreader.New(nil), Writer: writer(t, out, true), Engine: eng}
			set := PredictSettings{
				InputDir: dest, Dataset: tc.key, Channels: tc.channels,
				Task: dataset.Task{ID: "503"}, Device: "0", ResultsDir: "/models",
			}
			_, err := Predict(context.Background(), comp, set, diag.Nop())
			require.ErrorIs(t, err, contract.ErrInvariantViolation)
			assert.Zero(t, eng.called)
			assert.NoFileExists(t, filepath.Join(out, convmap.FileName))
		})
	}
}

// 摘要 --------------------------------------------------------

func TestSummaryText(t *testing.T) {
	s := newSummary("forward", "r1")
	s.Dataset = "gnc_1ch"
	s.Discovered, s.Candidates, s.Validated, s.Converted = 5, 3, 2, 1
	s.Excluded = append(s.Excluded, cohort.Exclusion{Subject: "x", Reason: "missing fat.nii.gz"})
	s.Failed = append(s.Failed, CaseFailure{CaseID: "gnc_1ch_2", Subject: "y", Reason: "disk full"})
	txt := s.Text()
	assert.Contains(t, txt, "forward gnc_1ch (run r1)")
	assert.Contains(t, txt, "candidates: 3 of 5 discovered")
	assert.Contains(t, txt, "- x: missing fat.nii.gz")
	assert.Contains(t, txt, "- gnc_1ch_2 (y): disk full")
	assert.False(t, s.OK())
}
