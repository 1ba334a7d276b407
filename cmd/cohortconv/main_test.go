package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortconv/internal/convmap"
	"cohortconv/internal/dataset"
	"cohortconv/internal/pipeline"
)

func makeCohort(t *testing.T, root string, subjects ...string) {
	t.Helper()
	for _, s := range subjects {
		dir := filepath.Join(root, s)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for _, m := range dataset.Canonical() {
			require.NoError(t, os.WriteFile(filepath.Join(dir, m.FileName()), []byte(s+string(m)), 0o644))
		}
	}
}

var quiet = []string{"--status=false", "--log-level", "error"}

func args(cmd string, rest ...string) []string {
	return append(append([]string{cmd}, quiet...), rest...)
}

func TestRunUsage(t *testing.T) {
	assert.Equal(t, 3, run(nil))
	assert.Equal(t, 3, run([]string{"convert"}))
	assert.Equal(t, 3, run([]string{"forward", "--no-such-flag"}))
	assert.Equal(t, 3, run([]string{"reverse", "extra-positional"}))
}

func TestRunInitConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")
	require.Equal(t, 0, run([]string{"init-config", dir}))
	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.FileExists(t, filepath.Join(dir, ".env"))

	// 不覆盖已存在文件
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))
	require.Equal(t, 0, run([]string{"init-config", dir}))
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))
}

func TestRunRoundTripWithMockEngine(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "nifti")
	dest := filepath.Join(base, "in")
	pred := filepath.Join(base, "pred")
	out := filepath.Join(base, "out")
	makeCohort(t, src, "1000001", "1000002", "1000003")

	require.Equal(t, 0, run(args("forward", "--source", src, "--dest", dest, "--dataset", "gnc", "--channels", "1")))
	m, err := convmap.Load(filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	require.Len(t, m.Records, 3)
	assert.Equal(t, "gnc_1ch", m.Dataset)

	require.Equal(t, 0, run(args("predict", "--input", dest, "--predictions", pred,
		"--dataset", "gnc", "--channels", "1", "--engine", "mock",
		"--device", "0", "--results-dir", filepath.Join(base, "models"))))

	require.Equal(t, 0, run(args("reverse", "--predictions", pred, "--output", out)))
	for _, s := range []string{"1000001", "1000002", "1000003"} {
		b, err := os.ReadFile(filepath.Join(out, s, pipeline.PredictionName))
		require.NoError(t, err)
		// mock 引擎以第 0 通道（gnc 为 wat）作为预测
		assert.Equal(t, s+"wat", string(b))
	}
}

func TestRunForwardCollision(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "nifti")
	dest := filepath.Join(base, "in")
	makeCohort(t, src, "a", "b")
	fwd := args("forward", "--source", src, "--dest", dest, "--dataset", "ukbb")

	require.Equal(t, 0, run(fwd))
	assert.Equal(t, 1, run(fwd))
	assert.Equal(t, 0, run(append(fwd, "--overwrite")))
}

// 设置日志目录时，运行日志以 "<输出目录名>_log.txt" 命名并随输出保存。
func TestRunPersistsLogNextToOutput(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "nifti")
	dest := filepath.Join(base, "in")
	logs := filepath.Join(base, "logs")
	makeCohort(t, src, "a", "b")
	fwd := args("forward", "--source", src, "--dest", dest, "--dataset", "ukbb", "--log-dir", logs, "--log-level", "info")

	require.Equal(t, 0, run(fwd))
	b, err := os.ReadFile(filepath.Join(dest, "in_log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"comp":"forward"`)
	assert.FileExists(t, filepath.Join(logs, "in_log.txt"))

	// 拒绝覆盖时目标根保持原样
	before, err := os.ReadFile(filepath.Join(dest, "in_log.txt"))
	require.NoError(t, err)
	require.Equal(t, 1, run(fwd))
	after, err := os.ReadFile(filepath.Join(dest, "in_log.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

// 推理任务与输入映射的数据集不一致时为运行期失败。
func TestRunPredictDatasetMismatch(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "nifti")
	dest := filepath.Join(base, "in")
	makeCohort(t, src, "a")
	require.Equal(t, 0, run(args("forward", "--source", src, "--dest", dest, "--dataset", "ukbb")))

	pred := filepath.Join(base, "pred")
	code := run(args("predict", "--input", dest, "--predictions", pred,
		"--dataset", "gnc", "--channels", "1", "--engine", "mock",
		"--device", "0", "--results-dir", filepath.Join(base, "models")))
	assert.Equal(t, 1, code)
	assert.NoFileExists(t, filepath.Join(pred, convmap.FileName))
}

func TestRunForwardEmptyWindow(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "nifti")
	makeCohort(t, src, "a")
	code := run(args("forward", "--source", src, "--dest", filepath.Join(base, "in"), "--dataset", "ukbb", "--start-idx", "3"))
	assert.Equal(t, 1, code)
}

func TestRunPredictMissingDevice(t *testing.T) {
	base := t.TempDir()
	code := run(args("predict", "--input", base, "--predictions", filepath.Join(base, "p"),
		"--dataset", "ukbb", "--engine", "mock", "--results-dir", base))
	assert.Equal(t, 3, code)
}

func TestRunExtract(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "stitched")
	dir := filepath.Join(src, "1000001_2")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range []string{"T1_water", "T1_opp", "T1_in", "T1_fat"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n+dataset.Ext), []byte(n), 0o644))
	}
	dest := filepath.Join(base, "nifti")
	require.Equal(t, 0, run(args("extract", "--source", src, "--dest", dest, "--layout", "ukbb")))
	assert.True(t, dataset.IsComplete(filepath.Join(dest, "1000001_2")))
	assert.Equal(t, 3, run(args("extract", "--source", src, "--dest", dest, "--layout", "dicom")))
}

func TestRunConfigFileAndEnv(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "nifti")
	makeCohort(t, src, "a", "b", "c")
	cfgPath := filepath.Join(base, "config.json")
	raw := `{"dataset":"ukbb","forward":{"source":"` + filepath.ToSlash(src) + `","num_subjects":1}}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(raw), 0o644))
	dest := filepath.Join(base, "in")
	t.Setenv("COHORTCONV_FORWARD_DEST", dest)
	t.Setenv("COHORTCONV_FORWARD_START_IDX", "1")

	require.Equal(t, 0, run(args("forward", "--config", cfgPath)))
	m, err := convmap.Load(filepath.Join(dest, convmap.FileName))
	require.NoError(t, err)
	require.Len(t, m.Records, 1)
	assert.Equal(t, "b", m.Records[0].OriginalSubjectName)

	// 非法配置 → 3
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"bogus":true}`), 0o644))
	assert.Equal(t, 3, run(args("forward", "--config", cfgPath)))
}

func TestCliOverlayExplicitZero(t *testing.T) {
	var f cliFlags
	fs, ok := newFlagSet("forward", &f)
	require.True(t, ok)
	require.NoError(t, fs.Parse([]string{"--start-idx", "0", "--dest", "d"}))
	over := cliOverlay(fs, &f)
	require.NotNil(t, over.Forward.StartIdx)
	assert.Equal(t, 0, *over.Forward.StartIdx)
	assert.Nil(t, over.Forward.NumSubjects)
	assert.Nil(t, over.Forward.Overwrite)
	assert.Equal(t, "d", over.Forward.Dest)

	fs, _ = newFlagSet("extract", &f)
	require.NoError(t, fs.Parse([]string{"--source", "s", "--num-subjects", "2"}))
	over = cliOverlay(fs, &f)
	assert.Equal(t, "s", over.Extract.Source)
	assert.Empty(t, over.Forward.Source)
	assert.Equal(t, 2, *over.Extract.NumSubjects)

	_, ok = newFlagSet("nope", &f)
	assert.False(t, ok)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nexport COHORTCONV_TEST_A=\"quoted\"\nCOHORTCONV_TEST_B = 'single'\nCOHORTCONV_TEST_C=keep\nbroken line\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("COHORTCONV_TEST_C", "preset")
	t.Cleanup(func() {
		_ = os.Unsetenv("COHORTCONV_TEST_A")
		_ = os.Unsetenv("COHORTCONV_TEST_B")
	})

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "quoted", os.Getenv("COHORTCONV_TEST_A"))
	assert.Equal(t, "single", os.Getenv("COHORTCONV_TEST_B"))
	assert.Equal(t, "preset", os.Getenv("COHORTCONV_TEST_C"))
	require.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, preflightCheckOutputDir(dir))
	require.NoError(t, preflightCheckOutputDir(filepath.Join(dir, "a", "b")))
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	require.Error(t, preflightCheckOutputDir(file))
}
