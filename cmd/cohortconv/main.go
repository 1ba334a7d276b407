package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cfgpkg "cohortconv/internal/config"
	"cohortconv/internal/diag"
	"cohortconv/internal/extract"
	"cohortconv/internal/pipeline"
	"cohortconv/pkg/contract"
)

// 子命令：forward | reverse | predict | extract | init-config。
// 全局旗标（每个子命令均可用）：--config, --log-level, --log-dir, --status
// 退出码：0 成功；1 运行期失败；3 配置/校验失败。
func main() {
	os.Exit(run(os.Args[1:]))
}

const usage = `用法: cohortconv <command> [flags]

命令:
  forward      受试者目录 → 扁平编号布局 + conversion.json
  predict      调用外部推理引擎（需显式 --device 与 --results-dir）
  reverse      按 conversion.json 把预测还原到原始受试者名下
  extract      把上游产出规范化为 wat/fat/inp/opp 四个文件
  init-config  在目录中生成 config.json 与 .env 模板（不覆盖）

使用 "cohortconv <command> -h" 查看各命令旗标。
`

// cliFlags: 所有子命令旗标的落点；未出现在命令行上的旗标不参与覆盖。
type cliFlags struct {
	config   string
	logLevel string
	logDir   string
	status   bool

	dataset     string
	channels    int
	concurrency int
	descriptors string

	source      string
	dest        string
	startIdx    int
	numSubjects int
	overwrite   bool

	predictions string
	output      string
	mapPath     string

	input      string
	device     string
	resultsDir string
	engine     string

	layout string
}

func run(args []string) int {
	start := time.Now()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fprintf(os.Stderr, "%s", usage)
		return 3
	}
	cmd := args[0]
	if cmd == "init-config" {
		return initConfig(args[1:])
	}

	var f cliFlags
	fs, ok := newFlagSet(cmd, &f)
	if !ok {
		fprintf(os.Stderr, "未知命令 %q\n\n%s", cmd, usage)
		return 3
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 3
	}
	if fs.NArg() > 0 {
		fprintf(os.Stderr, "多余的参数: %s\n", strings.Join(fs.Args(), " "))
		return 3
	}

	runID := diag.NewRunID()
	// 占位 logger：配置合并完成前的错误输出到 stderr
	logger := diag.NewLogger(runID, "info", "", "")

	cfg, err := loadConfig(f.config)
	if err != nil {
		fprintf(os.Stderr, "配置解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), err.Error(), &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, cliOverlay(fs, &f))

	// 使用最终配置重建 logger（等级与目录）
	logger = diag.NewLogger(runID, cfg.Logging.Level, cfg.Logging.Dir, diag.LogName(outputDir(cmd, cfg)))
	defer logger.Close()

	term := diag.NewTerminal(os.Stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Debug("config", "effective", "", "", effectiveKV(cmd, cfg))

	var (
		text    string
		runErr  error
		cfgErr  error
		outRoot string
		outW    contract.Writer
	)
	switch cmd {
	case "forward":
		comp, set, err := cfgpkg.AssembleForward(cfg, runID)
		if err != nil {
			cfgErr = err
			break
		}
		outRoot, outW = comp.Writer.Root(), comp.Writer
		if cfgErr = preflightCheckOutputDir(outRoot); cfgErr != nil {
			break
		}
		var sum pipeline.Summary
		sum, runErr = pipeline.Forward(ctx, comp, set, logger)
		text = summaryText(sum, runErr)
	case "reverse":
		comp, set, err := cfgpkg.AssembleReverse(cfg, runID)
		if err != nil {
			cfgErr = err
			break
		}
		outRoot, outW = comp.Writer.Root(), comp.Writer
		if cfgErr = preflightCheckOutputDir(outRoot); cfgErr != nil {
			break
		}
		var sum pipeline.Summary
		sum, runErr = pipeline.Reverse(ctx, comp, set, logger)
		text = summaryText(sum, runErr)
	case "predict":
		comp, set, err := cfgpkg.AssemblePredict(cfg, runID)
		if err != nil {
			cfgErr = err
			break
		}
		outRoot, outW = comp.Writer.Root(), comp.Writer
		if cfgErr = preflightCheckOutputDir(outRoot); cfgErr != nil {
			break
		}
		var sum pipeline.Summary
		sum, runErr = pipeline.Predict(ctx, comp, set, logger)
		text = summaryText(sum, runErr)
	case "extract":
		comp, set, err := cfgpkg.AssembleExtract(cfg, runID)
		if err != nil {
			cfgErr = err
			break
		}
		outRoot, outW = comp.Writer.Root(), comp.Writer
		if cfgErr = preflightCheckOutputDir(outRoot); cfgErr != nil {
			break
		}
		var rep extract.Report
		rep, runErr = extract.Run(ctx, comp, set, logger)
		if runErr == nil {
			text = rep.Text()
		}
	}

	if cfgErr != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", cfgErr)
		if errors.Is(cfgErr, contract.ErrConfigMissing) {
			_ = dumpConfig(cfg)
		}
		logger.Error(cmd, string(diag.Classify(cfgErr)), cfgErr.Error(), &start)
		return 3
	}
	if text != "" {
		_, _ = io.WriteString(os.Stdout, text)
	}
	for _, line := range diag.SnapshotLines() {
		logger.Debug("metrics", line, "", "", nil)
	}
	if runErr != nil {
		code := string(diag.Classify(runErr))
		logger.Error(cmd, code, runErr.Error(), &start)
		diag.IncOp(cmd, "finish", "error")
		if !errors.Is(runErr, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", runErr)
		}
		if errors.Is(runErr, contract.ErrDestinationExists) {
			fprintf(os.Stderr, "提示：目标目录 %s 非空；确认可清空后加 --overwrite 重试\n", outRoot)
		}
		persistRunLog(ctx, logger, outW, runErr)
		return 1
	}
	diag.IncOp(cmd, "finish", "success")
	diag.ObserveDuration(cmd, "finish", time.Since(start).Milliseconds())
	persistRunLog(ctx, logger, outW, nil)
	return 0
}

// outputDir 返回子命令的输出根（用于命名日志文件）。
func outputDir(cmd string, cfg cfgpkg.Config) string {
	switch cmd {
	case "forward":
		return cfg.Forward.Dest
	case "reverse":
		return cfg.Reverse.Output
	case "predict":
		return cfg.Predict.Predictions
	case "extract":
		return cfg.Extract.Dest
	}
	return ""
}

// persistRunLog 把本次日志文件放到输出根旁边（仅在设置了日志目录时）。
// 目标根被拒绝覆盖或窗口为空时输出根未被触碰，此时不写。
func persistRunLog(ctx context.Context, logger *diag.Logger, w contract.Writer, runErr error) {
	if w == nil || errors.Is(runErr, contract.ErrDestinationExists) || errors.Is(runErr, contract.ErrNoCandidates) {
		return
	}
	if _, err := os.Stat(w.Root()); err != nil {
		return
	}
	if _, err := logger.Persist(context.WithoutCancel(ctx), w); err != nil {
		fprintf(os.Stderr, "保存运行日志失败: %v\n", err)
	}
}

// summaryText: 失败时只在已有进展（有候选）时打印摘要。
func summaryText(s pipeline.Summary, err error) string {
	if err != nil && s.Candidates == 0 && s.Total == 0 {
		return ""
	}
	return s.Text()
}

func newFlagSet(cmd string, f *cliFlags) (*flag.FlagSet, bool) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "配置文件路径（JSON）；缺省读取 COHORTCONV_CONFIG_FILE 或 ./config.json（若存在）")
	fs.StringVar(&f.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	fs.StringVar(&f.logDir, "log-dir", "", "日志目录（轮转文件）；为空输出到 stderr")
	fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	dataset := func() {
		fs.StringVar(&f.dataset, "dataset", "", "数据集变体（ukbb|gnc|descriptors_file 中的键）")
		fs.IntVar(&f.channels, "channels", 0, "通道数 1|4")
		fs.StringVar(&f.descriptors, "descriptors", "", "自定义变体 YAML")
	}
	window := func() {
		fs.IntVar(&f.startIdx, "start-idx", 0, "窗口起点（排序后；负数按 0 处理）")
		fs.IntVar(&f.numSubjects, "num-subjects", 0, "窗口大小；<=0 表示到末尾")
		fs.IntVar(&f.concurrency, "concurrency", 0, "并发度（覆盖配置）")
	}
	switch cmd {
	case "forward":
		dataset()
		window()
		fs.StringVar(&f.source, "source", "", "受试者根目录")
		fs.StringVar(&f.dest, "dest", "", "扁平输出目录")
		fs.BoolVar(&f.overwrite, "overwrite", false, "目标目录非空时清空重建")
	case "reverse":
		fs.StringVar(&f.predictions, "predictions", "", "预测文件目录")
		fs.StringVar(&f.output, "output", "", "还原输出目录")
		fs.StringVar(&f.mapPath, "map", "", "conversion.json 路径；缺省为 predictions/conversion.json")
	case "predict":
		dataset()
		fs.StringVar(&f.input, "input", "", "正向转换输出目录")
		fs.StringVar(&f.predictions, "predictions", "", "预测输出目录")
		fs.StringVar(&f.device, "device", "", "推理设备编号（必需）")
		fs.StringVar(&f.resultsDir, "results-dir", "", "模型目录（必需）")
		fs.StringVar(&f.engine, "engine", "", "推理引擎 nnunet|mock")
	case "extract":
		window()
		fs.StringVar(&f.source, "source", "", "上游输出根目录")
		fs.StringVar(&f.dest, "dest", "", "规范化输出目录")
		fs.StringVar(&f.layout, "layout", "", "布局 "+strings.Join(extract.LayoutNames(), "|"))
	default:
		return nil, false
	}
	return fs, true
}

// cliOverlay 仅把命令行上实际出现的旗标转为覆盖（零值也可显式覆盖）。
func cliOverlay(fs *flag.FlagSet, f *cliFlags) cfgpkg.Config {
	var over cfgpkg.Config
	cmd := fs.Name()
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "log-level":
			over.Logging.Level = f.logLevel
		case "log-dir":
			over.Logging.Dir = f.logDir
		case "dataset":
			over.Dataset = f.dataset
		case "channels":
			over.Channels = f.channels
		case "descriptors":
			over.DescriptorsFile = f.descriptors
		case "concurrency":
			over.Concurrency = f.concurrency
		case "source":
			if cmd == "extract" {
				over.Extract.Source = f.source
			} else {
				over.Forward.Source = f.source
			}
		case "dest":
			if cmd == "extract" {
				over.Extract.Dest = f.dest
			} else {
				over.Forward.Dest = f.dest
			}
		case "start-idx":
			v := f.startIdx
			if cmd == "extract" {
				over.Extract.StartIdx = &v
			} else {
				over.Forward.StartIdx = &v
			}
		case "num-subjects":
			v := f.numSubjects
			if cmd == "extract" {
				over.Extract.NumSubjects = &v
			} else {
				over.Forward.NumSubjects = &v
			}
		case "overwrite":
			v := f.overwrite
			over.Forward.Overwrite = &v
		case "predictions":
			if cmd == "predict" {
				over.Predict.Predictions = f.predictions
			} else {
				over.Reverse.Predictions = f.predictions
			}
		case "output":
			over.Reverse.Output = f.output
		case "map":
			over.Reverse.Map = f.mapPath
		case "input":
			over.Predict.Input = f.input
		case "device":
			over.Predict.Device = f.device
		case "results-dir":
			over.Predict.ResultsDir = f.resultsDir
		case "engine":
			over.Components.Engine = f.engine
		case "layout":
			over.Extract.Layout = f.layout
		}
	})
	return over
}

// loadConfig: Defaults → JSON（--config / COHORTCONV_CONFIG_FILE / ./config.json）→ ENV。
func loadConfig(path string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		base, err := cfgpkg.LoadJSON(path, nil)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	return cfgpkg.Merge(cfg, over), nil
}

// effectiveKV: 调试输出的有效配置摘要。
func effectiveKV(cmd string, cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"command":     cmd,
		"dataset":     cfg.Dataset,
		"channels":    strconv.Itoa(cfg.Channels),
		"concurrency": strconv.Itoa(cfg.Concurrency),
		"reader":      cfg.Components.Reader,
		"writer":      cfg.Components.Writer,
	}
	if cmd == "predict" {
		kv["engine"] = cfg.Components.Engine
		kv["device"] = cfg.Predict.Device
		kv["results_dir"] = cfg.Predict.ResultsDir
	}
	return kv
}

func initConfig(args []string) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 3
	}
	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
		return 3
	}
	cfgPath := filepath.Join(dir, "config.json")
	if err := writeConfig(cfgPath, cfgpkg.DefaultTemplateConfig()); err != nil {
		if os.IsExist(err) {
			fprintf(os.Stderr, "提示：%s 已存在（已跳过）\n", cfgPath)
		} else {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			return 3
		}
	}
	// 生成 .env 模板（不覆盖已存在文件）。
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return 0
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
// - 仅按首个 '=' 分割，去除成对的单/双引号；
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !ok || key == "" {
			continue
		}
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				val = val[1 : len(val)-1]
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# cohortconv .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n")
	b.WriteString("# 空值表示未设置。\n\n")
	b.WriteString("COHORTCONV_CONFIG_FILE=\n\n")
	b.WriteString("# 数据集\n")
	b.WriteString("COHORTCONV_DATASET=\n")
	b.WriteString("COHORTCONV_CHANNELS=\n")
	b.WriteString("COHORTCONV_DESCRIPTORS_FILE=\n")
	b.WriteString("COHORTCONV_CONCURRENCY=\n\n")
	b.WriteString("# 推理（显式给出；不会读取 CUDA_VISIBLE_DEVICES / RESULTS_FOLDER）\n")
	b.WriteString("COHORTCONV_PREDICT_DEVICE=\n")
	b.WriteString("COHORTCONV_PREDICT_RESULTS_DIR=\n")
	b.WriteString("COHORTCONV_COMPONENTS_ENGINE=\n")
	b.WriteString("COHORTCONV_ENGINE_OPTIONS_JSON=\n\n")
	b.WriteString("# 日志\n")
	b.WriteString("COHORTCONV_LOG_LEVEL=\n")
	b.WriteString("COHORTCONV_LOG_DIR=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: 启动前检查输出目录可写性。
// - 若目录已存在：尝试创建并删除临时文件；
// - 若目录不存在：检查最近的已存在祖先目录可写。
func preflightCheckOutputDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case err == nil && !st.IsDir():
		return fmt.Errorf("路径存在但不是目录: %s: %w", dir, contract.ErrPathInvalid)
	case err == nil:
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	return preflightCheckOutputDir(parent)
}
