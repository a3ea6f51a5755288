package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/wfunc/kurumi/internal/config"
	"github.com/wfunc/kurumi/internal/database"
	"github.com/wfunc/kurumi/internal/errors"
	"github.com/wfunc/kurumi/internal/hardware"
	"github.com/wfunc/kurumi/internal/hardware/rl78"
	"github.com/wfunc/kurumi/internal/logger"
	"github.com/wfunc/kurumi/internal/models"
	"github.com/wfunc/kurumi/internal/script"
	"github.com/wfunc/kurumi/internal/service"
	"go.uber.org/zap"
)

// flashReadTimeout 未配置读超时时等待引导程序应答的时间
const flashReadTimeout = 2 * time.Second

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// options 命令行参数
type options struct {
	configPath  string
	port        string
	mock        bool
	legacy      bool
	dryRun      bool
	check       bool
	history     int
	stats       bool
	cleanup     int
	runID       string
	page        int
	flash       string
	offset      int
	verifyOnly  bool
	showVersion bool
	showHelp    bool
	args        []string
}

// target 位置参数解析结果
type target struct {
	blink  bool
	times  int
	script string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run 执行一次命令行调用并返回退出码
func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("kurumi", flag.ContinueOnError)
	fs.SetOutput(out)
	opts, err := parseFlags(fs, args)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	// 显示版本信息
	if opts.showVersion {
		printVersion(out)
		return 0
	}

	// 显示帮助信息
	if opts.showHelp {
		printHelp(fs, out)
		return 0
	}

	// 加载配置
	if err := config.Init(opts.configPath); err != nil {
		fmt.Fprintf(out, "加载配置失败: %v\n", err)
		return errors.Wrap(err, errors.ErrConfigLoad).ExitCode()
	}
	if err := applyOverrides(opts); err != nil {
		fmt.Fprintf(out, "应用命令行参数失败: %v\n", err)
		return errors.Wrap(err, errors.ErrConfigParse).ExitCode()
	}
	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintf(out, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logger.Cleanup()

	if err := validate(opts); err != nil {
		fmt.Fprintln(out, err)
		return exitCode(err, out)
	}

	switch {
	case opts.journalCommand():
		return exitCode(runJournal(cfg, opts, out), out)
	case opts.flash != "":
		return exitCode(flash(cfg, opts, out), out)
	}

	// 没有位置参数时只打印用法，不打开串口
	if len(opts.args) == 0 {
		printUsage(out)
		return 0
	}

	t, err := parseTarget(opts.args[0])
	if err != nil {
		fmt.Fprintln(out, err)
		return exitCode(err, out)
	}

	if opts.check {
		return exitCode(check(t, out), out)
	}
	return exitCode(execute(cfg, opts, t, out), out)
}

// parseFlags 解析命令行参数
func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "配置文件路径")
	fs.StringVar(&opts.port, "port", "", "串口设备 (默认 "+config.DefaultPort+")")
	fs.BoolVar(&opts.mock, "mock", false, "使用内置模拟设备")
	fs.BoolVar(&opts.legacy, "legacy", false, "使用旧版闪烁分组（最多一组红色）")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "只打印命令，不打开串口")
	fs.BoolVar(&opts.check, "check", false, "检查脚本中无法识别的行，不发送")
	fs.IntVar(&opts.history, "history", 0, "打印最近 N 条命令记录后退出")
	fs.BoolVar(&opts.stats, "stats", false, "打印命令记录统计后退出")
	fs.IntVar(&opts.cleanup, "cleanup", 0, "删除 N 天前的命令记录后退出")
	fs.StringVar(&opts.runID, "run", "", "打印某次执行的全部命令记录后退出")
	fs.IntVar(&opts.page, "page", 0, "与 -run 一起使用，按页打印（每页 50 条）")
	fs.StringVar(&opts.flash, "flash", "", "通过引导程序把固件镜像烧写到芯片")
	fs.IntVar(&opts.offset, "offset", 0, "与 -flash 一起使用，起始块号（每块 1024 字节）")
	fs.BoolVar(&opts.verifyOnly, "verify", false, "与 -flash 一起使用，只校验不烧写")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.showHelp, "help", false, "显示帮助信息")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.args = fs.Args()
	return opts, nil
}

// journalCommand 是否为命令记录查询或维护
func (o *options) journalCommand() bool {
	return o.history != 0 || o.stats || o.cleanup != 0 || o.runID != ""
}

// validate 检查数值参数
func validate(opts *options) error {
	switch {
	case opts.history < 0:
		return errors.Newf(errors.ErrInvalidParam, "-history 不能为负数: %d", opts.history)
	case opts.cleanup < 0:
		return errors.Newf(errors.ErrInvalidParam, "-cleanup 不能为负数: %d", opts.cleanup)
	case opts.page < 0:
		return errors.Newf(errors.ErrInvalidParam, "-page 不能为负数: %d", opts.page)
	case opts.offset < 0:
		return errors.Newf(errors.ErrInvalidParam, "-offset 不能为负数: %d", opts.offset)
	}
	return nil
}

// applyOverrides 命令行参数覆盖配置文件
func applyOverrides(opts *options) error {
	if opts.port != "" {
		if err := config.Set("serial.port", opts.port); err != nil {
			return err
		}
	}
	if opts.mock {
		if err := config.Set("serial.mock_mode", true); err != nil {
			return err
		}
	}
	if opts.legacy {
		if err := config.Set("blink.legacy_red_group", true); err != nil {
			return err
		}
	}
	return nil
}

// parseTarget 整数为闪烁次数，其余按脚本路径处理
func parseTarget(arg string) (target, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return target{script: arg}, nil
	}
	if n < 0 {
		return target{}, errors.Newf(errors.ErrInvalidParam, "闪烁次数不能为负数: %d", n)
	}
	return target{blink: true, times: n}, nil
}

// execute 打开发送方并执行脚本
func execute(cfg *config.Config, opts *options, t target, out io.Writer) error {
	log := logger.WithModule("main")
	policy := script.PolicyFor(cfg.Blink.LegacyRedGroup)

	var sender script.Sender
	if opts.dryRun {
		sender = script.NewWriterSender(out)
	} else {
		observers := []hardware.Option{hardware.WithObserver(hardware.LogObserver{})}
		if journal := openJournal(cfg); journal != nil {
			defer database.Close()
			journal.SetMode(modeOf(t))
			observers = append(observers, hardware.WithObserver(journal))
			log.Info("命令记录已启用", zap.String("run_id", journal.RunID()))
		}

		session, err := openSession(cfg, observers)
		if err != nil {
			return err
		}
		defer session.Close()
		sender = session
	}

	encoder := script.NewEncoder(sender, script.WithPolicy(policy))
	var err error
	if t.blink {
		log.Info("开始闪烁", zap.Int("times", t.times), zap.Stringer("policy", policy))
		err = encoder.Blink(t.times)
	} else {
		log.Info("开始回放脚本", zap.String("file", t.script))
		err = encoder.ReplayFile(t.script)
	}
	if err != nil {
		return err
	}

	log.Info("脚本发送完成", zap.Int("commands", encoder.Sent()))
	return nil
}

// openSession 按配置打开真实串口或模拟设备
func openSession(cfg *config.Config, opts []hardware.Option) (*hardware.Session, error) {
	if cfg.Serial.MockMode {
		opts = append(opts, hardware.WithName("emulator"))
		return hardware.NewSession(hardware.NewEmulator(), opts...)
	}
	opts = append(opts, hardware.WithReadTimeout(cfg.Serial.ReadTimeout))
	return hardware.Open(cfg.Serial.Port, opts...)
}

// openJournal 打开命令记录库，失败只告警，不影响脚本发送
func openJournal(cfg *config.Config) *service.JournalService {
	if !cfg.Journal.Enabled {
		return nil
	}
	if err := database.Init(&cfg.Journal); err != nil {
		logger.Warn("命令记录库不可用，继续发送", zap.Error(err))
		return nil
	}
	return service.NewJournalService(database.GetDB())
}

// check 只检查脚本，不打开串口
func check(t target, out io.Writer) error {
	if t.blink {
		fmt.Fprintf(out, "闪烁程序由控制器生成，无需检查\n")
		return nil
	}

	f, err := os.Open(t.script)
	if err != nil {
		return errors.Wrap(err, errors.ErrScriptNotFound, t.script)
	}
	defer f.Close()

	lines, err := script.ReadScript(f)
	if err != nil {
		return err
	}
	bad := script.NewEncoder(script.NewWriterSender(io.Discard)).Lint(lines)
	for _, l := range bad {
		fmt.Fprintf(out, "%s:%d: %q\n", t.script, l.Number+1, l.Body)
	}
	if len(bad) > 0 {
		return errors.Newf(errors.ErrScriptInvalid, "%s: %d 行无法识别", t.script, len(bad))
	}
	fmt.Fprintf(out, "%s: %d 行全部可以识别\n", t.script, len(lines))
	return nil
}

// runJournal 查询或维护命令记录库
func runJournal(cfg *config.Config, opts *options, out io.Writer) error {
	if err := database.Init(&cfg.Journal); err != nil {
		return err
	}
	defer database.Close()

	journal := service.NewJournalService(database.GetDB())
	ctx := context.Background()

	switch {
	case opts.cleanup > 0:
		n, err := journal.Cleanup(ctx, opts.cleanup)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "已删除 %d 条 %d 天前的记录\n", n, opts.cleanup)

	case opts.stats:
		stats, err := journal.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "命令总数: %d\n", stats.TotalCount)
		fmt.Fprintf(out, "执行次数: %d\n", stats.TotalRuns)
		fmt.Fprintf(out, "失败: %d\n", stats.TotalErrors)
		fmt.Fprintf(out, "回显不一致: %d\n", stats.TotalMismatch)
		fmt.Fprintf(out, "耗时(us): 平均 %.1f, 最小 %d, 最大 %d\n",
			stats.AvgDuration, stats.MinDuration, stats.MaxDuration)

	case opts.runID != "":
		logs, err := journal.Run(ctx, opts.runID, opts.page)
		if err != nil {
			return err
		}
		if len(logs) == 0 && opts.page <= 1 {
			return errors.Newf(errors.ErrNotFound, "没有执行记录: %s", opts.runID)
		}
		printLogs(logs, out)

	default:
		logs, err := journal.History(ctx, opts.history)
		if err != nil {
			return err
		}
		printLogs(logs, out)
	}
	return nil
}

func printLogs(logs []*models.CommandLog, out io.Writer) {
	for _, l := range logs {
		fmt.Fprintf(out, "%s  %s  #%-3d %-8s %-6s %q\n",
			l.CreatedAt.Format("2006-01-02 15:04:05"),
			l.RunID, l.Sequence, l.Status, l.Mode, l.Command)
	}
}

// flash 通过引导程序烧写或校验固件镜像
func flash(cfg *config.Config, opts *options, out io.Writer) error {
	log := logger.WithModule("main")

	image, err := os.Open(opts.flash)
	if err != nil {
		return errors.Wrap(err, errors.ErrScriptNotFound, opts.flash)
	}
	defer image.Close()

	var (
		port io.ReadWriteCloser
		name string
	)
	if cfg.Serial.MockMode {
		port, name = rl78.NewBootloader(), "bootloader"
	} else {
		timeout := cfg.Serial.ReadTimeout
		if timeout <= 0 {
			timeout = flashReadTimeout
		}
		if port, err = rl78.OpenPort(cfg.Serial.Port, timeout); err != nil {
			return err
		}
		name = cfg.Serial.Port
	}
	defer port.Close()

	log.Info("开始烧写固件",
		zap.String("image", opts.flash),
		zap.String("port", name),
		zap.Int("offset", opts.offset),
		zap.Bool("verify_only", opts.verifyOnly))

	_, err = rl78.NewProgrammer(port, rl78.WithName(name)).Flash(image, rl78.FlashOptions{
		Offset:     opts.offset,
		VerifyOnly: opts.verifyOnly,
		Report:     out,
	})
	return err
}

func modeOf(t target) string {
	if t.blink {
		return "blink"
	}
	return "replay"
}

// exitCode 记录错误并换算退出码
//
// 串口打不开这类严重错误按 Error 记录并附带调用栈，其余按 Warn 记录；
// 超时之类的临时错误额外提示重新运行。
func exitCode(err error, out io.Writer) int {
	if err == nil {
		return 0
	}
	if errors.IsCritical(err) {
		logger.LogError(err, "执行失败")
	} else {
		logger.Warn("执行失败", zap.Int("code", int(errors.GetCode(err))), zap.Error(err))
	}
	if errors.IsRetryable(err) {
		fmt.Fprintln(out, "提示: 临时错误，可以重新运行")
	}
	return errors.Wrap(err, errors.ErrUnknown).ExitCode()
}

// printVersion 打印版本信息
func printVersion(out io.Writer) {
	fmt.Fprintf(out, "Kurumi 串口控制器\n")
	fmt.Fprintf(out, "版本: %s\n", Version)
	fmt.Fprintf(out, "构建时间: %s\n", BuildTime)
	fmt.Fprintf(out, "Git提交: %s\n", GitCommit)
	fmt.Fprintf(out, "Go版本: %s\n", runtime.Version())
	fmt.Fprintf(out, "操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printUsage 打印简要用法
func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: kurumi [选项] [--] <script file | blink count>")
}

// printHelp 打印帮助信息
func printHelp(fs *flag.FlagSet, out io.Writer) {
	fmt.Fprintln(out, "Kurumi 串口控制器")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "用法:")
	fmt.Fprintln(out, "  kurumi [选项] [--] <script file | blink count>")
	fmt.Fprintln(out, "  kurumi [选项] -flash <image.bin>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  以 - 开头的参数前需要加 --")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "选项:")
	fs.PrintDefaults()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "环境变量:")
	fmt.Fprintln(out, "  KURUMI_SERIAL_PORT       串口设备")
	fmt.Fprintln(out, "  KURUMI_JOURNAL_ENABLED   启用命令记录")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "示例:")
	fmt.Fprintln(out, "  kurumi -port=/dev/ttyUSB1 blink.txt")
	fmt.Fprintln(out, "  kurumi -mock 27")
	fmt.Fprintln(out, "  kurumi -check blink.txt")
	fmt.Fprintln(out, "  kurumi -history 20")
	fmt.Fprintln(out, "  kurumi -run <run id> -page 2")
	fmt.Fprintln(out, "  kurumi -flash firmware.bin -offset 4")
}
