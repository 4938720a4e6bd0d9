package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/zfit/internal/batch"
	"github.com/John-Robertt/zfit/internal/config"
	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/normalize"
	"github.com/John-Robertt/zfit/internal/output"
	"github.com/John-Robertt/zfit/internal/parse"
	"github.com/John-Robertt/zfit/internal/scan"
)

func newRunCmd() *cobra.Command {
	var (
		outDir string
		plots  bool
		csv    bool
	)

	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "批量拟合目录下的全部测量文件",
		Long: `扫描 path 下的测量文件（*.txt / *.dat，排除 out/），逐个拟合并输出报表。

path 未指定时读取 <cwd>/zfit.yaml 的 path 字段。
stdout 非交互时只输出一个 BatchReport JSON；过程信息走 stderr。`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli := config.CLIArgs{
				OutDir:   outDir,
				Plots:    plots,
				PlotsSet: cmd.Flags().Changed("plots"),
				CSV:      csv,
				CSVSet:   cmd.Flags().Changed("csv"),
			}
			if len(args) == 1 {
				cli.Path = args[0]
			}
			return runBatch(cmd, cli)
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "输出目录（默认 <path>/out）")
	cmd.Flags().BoolVar(&plots, "plots", false, "为每条拟合成功的记录输出曲线 PNG")
	cmd.Flags().BoolVar(&csv, "csv", false, "输出逐条结果的 results.csv")
	return cmd
}

func runBatch(cmd *cobra.Command, cli config.CLIArgs) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("读取当前目录失败：%w", err)
	}

	eff, err := config.LoadEffective(cwd, cli)
	if err != nil {
		// 配置错误也走报表契约：stdout 仍然是一个 BatchReport JSON。
		emitReport(cmd, reportForConfigError(cwd, err))
		return errRunFailed
	}

	files, err := scan.ScanRecords(eff.Path, nil)
	if err != nil {
		return fmt.Errorf("扫描失败：%w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	progressW, interactive := pickProgressWriter()
	var obs batch.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rep, err := batch.Run(ctx, eff, files, batch.DiskLoader, obs)
	if err != nil {
		// 常数无效等批级错误：没有报表可言。
		return err
	}

	if err := output.WriteReport(eff.OutDir, rep); err != nil {
		return fmt.Errorf("写入 report.json 失败：%w", err)
	}
	if eff.CSV {
		if err := output.WriteCSV(eff.OutDir, rep.Items); err != nil {
			return fmt.Errorf("写入 results.csv 失败：%w", err)
		}
	}
	if eff.Plots {
		if err := writePlots(eff, rep); err != nil {
			return fmt.Errorf("输出曲线图失败：%w", err)
		}
	}

	emitReport(cmd, rep)
	if interactive {
		fmt.Fprintf(progressW, "out: %s\n", eff.OutDir)
	}

	if rep.Summary.Failed == 0 && rep.Summary.Canceled == 0 {
		return nil
	}
	return errRunFailed
}

// writePlots 为带参数估计的条目重建归一化曲线并落图。
// 拟合早已完成，这里的重解析只是为了拿到曲线坐标，代价可忽略。
func writePlots(eff config.EffectiveConfig, rep domain.BatchReport) error {
	for _, it := range rep.Items {
		if it.Fit == nil {
			continue
		}
		b, err := batch.DiskLoader(filepath.Join(eff.Path, it.Source))
		if err != nil {
			return err
		}
		rec, err := parse.Record(b)
		if err != nil {
			return err
		}
		ca, oa, err := normalize.Curves(rec, eff.Normalize)
		if err != nil {
			return err
		}
		if err := output.WriteRecordPlots(eff.OutDir, plotBase(it.Source), ca, oa, it.Fit.Params); err != nil {
			return err
		}
	}
	return nil
}

// plotBase 把相对路径压成单层文件名（子目录分隔符替换为下划线）。
func plotBase(source string) string {
	base := strings.TrimSuffix(source, filepath.Ext(source))
	base = strings.ReplaceAll(base, string(filepath.Separator), "_")
	return strings.ReplaceAll(base, "/", "_")
}

func emitReport(cmd *cobra.Command, rep domain.BatchReport) {
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	if isTTY(os.Stdout) {
		fmt.Fprintf(stdout, "完成：fitted=%d unreliable=%d failed=%d canceled=%d\n",
			rep.Summary.Fitted, rep.Summary.Unreliable, rep.Summary.Failed, rep.Summary.Canceled,
		)
		for _, it := range rep.Items {
			if it.Status != domain.StatusFailed && it.Status != domain.StatusUnreliable {
				continue
			}
			key := it.Code
			if key == "" {
				key = it.Source
			}
			if key == "" {
				key = "<unknown>"
			}
			fmt.Fprintf(stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 BatchReport JSON（摘要走 stderr）。
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
	fmt.Fprintf(stderr, "完成：fitted=%d unreliable=%d failed=%d canceled=%d\n",
		rep.Summary.Fitted, rep.Summary.Unreliable, rep.Summary.Failed, rep.Summary.Canceled,
	)
}

func reportForConfigError(cwd string, err error) domain.BatchReport {
	now := time.Now().UTC()
	rep := domain.BatchReport{
		Path:       cwd,
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.RecordResult{{
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rep.Finalize()
	return rep
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}
