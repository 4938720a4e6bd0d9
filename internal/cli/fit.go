package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/zfit/internal/batch"
	"github.com/John-Robertt/zfit/internal/config"
	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/parse"
)

func newFitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit <file>",
		Short: "拟合单个测量文件并输出 FitResult JSON",
		Long: `对单个测量文件执行 解析→归一化→拟合→换算，stdout 输出一个结果 JSON。

配置发现与 run 相同：优先读取文件所在目录的 zfit.yaml。
同一文件 + 同一配置重复运行，输出比特一致。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fitOne(cmd, args[0])
		},
	}
	return cmd
}

func fitOne(cmd *cobra.Command, file string) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("路径无效：%w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("读取当前目录失败：%w", err)
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{Path: filepath.Dir(abs)})
	if err != nil {
		return err
	}
	if err := eff.Constants.Validate(); err != nil {
		return fmt.Errorf("%s：%w", domain.ErrCodeConstantsInvalid, err)
	}

	b, err := batch.DiskLoader(abs)
	if err != nil {
		return fmt.Errorf("读取失败：%w", err)
	}
	rec, err := parse.Record(b)
	if err != nil {
		return fmt.Errorf("解析失败：%w", err)
	}

	res := batch.One(rec, eff)
	res.Source = filepath.Base(abs)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}

	if res.Status == domain.StatusFailed {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s：%s\n", res.ErrorCode, res.ErrorMsg)
		return errRunFailed
	}
	if res.Status == domain.StatusUnreliable {
		fmt.Fprintf(cmd.ErrOrStderr(), "结果不可信（%s）：%s\n", res.ErrorCode, res.ErrorMsg)
	}
	return nil
}
