// Package cli 是 zfit 的命令行外壳：参数解析、进度展示与 stdout JSON 契约。
// 核心流程全部在 internal/batch；这里只做装配与展示。
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// errRunFailed 标记“流程执行完但存在失败条目”：报表已输出，只需非零退出。
var errRunFailed = errors.New("存在失败条目")

// Execute 运行 CLI，返回进程退出码。
//
// 退出码约定（对外稳定）：
//   - 0：全部条目成功（unreliable 不算失败）
//   - 1：存在失败/取消条目，或流程级错误（配置、常数、IO）
//   - 2：用法错误
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errRunFailed) {
			return 1
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if isUsageError(err) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zfit",
		Short:         "Z-scan 测量数据的批量拟合与非线性参数提取",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newFitCmd())
	return root
}

func isUsageError(err error) bool {
	// cobra 对未知命令/未知参数返回的错误没有类型，只能按约定文案识别。
	s := err.Error()
	for _, m := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts at most", "accepts 1 arg"} {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
