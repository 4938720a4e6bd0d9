// Package output 负责把批处理结果落成对外产物：
// stdout/report.json 的 JSON 报表、逐条结果的 CSV、以及每条记录的拟合曲线图。
//
// 所有落盘都走 fsx 的原子替换：重跑覆盖上一次输出，但绝不留下半成品。
package output

import (
	"encoding/json"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/infra/fsx"
)

// ReportFileName 是批处理报表在输出目录下的固定文件名。
const ReportFileName = "report.json"

// EncodeReport 把报表编码为缩进 JSON（带结尾换行，便于直接写 stdout）。
func EncodeReport(rep domain.BatchReport) ([]byte, error) {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// WriteReport 把报表原子写入 dir/report.json。
func WriteReport(dir string, rep domain.BatchReport) error {
	b, err := EncodeReport(rep)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(dir, ReportFileName, b)
}
