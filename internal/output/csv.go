package output

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/infra/fsx"
)

// ResultsFileName 是逐条结果 CSV 在输出目录下的固定文件名。
const ResultsFileName = "results.csv"

// csvHeader 的列序是对外契约的一部分，改动即破坏下游表格。
var csvHeader = []string{
	"source", "code", "concentration_pct", "wavelength_nm",
	"status", "error_code",
	"dphi0", "dphi0_err", "q0", "q0_err",
	"z0_mm", "zr_mm", "zero_level",
	"rss", "converged",
	"n2_m2_per_w", "beta_m_per_w",
}

// EncodeCSV 把批处理条目编码为 CSV（含表头）。
// 没有参数估计的条目（failed/canceled）数值列留空。
func EncodeCSV(items []domain.RecordResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, it := range items {
		row := []string{
			it.Source,
			it.Code,
			ftoa(it.Concentration),
			ftoa(it.WavelengthNm),
			it.Status,
			it.ErrorCode,
		}
		if f := it.Fit; f != nil {
			row = append(row,
				ftoa(f.Params.DPhi0), ftoa(f.StdErr.DPhi0),
				ftoa(f.Params.Q0), ftoa(f.StdErr.Q0),
				ftoa(f.Params.Z0MM), ftoa(f.Params.ZRMM), ftoa(f.Params.ZeroLevel),
				ftoa(f.RSS), strconv.FormatBool(f.Converged),
				ftoa(f.N2), ftoa(f.Beta),
			)
		} else {
			row = append(row, "", "", "", "", "", "", "", "", "", "", "")
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCSV 把条目原子写入 dir/results.csv。
func WriteCSV(dir string, items []domain.RecordResult) error {
	b, err := EncodeCSV(items)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(dir, ResultsFileName, b)
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
