package domain

import (
	"sort"
	"time"
)

const (
	// StatusFitted 表示拟合收敛且质量检查通过。
	StatusFitted = "fitted"
	// StatusUnreliable 表示产出了参数估计，但不可信
	// （未收敛 / 标准误过大 / q0 越界），结果保留而不丢弃。
	StatusUnreliable = "unreliable"
	// StatusFailed 表示该文件彻底失败（解析/归一化/IO），没有参数估计。
	StatusFailed = "failed"
	// StatusCanceled 表示批处理被取消时尚未开始处理的文件。
	StatusCanceled = "canceled"
)

const (
	ErrCodeParseFailed      = "parse_failed"
	ErrCodeNormalizeFailed  = "normalize_failed"
	ErrCodeFitDiverged      = "fit_diverged"
	ErrCodeIllConditioned   = "fit_ill_conditioned"
	ErrCodeConstraint       = "fit_constraint_violation"
	ErrCodeHighStdErr       = "stderr_above_threshold"
	ErrCodeConstantsInvalid = "constants_invalid"
	ErrCodeIOFailed         = "io_failed"
	ErrCodeCanceled         = "canceled"

	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingPath = "config_missing_path"
)

// BatchReport 是一次批处理的对外稳定输出（report.json / stdout JSON）。
// 它只在一次批处理运行期间存在，由协调者单线程合并，不做并发修改。
type BatchReport struct {
	Path string `json:"path"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary  `json:"summary"`
	Items   []RecordResult `json:"items"`
}

type ReportSummary struct {
	Fitted     int `json:"fitted"`
	Unreliable int `json:"unreliable"`
	Failed     int `json:"failed"`
	Canceled   int `json:"canceled"`
}

// RecordResult 是单个输入文件的处理结果。
// 失败条目没有 Fit；不可信条目保留 Fit + 说明原因的 error_code。
type RecordResult struct {
	Source string `json:"source"`

	Code          string  `json:"code"`
	Concentration float64 `json:"concentration_pct"`
	WavelengthNm  float64 `json:"wavelength_nm"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Fit *FitResult `json:"fit,omitempty"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 稳定排序：(code, concentration, wavelength, source) 字典序；code=="" 的条目排在最后
// 3) summary 由 items 计算得出
func (r *BatchReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a, b := r.Items[i], r.Items[j]
		if (a.Code == "") != (b.Code == "") {
			return b.Code == ""
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Concentration != b.Concentration {
			return a.Concentration < b.Concentration
		}
		if a.WavelengthNm != b.WavelengthNm {
			return a.WavelengthNm < b.WavelengthNm
		}
		return a.Source < b.Source
	})

	var s ReportSummary
	for _, it := range r.Items {
		switch it.Status {
		case StatusFitted:
			s.Fitted++
		case StatusUnreliable:
			s.Unreliable++
		case StatusFailed:
			s.Failed++
		case StatusCanceled:
			s.Canceled++
		}
	}
	r.Summary = s
}
