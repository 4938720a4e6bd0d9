package domain

// FitParams 是 Z-scan 模型的拟合参数集。
//
// DPhi0/Q0 无量纲；Z0/ZR 用 mm（与曲线位置轴同单位）；
// ZeroLevel 是吸收残余归一化误差的基线参数（理想为 1）。
type FitParams struct {
	DPhi0     float64 `json:"dphi0"`
	Q0        float64 `json:"q0"`
	Z0MM      float64 `json:"z0_mm"`
	ZRMM      float64 `json:"zr_mm"`
	ZeroLevel float64 `json:"zero_level"`
}

// FitResult 是单条记录（一对 CA/OA 曲线）的完整拟合输出。
// 由拟合引擎 + 参数换算共同产出；产出后不可变。
type FitResult struct {
	Code          string  `json:"code"`
	Concentration float64 `json:"concentration_pct"`
	WavelengthNm  float64 `json:"wavelength_nm"`

	Params FitParams `json:"params"`
	StdErr FitParams `json:"std_err"`

	RSS       float64 `json:"rss"`
	FuncEvals int     `json:"func_evals"`
	Converged bool    `json:"converged"`

	// N2 [m²/W] 与 Beta [m/W] 由拟合参数 + 物理常数换算得到。
	N2   float64 `json:"n2_m2_per_w"`
	Beta float64 `json:"beta_m_per_w"`
}
