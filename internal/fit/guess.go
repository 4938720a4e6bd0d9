package fit

import (
	"math"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/model"
)

// Initial 从曲线几何推导确定性的初值（van Stryland & Sheik-Bahae 的近似标尺）：
//
//	ΔΦ0 ≈ ΔTpv/0.406（符号取决于峰谷先后次序）
//	zR  ≈ ΔZpv/1.7
//	z0  ≈ OA 极值位置（OA 平坦时取 CA 峰谷中点）
//	q0  ≈ 2√2·(1 − T_OA(z0))
//
// 同一输入永远得到同一初值：这是 fit 幂等性的前提之一。
func Initial(ca, oa domain.NormalizedCurve) model.Params {
	p := model.Params{ZeroLevel: 1}

	imin, imax := ca.MinMax()
	tmin := ca.Points[imin].Transmittance
	tmax := ca.Points[imax].Transmittance
	posMin := ca.Points[imin].PositionMM
	posMax := ca.Points[imax].PositionMM

	// 峰在谷之后（位置更大）=> 自聚焦，ΔΦ0 > 0。
	sign := 1.0
	if posMax < posMin {
		sign = -1.0
	}
	p.DPhi0 = sign * (tmax - tmin) / 0.406

	dZpv := math.Abs(posMax - posMin)
	p.ZRMM = dZpv / 1.7
	if p.ZRMM <= 0 {
		// 极端情形（峰谷重合）：退回到扫描范围的一个保守比例。
		span := ca.Points[len(ca.Points)-1].PositionMM - ca.Points[0].PositionMM
		p.ZRMM = math.Abs(span) / 10
	}

	oimin, oimax := oa.MinMax()
	dip := 1 - oa.Points[oimin].Transmittance  // 正吸收（2PA）
	bump := oa.Points[oimax].Transmittance - 1 // 饱和吸收

	switch {
	case dip >= bump && dip > 0:
		p.Q0 = clampQ(2 * math.Sqrt2 * dip)
		p.Z0MM = oa.Points[oimin].PositionMM
	case bump > 0:
		p.Q0 = clampQ(-2 * math.Sqrt2 * bump)
		p.Z0MM = oa.Points[oimax].PositionMM
	default:
		p.Q0 = 0
		p.Z0MM = (posMin + posMax) / 2
	}

	// OA 实际平坦时极值位置是噪声，z0 改用 CA 峰谷中点。
	if peakValley(oa) < 1e-6 {
		p.Z0MM = (posMin + posMax) / 2
	}

	return p
}

// peakValley 返回曲线的峰谷差（max − min）。
func peakValley(c domain.NormalizedCurve) float64 {
	imin, imax := c.MinMax()
	return c.Points[imax].Transmittance - c.Points[imin].Transmittance
}

// clampQ 把 q0 初值收进模型定义域 (−1,1) 的安全区间。
// 只约束初值；拟合结果越界按约束违例上报，绝不截断。
func clampQ(q float64) float64 {
	const lim = 0.9
	if q > lim {
		return lim
	}
	if q < -lim {
		return -lim
	}
	return q
}
