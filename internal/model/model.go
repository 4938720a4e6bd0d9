// Package model 实现 Z-scan 的正向理论模型（薄样品、三阶近似，
// Sheik-Bahae 标准闭式）：给定位置与参数，预测归一化透过率。
//
// 选用的公式（决策记录见 DESIGN.md）：
//
//	x   = (z − z0)/zR
//	OA：T(x) = Σ_{m≥0} (−q)^m/(m+1)^{3/2}，q = q0/(1+x²)，要求 |q0| < 1
//	CA：T(x) = 1 + (4·x·ΔΦ0 − (x²+3)·q0) / ((x²+1)(x²+9))
//
// 两式在 x→0 处数值稳定（分母下界为 9），CA 式在 q0=0 时退化为纯折射情形。
package model

import "math"

// Params 是正向模型的参数集。Z0/ZR 的单位与位置轴一致（mm）。
//
// ZeroLevel 把残余归一化误差吸收为基线偏移（理想为 1），
// 与仪器软件的 zero-level 参数同义。
type Params struct {
	DPhi0     float64
	Q0        float64
	Z0MM      float64
	ZRMM      float64
	ZeroLevel float64
}

// 级数截断：项小于该值或超过 maxTerms 即停止。
const (
	seriesTol = 1e-12
	maxTerms  = 64
)

// OpenAperture 返回开孔配置下位置 z（mm）处的预测归一化透过率。
// 只依赖 q0 与约化位置 x；|q0| ≥ 1 属于拟合约束违例，由拟合侧拦截，
// 模型本身对任何输入都返回有限值（级数按截断规则求和）。
func OpenAperture(zMM float64, p Params) float64 {
	x := (zMM - p.Z0MM) / p.ZRMM
	q := p.Q0 / (1 + x*x)
	return p.ZeroLevel - 1 + oaSeries(q)
}

// ClosedAperture 返回闭孔配置下位置 z（mm）处的预测归一化透过率。
// 同时包含相位（ΔΦ0）与吸收（q0）贡献。
func ClosedAperture(zMM float64, p Params) float64 {
	x := (zMM - p.Z0MM) / p.ZRMM
	x2 := x * x
	return p.ZeroLevel + (4*x*p.DPhi0-(x2+3)*p.Q0)/((x2+1)*(x2+9))
}

// oaSeries 计算 Σ_{m≥0} (−q)^m/(m+1)^{3/2}。
func oaSeries(q float64) float64 {
	sum := 0.0
	term := 1.0
	for m := 0; m < maxTerms; m++ {
		t := term / math.Pow(float64(m+1), 1.5)
		sum += t
		if math.Abs(t) < seriesTol {
			break
		}
		term *= -q
	}
	return sum
}

// Sample 在给定位置序列上批量求值（拟合与绘图的公共需求）。
func Sample(fn func(float64, Params) float64, zs []float64, p Params) []float64 {
	out := make([]float64, len(zs))
	for i, z := range zs {
		out[i] = fn(z, p)
	}
	return out
}
