// Package derive 把无量纲拟合参数换算成物理量：
//
//	n2 = ΔΦ0·λ/(2π·Leff·I0)
//	β  = 2√2·q0/(Leff·I0)
//	Leff = (1 − e^(−αL))/α，α = −ln(T_lin)/L
//
// 全部输入输出使用 SI 单位（米、W/m²、m²/W、m/W）。
package derive

import (
	"fmt"
	"math"
)

// Constants 是换算所需的实验常数。来自配置，不从数据文件推断。
type Constants struct {
	// WavelengthM 激光波长（米）。
	WavelengthM float64 `yaml:"wavelength_m" json:"wavelength_m"`
	// SampleLengthM 样品厚度（米）。
	SampleLengthM float64 `yaml:"sample_length_m" json:"sample_length_m"`
	// LinearTransmittance 线性（低功率）透过率，(0, 1]。
	LinearTransmittance float64 `yaml:"linear_transmittance" json:"linear_transmittance"`
	// PeakIrradiance 焦点峰值光强 I0（W/m²）。
	// 可直接给出，也可用 PeakIrradianceFromSilica 从石英参考扫描标定。
	PeakIrradiance float64 `yaml:"peak_irradiance_w_m2" json:"peak_irradiance_w_m2"`
}

// ConstantsError 表示实验常数缺失或非物理。
// 常数对整批记录生效，所以这个错误在任何拟合开始之前就中止整批。
type ConstantsError struct {
	Field  string
	Detail string
}

func (e *ConstantsError) Error() string {
	return fmt.Sprintf("实验常数 %s 无效：%s", e.Field, e.Detail)
}

// Validate 校验全部常数。零值（未配置）与负值同样拒绝。
func (c Constants) Validate() error {
	if !(c.WavelengthM > 0) {
		return &ConstantsError{Field: "wavelength_m", Detail: fmt.Sprintf("必须为正，实际 %v", c.WavelengthM)}
	}
	if !(c.SampleLengthM > 0) {
		return &ConstantsError{Field: "sample_length_m", Detail: fmt.Sprintf("必须为正，实际 %v", c.SampleLengthM)}
	}
	if !(c.LinearTransmittance > 0) || c.LinearTransmittance > 1 {
		return &ConstantsError{Field: "linear_transmittance", Detail: fmt.Sprintf("必须落在 (0,1]，实际 %v", c.LinearTransmittance)}
	}
	if !(c.PeakIrradiance > 0) {
		return &ConstantsError{Field: "peak_irradiance_w_m2", Detail: fmt.Sprintf("必须为正，实际 %v", c.PeakIrradiance)}
	}
	return nil
}

// EffectiveLength 计算有效作用长度 Leff（米）。
// T_lin = 1（无线性吸收）时 α = 0，取极限 Leff = L。
func (c Constants) EffectiveLength() float64 {
	alpha := -math.Log(c.LinearTransmittance) / c.SampleLengthM
	if alpha < 1e-12 {
		return c.SampleLengthM
	}
	return (1 - math.Exp(-alpha*c.SampleLengthM)) / alpha
}

// N2 由闭孔相移 ΔΦ0 换算非线性折射率（m²/W）。符号保留。
func N2(dphi0 float64, c Constants) float64 {
	return dphi0 * c.WavelengthM / (2 * math.Pi * c.EffectiveLength() * c.PeakIrradiance)
}

// Beta 由开孔参数 q0 换算双光子吸收系数（m/W）。
// 2√2 因子来自高斯时空脉冲的平均。
func Beta(q0 float64, c Constants) float64 {
	return 2 * math.Sqrt2 * q0 / (c.EffectiveLength() * c.PeakIrradiance)
}

// SilicaN2 返回熔融石英在给定波长（米）下的 n2（m²/W），
// Babgi 等人的色散经验式。石英是标定用的参考材料。
func SilicaN2(wavelengthM float64) float64 {
	return 2.8203e-20 - 3e-27/wavelengthM + 2e-33/(wavelengthM*wavelengthM)
}

// PeakIrradianceFromSilica 从石英参考扫描反推焦点峰值光强：
// 石英 n2 已知，测得其 ΔΦ0 即可解出 I0 = ΔΦ0·λ/(2π·L·n2)。
// 石英无线性吸收，Leff 直接取厚度。
func PeakIrradianceFromSilica(dphi0Silica, wavelengthM, silicaLengthM float64) (float64, error) {
	if !(wavelengthM > 0) {
		return 0, &ConstantsError{Field: "wavelength_m", Detail: fmt.Sprintf("必须为正，实际 %v", wavelengthM)}
	}
	if !(silicaLengthM > 0) {
		return 0, &ConstantsError{Field: "silica_length_m", Detail: fmt.Sprintf("必须为正，实际 %v", silicaLengthM)}
	}
	n2 := SilicaN2(wavelengthM)
	if !(dphi0Silica/n2 > 0) {
		return 0, &ConstantsError{Field: "silica_dphi0", Detail: fmt.Sprintf("与石英 n2 符号不符或为零：%v", dphi0Silica)}
	}
	return dphi0Silica * wavelengthM / (2 * math.Pi * silicaLengthM * n2), nil
}
