package domain

// Channel 标识归一化曲线来自哪种探测配置。
type Channel string

const (
	ChannelClosedAperture Channel = "closed_aperture"
	ChannelOpenAperture   Channel = "open_aperture"
)

// CurvePoint 是归一化透过率曲线上的一个点。
type CurvePoint struct {
	PositionMM    float64
	Transmittance float64
}

// NormalizedCurve 是由 MeasurementRecord 导出的归一化透过率序列。
//
// 约束：
// - 参考通道电压 ≈ 0 的样本被剔除（不是置零、不是插值），
//   因此 Points 可能比原始样本少，且位置间距允许不均匀
// - 远场（聚焦前/后的平坦区）均值按构造 ≈ 1
type NormalizedCurve struct {
	Channel Channel
	Points  []CurvePoint

	// Baseline 是归一化前的远场基线（诊断用）。
	Baseline float64
	// FarFieldStd 是归一化后远场区域的标准差（噪声水平诊断）。
	FarFieldStd float64
}

// Positions 返回全部点的位置切片（拟合与绘图的公共需求）。
func (c *NormalizedCurve) Positions() []float64 {
	out := make([]float64, len(c.Points))
	for i, p := range c.Points {
		out[i] = p.PositionMM
	}
	return out
}

// MinMax 返回透过率的最小/最大点的下标。曲线为空时返回 (0, 0)。
func (c *NormalizedCurve) MinMax() (imin, imax int) {
	for i, p := range c.Points {
		if p.Transmittance < c.Points[imin].Transmittance {
			imin = i
		}
		if p.Transmittance > c.Points[imax].Transmittance {
			imax = i
		}
	}
	return imin, imax
}
