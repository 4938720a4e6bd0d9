package domain

import "strings"

// ChannelRole 表示一个采集通道槽位（CH1..CH4）承担的角色。
//
// 约束：角色到槽位的映射是逐文件数据驱动的（仪器配置可能在两次测量之间改变），
// 解析阶段必须从文件头读取，任何地方都不允许用固定的位置常量。
type ChannelRole int

const (
	RoleUnknown ChannelRole = iota
	RoleClosedAperture
	RoleReference
	RoleOpenAperture
	RoleEmpty
)

// ParseRole 解析文件头中的角色名（例如 "Closed aperture"）。
// 匹配大小写不敏感、忽略首尾空白；未知角色名返回 (RoleUnknown, false)。
func ParseRole(label string) (ChannelRole, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "closed aperture":
		return RoleClosedAperture, true
	case "reference":
		return RoleReference, true
	case "open aperture":
		return RoleOpenAperture, true
	case "empty channel":
		return RoleEmpty, true
	default:
		return RoleUnknown, false
	}
}

func (r ChannelRole) String() string {
	switch r {
	case RoleClosedAperture:
		return "closed_aperture"
	case RoleReference:
		return "reference"
	case RoleOpenAperture:
		return "open_aperture"
	case RoleEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Sample 是一行扫描数据：序号 + 四个通道的电压读数（单位 V）。
type Sample struct {
	Index int
	Volts [4]float64
}

// MeasurementRecord 是一次完整扫描的结构化表示（解析后不可变）。
//
// 约束：
// - Samples 长度 > 1 且 Index 严格递增
// - 第 i 个样本的位置由 Index 在 [StartPos, EndPos] 上线性插值得到
type MeasurementRecord struct {
	Code          string
	Concentration float64 // 百分比
	WavelengthNm  float64
	StartPos      float64 // mm，光束-样品相对位置
	EndPos        float64 // mm

	// SilicaThicknessMM 是可选头字段（参考石英片厚度），缺失时为 0。
	SilicaThicknessMM float64

	// Description 是头部中未被识别为字段的自由文本行（操作员备注），可为空。
	Description string

	// Roles 是槽位 -> 角色 的显式查找表（Roles[0] 对应 CH1）。
	Roles [4]ChannelRole

	Samples []Sample
}

// PositionAt 返回第 i 个样本的位置（mm）。
// 位置按 Index 在 [StartPos, EndPos] 上线性插值；样本不足两个时无意义（解析阶段已拦截）。
func (r *MeasurementRecord) PositionAt(i int) float64 {
	first := r.Samples[0].Index
	last := r.Samples[len(r.Samples)-1].Index
	if last == first {
		return r.StartPos
	}
	t := float64(r.Samples[i].Index-first) / float64(last-first)
	return r.StartPos + t*(r.EndPos-r.StartPos)
}

// SlotByRole 返回承担指定角色的槽位下标（0..3）。
// 同一角色出现多次时返回第一个（解析阶段已保证 CA/Ref/OA 各恰好一次）。
func (r *MeasurementRecord) SlotByRole(role ChannelRole) (int, bool) {
	for i, got := range r.Roles {
		if got == role {
			return i, true
		}
	}
	return 0, false
}
