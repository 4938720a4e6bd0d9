// Package normalize 把原始四通道电压转换为归一化透过率曲线。
//
// 参考通道用于抵消激光的逐发波动：每个样本先取 通道电压/参考电压，
// 再除以远场基线（首尾各一段的均值），使远离焦点处 T→1。
package normalize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/John-Robertt/zfit/internal/domain"
)

const (
	KindReferenceDead = "reference_dead"
	KindRoleMismatch  = "role_mismatch"
	KindBadBaseline   = "bad_baseline"
)

// Error 是归一化阶段的结构化错误。对该文件致命。
type Error struct {
	Kind   string
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindReferenceDead:
		return fmt.Sprintf("参考通道失效：%s", e.Detail)
	case KindRoleMismatch:
		return fmt.Sprintf("通道角色疑似配置错误：%s", e.Detail)
	case KindBadBaseline:
		return fmt.Sprintf("远场基线无效：%s", e.Detail)
	default:
		return e.Kind
	}
}

// Config 是归一化的显式配置（不用包级全局，保证并发批处理互不干扰）。
type Config struct {
	// BaselineFraction 是远场基线区域占比（首尾各取该比例的样本）。
	BaselineFraction float64
	// MaxZeroRefFraction 是允许的参考电压为零的样本占比上限。
	MaxZeroRefFraction float64
	// EmptyNoiseVolts 是空通道的噪声判定阈值：超过即视为角色配置错误。
	EmptyNoiseVolts float64
}

// Default 返回与仪器默认行为一致的配置。
func Default() Config {
	return Config{
		BaselineFraction:   0.10,
		MaxZeroRefFraction: 0.05,
		EmptyNoiseVolts:    1e-4,
	}
}

// 参考电压小于该值按零处理（比值未定义，样本剔除）。
const refEps = 1e-12

// Curves 由一条记录导出闭孔/开孔两条归一化曲线。
//
// 约束：
// - 比值未定义（参考电压 ≈ 0）的样本被剔除，不插值、不置零；
//   拟合侧必须容忍由此产生的不均匀位置间距
// - 参考电压为零的样本占比超过 MaxZeroRefFraction 时整体失败
// - 声明为 Empty 的通道携带超过阈值的信号时整体失败（角色表配置错误）
func Curves(rec *domain.MeasurementRecord, cfg Config) (ca, oa domain.NormalizedCurve, err error) {
	caSlot, _ := rec.SlotByRole(domain.RoleClosedAperture)
	refSlot, _ := rec.SlotByRole(domain.RoleReference)
	oaSlot, _ := rec.SlotByRole(domain.RoleOpenAperture)

	if slot, ok := rec.SlotByRole(domain.RoleEmpty); ok {
		for _, s := range rec.Samples {
			if math.Abs(s.Volts[slot]) > cfg.EmptyNoiseVolts {
				return ca, oa, &Error{
					Kind:   KindRoleMismatch,
					Detail: fmt.Sprintf("CH%d 声明为空通道，但第 %d 行读数 %g V 超过噪声阈值 %g V", slot+1, s.Index, s.Volts[slot], cfg.EmptyNoiseVolts),
				}
			}
		}
	}

	zero := 0
	for _, s := range rec.Samples {
		if math.Abs(s.Volts[refSlot]) <= refEps {
			zero++
		}
	}
	if frac := float64(zero) / float64(len(rec.Samples)); frac > cfg.MaxZeroRefFraction {
		return ca, oa, &Error{
			Kind:   KindReferenceDead,
			Detail: fmt.Sprintf("%d/%d（%.1f%%）个样本的参考电压为零，超过上限 %.1f%%", zero, len(rec.Samples), frac*100, cfg.MaxZeroRefFraction*100),
		}
	}

	ca, err = channel(rec, domain.ChannelClosedAperture, caSlot, refSlot, cfg)
	if err != nil {
		return ca, oa, err
	}
	oa, err = channel(rec, domain.ChannelOpenAperture, oaSlot, refSlot, cfg)
	return ca, oa, err
}

func channel(rec *domain.MeasurementRecord, ch domain.Channel, slot, refSlot int, cfg Config) (domain.NormalizedCurve, error) {
	out := domain.NormalizedCurve{Channel: ch, Points: make([]domain.CurvePoint, 0, len(rec.Samples))}

	for i, s := range rec.Samples {
		ref := s.Volts[refSlot]
		if math.Abs(ref) <= refEps {
			continue // 比值未定义：剔除
		}
		out.Points = append(out.Points, domain.CurvePoint{
			PositionMM:    rec.PositionAt(i),
			Transmittance: s.Volts[slot] / ref,
		})
	}

	n := len(out.Points)
	if n == 0 {
		return out, &Error{Kind: KindBadBaseline, Detail: fmt.Sprintf("通道 %s 的全部样本都被剔除，无法建立基线", ch)}
	}
	edge := int(cfg.BaselineFraction * float64(n))
	if edge < 1 {
		edge = 1
	}
	far := make([]float64, 0, 2*edge)
	for i := 0; i < edge; i++ {
		far = append(far, out.Points[i].Transmittance)
	}
	for i := n - edge; i < n; i++ {
		far = append(far, out.Points[i].Transmittance)
	}

	base := stat.Mean(far, nil)
	if !(base > 0) || math.IsInf(base, 0) {
		return out, &Error{Kind: KindBadBaseline, Detail: fmt.Sprintf("通道 %s 的远场均值为 %g", ch, base)}
	}
	out.Baseline = base

	for i := range out.Points {
		out.Points[i].Transmittance /= base
	}
	norm := make([]float64, len(far))
	for i, v := range far {
		norm[i] = v / base
	}
	out.FarFieldStd = stat.StdDev(norm, nil)
	return out, nil
}
