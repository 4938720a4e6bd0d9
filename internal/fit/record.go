package fit

import (
	"math"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/model"
)

// 约束违例标记。命中任何一条的结果不截断、不丢弃，
// 交由上层标记为不可信。
const (
	// ConstraintQ0：|q0| ≥ 1，落在模型级数的定义域之外。
	ConstraintQ0 = "q0_out_of_range"
	// ConstraintZeroLevel：基线参数偏离 1 超过 25%，说明归一化本身有问题。
	ConstraintZeroLevel = "zero_level_out_of_range"
)

// Outcome 是一条记录（CA+OA 曲线对）的完整拟合产物。
type Outcome struct {
	Params domain.FitParams
	StdErr domain.FitParams

	RSS       float64
	FuncEvals int
	Converged bool

	// Constraint 非空表示参数落在可信区间之外（q0 或基线参数）。
	Constraint string
}

// Curves 按固定次序拟合一对曲线。
//
// 次序是跨组件不变量，不是实现细节：z0/zR 由 OA 拟合先行解出，
// 随后 CA 拟合将其固定——两条曲线各自拟合 z0 会产生互相矛盾的
// 焦点位置估计，这是必须防住的失效模式。
//
// OA 曲线平坦（峰谷差 < FlatOAThreshold）时无吸收信息可用：
// q0 钉在 0，z0/zR 改由 CA 阶段放开拟合。两条曲线始终共享同一组 (z0, zR)。
//
// 发散/病态不中断流程：继续以最优努力参数完成剩余阶段，
// 第一个错误随 Outcome 一起返回。
func Curves(ca, oa domain.NormalizedCurve, cfg Config) (Outcome, error) {
	guess := Initial(ca, oa)

	var (
		out      Outcome
		firstErr error
		oaRes    stageResult
	)

	flat := peakValley(oa) < cfg.FlatOAThreshold
	if flat {
		// 无可测吸收：OA 阶段退化为 q0=0 的常数模型，不消耗求值预算。
		oaRes = stageResult{params: guess, converged: true}
		oaRes.params.Q0 = 0
		for _, pt := range oa.Points {
			r := pt.Transmittance - 1
			oaRes.rss += r * r
		}
	} else {
		var err error
		oaRes, err = fitStage(oa, model.OpenAperture, guess, []paramIdx{pQ0, pZ0, pZR, pZero}, cfg)
		if err != nil {
			firstErr = err
		}
	}

	// CA 阶段：z0/zR（与 q0）从 OA 结果固定；基线参数独立重新放开。
	caBase := oaRes.params
	caBase.DPhi0 = guess.DPhi0
	caBase.ZeroLevel = 1
	caFree := []paramIdx{pDPhi0, pZero}
	if flat {
		caFree = []paramIdx{pDPhi0, pZ0, pZR, pZero}
	}
	caRes, err := fitStage(ca, model.ClosedAperture, caBase, caFree, cfg)
	if err != nil && firstErr == nil {
		firstErr = err
	}

	out.Params = domain.FitParams{
		DPhi0:     caRes.params.DPhi0,
		Q0:        oaRes.params.Q0,
		Z0MM:      caRes.params.Z0MM, // flat 时来自 CA，否则等于 OA 固定值
		ZRMM:      caRes.params.ZRMM,
		ZeroLevel: caRes.params.ZeroLevel,
	}
	out.StdErr = domain.FitParams{
		DPhi0:     caRes.stdErr.DPhi0,
		Q0:        oaRes.stdErr.Q0,
		Z0MM:      oaRes.stdErr.Z0MM + caRes.stdErr.Z0MM, // 互斥：恰有一个阶段拟合了 z0
		ZRMM:      oaRes.stdErr.ZRMM + caRes.stdErr.ZRMM,
		ZeroLevel: caRes.stdErr.ZeroLevel,
	}
	out.RSS = oaRes.rss + caRes.rss
	out.FuncEvals = oaRes.funcEvals + caRes.funcEvals
	out.Converged = oaRes.converged && caRes.converged

	switch {
	case math.Abs(out.Params.Q0) >= 1:
		out.Constraint = ConstraintQ0
	case out.Params.ZeroLevel < 0.75 || out.Params.ZeroLevel > 1.25:
		out.Constraint = ConstraintZeroLevel
	}
	return out, firstErr
}
