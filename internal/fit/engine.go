// Package fit 实现 Z-scan 曲线的非线性最小二乘拟合引擎。
//
// 求解器是 Levenberg–Marquardt（github.com/maorshutman/lm，数值雅可比），
// 每次调用严格执行一次确定性尝试：确定性的初值 + 确定性的求解过程，
// 保证同一输入得到比特一致的结果。失败不自动重试（由调用方决定）。
package fit

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/maorshutman/lm"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/model"
)

// Config 是拟合引擎的显式配置（不引入包级可变状态）。
type Config struct {
	// MaxIterations 是 LM 迭代预算，耗尽即判定发散。
	MaxIterations int
	// ObjectiveTol 是目标函数（0.5·RSS）的停止阈值。
	ObjectiveTol float64

	// Tau/Eps1/Eps2 是 LM 的标准参数（初始阻尼、梯度阈值、步长阈值）。
	Tau  float64
	Eps1 float64
	Eps2 float64

	// FlatOAThreshold：OA 峰谷差低于该值时认为无可测吸收，
	// q0 钉在 0，z0/zR 改由 CA 拟合解出。
	FlatOAThreshold float64
}

// Default 返回默认配置。
func Default() Config {
	return Config{
		MaxIterations:   200,
		ObjectiveTol:    1e-16,
		Tau:             1e-6,
		Eps1:            1e-8,
		Eps2:            1e-8,
		FlatOAThreshold: 5e-3,
	}
}

// DivergenceError 表示迭代预算耗尽仍未满足收敛准则。
// 结果仍带有最优努力的参数估计，由上层标记为不可信而不是丢弃。
type DivergenceError struct {
	Channel   domain.Channel
	FuncEvals int
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s 拟合发散：迭代预算耗尽（函数求值 %d 次）", e.Channel, e.FuncEvals)
}

// IllConditionedError 表示参数协方差不可计算（雅可比奇异）或求解器内部
// 线性系统奇异。同样只上报，不重试。
type IllConditionedError struct {
	Channel domain.Channel
	Reason  string
}

func (e *IllConditionedError) Error() string {
	return fmt.Sprintf("%s 拟合病态：%s", e.Channel, e.Reason)
}

// 自由参数的编号（模型参数向量内的槽位）。
type paramIdx int

const (
	pDPhi0 paramIdx = iota
	pQ0
	pZ0
	pZR
	pZero
)

func get(p model.Params, i paramIdx) float64 {
	switch i {
	case pDPhi0:
		return p.DPhi0
	case pQ0:
		return p.Q0
	case pZ0:
		return p.Z0MM
	case pZR:
		return p.ZRMM
	default:
		return p.ZeroLevel
	}
}

func set(p *model.Params, i paramIdx, v float64) {
	switch i {
	case pDPhi0:
		p.DPhi0 = v
	case pQ0:
		p.Q0 = v
	case pZ0:
		p.Z0MM = v
	case pZR:
		p.ZRMM = v
	default:
		p.ZeroLevel = v
	}
}

// stageResult 是单条曲线一次 LM 求解的产物。
type stageResult struct {
	params    model.Params
	stdErr    model.Params
	rss       float64
	funcEvals int
	converged bool
}

// fitStage 对一条观测曲线做一次 LM 求解：base 给出全部参数，
// free 指定本阶段放开的子集，其余保持固定。
//
// 返回值语义：发散/病态时 err 非 nil，但 stageResult 仍尽量填充
// （病态时缺标准误）。
func fitStage(curve domain.NormalizedCurve, fn func(float64, model.Params) float64, base model.Params, free []paramIdx, cfg Config) (stageResult, error) {
	res := stageResult{params: base}

	n := len(curve.Points)
	dim := len(free)
	if n <= dim {
		return res, &IllConditionedError{Channel: curve.Channel, Reason: fmt.Sprintf("数据点不足：%d 点拟合 %d 个参数", n, dim)}
	}

	zs := make([]float64, n)
	ts := make([]float64, n)
	for i, pt := range curve.Points {
		zs[i] = pt.PositionMM
		ts[i] = pt.Transmittance
	}

	// 残差函数。NumJac 会并发调用，计数必须原子。
	var evals int64
	residual := func(dst, x []float64) {
		atomic.AddInt64(&evals, 1)
		p := base
		for j, idx := range free {
			set(&p, idx, x[j])
		}
		for i := range zs {
			dst[i] = fn(zs[i], p) - ts[i]
		}
	}

	init := make([]float64, dim)
	for j, idx := range free {
		init[j] = get(base, idx)
	}

	jac := lm.NumJac{Func: residual}
	prob := lm.LMProblem{
		Dim:        dim,
		Size:       n,
		Func:       residual,
		Jac:        jac.Jac,
		InitParams: init,
		Tau:        cfg.Tau,
		Eps1:       cfg.Eps1,
		Eps2:       cfg.Eps2,
	}

	sol, lmErr := runLM(prob, &lm.Settings{Iterations: cfg.MaxIterations, ObjectiveTol: cfg.ObjectiveTol})
	if lmErr != nil {
		// 求解器内部线性系统奇异（panic 已被 runLM 捕获）。
		return res, &IllConditionedError{Channel: curve.Channel, Reason: lmErr.Error()}
	}

	x := make([]float64, dim)
	copy(x, sol.X)
	for j, idx := range free {
		set(&res.params, idx, x[j])
	}

	// RSS 按最终参数重算一次（也计入求值次数，保持口径一致）。
	dst := make([]float64, n)
	residual(dst, x)
	for _, r := range dst {
		res.rss += r * r
	}
	res.funcEvals = int(atomic.LoadInt64(&evals))
	res.converged = sol.Status == optimize.StepConvergence

	// 参数协方差：cov = σ²·(JᵀJ)⁻¹，σ² = RSS/(n−p)。
	jmat := mat.NewDense(n, dim, nil)
	fd.Jacobian(jmat, residual, x, &fd.JacobianSettings{Formula: fd.Central})

	var jtj mat.Dense
	jtj.Mul(jmat.T(), jmat)

	var inv mat.Dense
	if err := inv.Inverse(&jtj); err != nil {
		return res, &IllConditionedError{Channel: curve.Channel, Reason: "雅可比奇异，协方差不可计算"}
	}
	sigma2 := res.rss / float64(n-dim)
	for j, idx := range free {
		set(&res.stdErr, idx, math.Sqrt(math.Abs(sigma2*inv.At(j, j))))
	}

	if !res.converged {
		return res, &DivergenceError{Channel: curve.Channel, FuncEvals: res.funcEvals}
	}
	return res, nil
}

// runLM 把 lm 求解器内部的 "singular" panic 转成普通错误。
func runLM(prob lm.LMProblem, set *lm.Settings) (res *lm.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("LM 内部线性系统奇异：%v", r)
		}
	}()
	return lm.LM(prob, set)
}
