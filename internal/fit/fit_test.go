package fit

import (
	"errors"
	"math"
	"testing"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/model"
)

// synth 用正向模型在 29..69 mm 上生成零噪声的 CA/OA 曲线对。
func synth(p model.Params, n int) (ca, oa domain.NormalizedCurve) {
	ca.Channel = domain.ChannelClosedAperture
	oa.Channel = domain.ChannelOpenAperture
	for i := 0; i < n; i++ {
		z := 29.0 + float64(i)/float64(n-1)*40
		ca.Points = append(ca.Points, domain.CurvePoint{PositionMM: z, Transmittance: model.ClosedAperture(z, p)})
		oa.Points = append(oa.Points, domain.CurvePoint{PositionMM: z, Transmittance: model.OpenAperture(z, p)})
	}
	return ca, oa
}

// 主正确性定律：把模型自身的输出喂回引擎，必须复原原参数。
func TestCurves_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		p    model.Params
	}{
		{"self_focusing_with_absorption", model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}},
		{"self_defocusing", model.Params{DPhi0: -0.4, Q0: 0.15, Z0MM: 52, ZRMM: 4, ZeroLevel: 1}},
		{"weak_signal", model.Params{DPhi0: 0.08, Q0: 0.05, Z0MM: 47, ZRMM: 2.5, ZeroLevel: 1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ca, oa := synth(c.p, 201)
			out, err := Curves(ca, oa, Default())
			if err != nil {
				t.Fatalf("不期望错误：%v", err)
			}
			if !out.Converged {
				t.Fatalf("零噪声数据必须收敛")
			}
			if math.Abs(out.Params.DPhi0-c.p.DPhi0) > 1e-3 {
				t.Fatalf("ΔΦ0 期望 %v，实际 %v", c.p.DPhi0, out.Params.DPhi0)
			}
			if math.Abs(out.Params.Q0-c.p.Q0) > 1e-3 {
				t.Fatalf("q0 期望 %v，实际 %v", c.p.Q0, out.Params.Q0)
			}
			if math.Abs(out.Params.Z0MM-c.p.Z0MM) > 0.01*c.p.ZRMM {
				t.Fatalf("z0 期望 %v（容差 1%% zR），实际 %v", c.p.Z0MM, out.Params.Z0MM)
			}
			if math.Abs(out.Params.ZRMM-c.p.ZRMM) > 0.05*c.p.ZRMM {
				t.Fatalf("zR 期望 %v，实际 %v", c.p.ZRMM, out.Params.ZRMM)
			}
			if out.Constraint != "" {
				t.Fatalf("不期望约束违例：%s", out.Constraint)
			}
		})
	}
}

func TestCurves_PureRefractive(t *testing.T) {
	// q0=0：OA 平坦，z0/zR 必须改由 CA 阶段解出。
	p := model.Params{DPhi0: 0.3, Q0: 0, Z0MM: 50, ZRMM: 3.5, ZeroLevel: 1}
	ca, oa := synth(p, 201)
	out, err := Curves(ca, oa, Default())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Params.Q0 != 0 {
		t.Fatalf("平坦 OA 时 q0 必须钉在 0，实际 %v", out.Params.Q0)
	}
	if math.Abs(out.Params.DPhi0-0.3) > 1e-3 {
		t.Fatalf("ΔΦ0 期望 0.3，实际 %v", out.Params.DPhi0)
	}
	if math.Abs(out.Params.Z0MM-50) > 0.035 {
		t.Fatalf("z0 期望 50，实际 %v", out.Params.Z0MM)
	}
}

func TestCurves_SharedFocalPosition(t *testing.T) {
	// CA 与 OA 故意携带不一致的 z0：结果必须采用 OA 先行解出的 z0
	// （两条曲线各自拟合 z0 是被防住的失效模式）。
	caP := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	oaP := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 50.5, ZRMM: 3, ZeroLevel: 1}
	ca, _ := synth(caP, 201)
	_, oa := synth(oaP, 201)

	out, _ := Curves(ca, oa, Default())
	if math.Abs(out.Params.Z0MM-50.5) > 0.05 {
		t.Fatalf("z0 必须来自 OA 拟合（50.5），实际 %v", out.Params.Z0MM)
	}
}

func TestCurves_Idempotent(t *testing.T) {
	p := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	ca, oa := synth(p, 201)

	a, errA := Curves(ca, oa, Default())
	b, errB := Curves(ca, oa, Default())
	if (errA == nil) != (errB == nil) {
		t.Fatalf("错误行为不一致：%v vs %v", errA, errB)
	}
	// 确定性初值 + 确定性求解：两次调用必须比特一致。
	if a != b {
		t.Fatalf("两次拟合结果不一致：\n%+v\n%+v", a, b)
	}
}

func TestCurves_Q0OutOfRangeFlagged(t *testing.T) {
	// 人为构造比模型在 |q0|<1 内所能产生的更深的吸收谷：
	// 拟合只能把 q0 推到定义域之外，结果必须被标记而不是截断。
	ca, oa := synth(model.Params{DPhi0: 0.1, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}, 201)
	for i := range oa.Points {
		z := oa.Points[i].PositionMM
		x := (z - 49) / 3
		oa.Points[i].Transmittance = 1 - 0.7/(1+x*x)
	}
	out, _ := Curves(ca, oa, Default())
	if out.Constraint != ConstraintQ0 {
		t.Fatalf("期望 q0 约束违例标记，实际 Constraint=%q q0=%v", out.Constraint, out.Params.Q0)
	}
	if math.Abs(out.Params.Q0) < 1 {
		t.Fatalf("越界的 q0 不允许被截断回定义域：%v", out.Params.Q0)
	}
}

func TestCurves_DivergenceReported(t *testing.T) {
	p := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	ca, oa := synth(p, 201)

	cfg := Default()
	cfg.MaxIterations = 1 // 预算必然耗尽
	out, err := Curves(ca, oa, cfg)

	var de *DivergenceError
	if !errors.As(err, &de) {
		t.Fatalf("期望 DivergenceError，实际 %v", err)
	}
	if out.Converged {
		t.Fatalf("发散时 Converged 必须为 false")
	}
	// 最优努力估计仍然存在（不丢弃）。
	if out.Params.ZRMM == 0 {
		t.Fatalf("发散时仍应返回最优努力参数")
	}
}

func TestCurves_TooFewPoints(t *testing.T) {
	p := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	ca, oa := synth(p, 4) // OA 阶段要拟 4 个参数，4 个点不够

	_, err := Curves(ca, oa, Default())
	var ie *IllConditionedError
	if !errors.As(err, &ie) {
		t.Fatalf("期望 IllConditionedError，实际 %v", err)
	}
}

func TestInitial_Deterministic(t *testing.T) {
	p := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	ca, oa := synth(p, 201)
	if Initial(ca, oa) != Initial(ca, oa) {
		t.Fatalf("初值必须确定")
	}
	g := Initial(ca, oa)
	// 几何初值的量级必须落在真值附近（这是自动拟合能收敛的前提）。
	if g.DPhi0*p.DPhi0 <= 0 {
		t.Fatalf("ΔΦ0 初值符号错误：%v", g.DPhi0)
	}
	if math.Abs(g.Z0MM-p.Z0MM) > p.ZRMM {
		t.Fatalf("z0 初值偏离超过一个 zR：%v", g.Z0MM)
	}
	if g.ZRMM <= 0 || g.ZRMM > 5*p.ZRMM {
		t.Fatalf("zR 初值量级异常：%v", g.ZRMM)
	}
}
