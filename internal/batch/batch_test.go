package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/zfit/internal/config"
	"github.com/John-Robertt/zfit/internal/derive"
	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/fit"
	"github.com/John-Robertt/zfit/internal/model"
	"github.com/John-Robertt/zfit/internal/normalize"
	"github.com/John-Robertt/zfit/internal/parse"
)

// recordFile 按仪器导出格式生成一份合成测量文件，
// 电压由正向模型生成（参考通道恒为 0.5 V）。
func recordFile(code string, conc float64, p model.Params) []byte {
	var b strings.Builder
	b.WriteString("Z-scan Measurement\n")
	fmt.Fprintf(&b, "Code: %s\n", code)
	b.WriteString("Silica thickness: 4.0\n")
	fmt.Fprintf(&b, "Concentration: %.2f\n", conc)
	b.WriteString("Wavelength: 475.0\n")
	b.WriteString(strings.Repeat("-", 92) + "\n\n")
	b.WriteString("Starting pos: 29.0\n")
	b.WriteString("Ending pos: 69.0\n")
	b.WriteString("CH1:   Closed aperture\n")
	b.WriteString("CH2:   Reference\n")
	b.WriteString("CH3:   Open aperture\n")
	b.WriteString("CH4:   Empty channel\n")
	b.WriteString("\n" + strings.Repeat("-", 92) + "\n\n")
	b.WriteString("SNo.  [V] Voltage Max        [V] Voltage Max        [V] Voltage Max        [V] Voltage Max\n\n")
	b.WriteString(strings.Repeat("-", 92) + "\n")
	const ref = 0.5
	for i := 0; i <= 200; i++ {
		z := float64(i)/200*40 + 29
		ca := ref * model.ClosedAperture(z, p)
		oa := ref * model.OpenAperture(z, p)
		fmt.Fprintf(&b, "%d\t%.6f\t%.6f\t%.6f\t%.1f\n", i, ca, ref, oa, 0.0)
	}
	return []byte(b.String())
}

func testConfig() config.EffectiveConfig {
	return config.EffectiveConfig{
		Path:        "/data",
		Concurrency: 4,
		Fit:         fit.Default(),
		Normalize:   normalize.Default(),
		Constants: derive.Constants{
			WavelengthM:         475e-9,
			SampleLengthM:       1e-3,
			LinearTransmittance: 0.9,
			PeakIrradiance:      2e12,
		},
		UnreliableRelStdErr: config.DefaultUnreliableRelStdErr,
	}
}

func memLoader(files map[string][]byte) Loader {
	return func(path string) ([]byte, error) {
		b, ok := files[path]
		if !ok {
			return nil, fmt.Errorf("不存在：%s", path)
		}
		return b, nil
	}
}

func scanFiles(names ...string) []domain.ScanFile {
	out := make([]domain.ScanFile, 0, len(names))
	for _, n := range names {
		out = append(out, domain.ScanFile{AbsPath: "/data/" + n, RelPath: n})
	}
	return out
}

var goodParams = model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}

func TestRun_ThreeConcentrations(t *testing.T) {
	files := map[string][]byte{
		"/data/c050.txt": recordFile("RIO3BiFF-P", 0.50, model.Params{DPhi0: 0.4, Q0: 0.15, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}),
		"/data/c000.txt": recordFile("RIO3BiFF-P", 0.00, goodParams),
		"/data/c100.txt": recordFile("RIO3BiFF-P", 1.00, model.Params{DPhi0: 0.3, Q0: 0.1, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}),
	}

	rep, err := Run(context.Background(), testConfig(), scanFiles("c050.txt", "c000.txt", "c100.txt"), memLoader(files), nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rep.Summary.Fitted != 3 || rep.Summary.Failed != 0 {
		t.Fatalf("期望 3 条 fitted，实际 summary=%+v", rep.Summary)
	}
	// Finalize 的稳定排序：同 code 下按浓度升序。
	wantConc := []float64{0.00, 0.50, 1.00}
	for i, it := range rep.Items {
		if it.Concentration != wantConc[i] {
			t.Fatalf("第 %d 条期望浓度 %v，实际 %v", i, wantConc[i], it.Concentration)
		}
		if it.Fit == nil {
			t.Fatalf("fitted 条目必须带参数估计：%+v", it)
		}
		if it.Fit.N2 == 0 || it.Fit.Beta == 0 {
			t.Fatalf("n2/β 必须完成换算：%+v", it.Fit)
		}
	}
	// ΔΦ0 随浓度单调（合成数据如此构造），验证换算传递正确。
	if !(rep.Items[0].Fit.Params.DPhi0 > rep.Items[1].Fit.Params.DPhi0 &&
		rep.Items[1].Fit.Params.DPhi0 > rep.Items[2].Fit.Params.DPhi0) {
		t.Fatalf("ΔΦ0 次序与合成数据不符")
	}
}

func TestRun_CorruptSiblingDoesNotAbort(t *testing.T) {
	files := map[string][]byte{
		"/data/a.txt":   recordFile("RIO3BiFF-P", 0.00, goodParams),
		"/data/bad.txt": []byte("这不是一份测量文件\n"),
		"/data/b.txt":   recordFile("RIO3BiFF-P", 0.50, goodParams),
	}

	rep, err := Run(context.Background(), testConfig(), scanFiles("a.txt", "bad.txt", "b.txt"), memLoader(files), nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rep.Summary.Fitted != 2 || rep.Summary.Failed != 1 {
		t.Fatalf("期望 2 fitted + 1 failed，实际 summary=%+v", rep.Summary)
	}
	// 失败条目排在最后（code 为空），且带 parse_failed。
	last := rep.Items[len(rep.Items)-1]
	if last.Source != "bad.txt" || last.ErrorCode != domain.ErrCodeParseFailed {
		t.Fatalf("损坏文件的条目不正确：%+v", last)
	}
	if last.Fit != nil {
		t.Fatalf("failed 条目不应带参数估计")
	}
}

func TestRun_MissingFileIsIOFailed(t *testing.T) {
	rep, err := Run(context.Background(), testConfig(), scanFiles("ghost.txt"), memLoader(nil), nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rep.Items[0].ErrorCode != domain.ErrCodeIOFailed {
		t.Fatalf("期望 io_failed，实际 %+v", rep.Items[0])
	}
}

func TestRun_InvalidConstantsAbortBeforeWork(t *testing.T) {
	eff := testConfig()
	eff.Constants.PeakIrradiance = 0

	loaderCalled := false
	load := func(path string) ([]byte, error) {
		loaderCalled = true
		return nil, fmt.Errorf("不应被调用")
	}

	_, err := Run(context.Background(), eff, scanFiles("a.txt"), load, nil)
	if err == nil || !strings.Contains(err.Error(), domain.ErrCodeConstantsInvalid) {
		t.Fatalf("期望常数错误中止整批，实际 %v", err)
	}
	if loaderCalled {
		t.Fatalf("常数无效时不应读取任何文件")
	}
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // 开始前即取消

	files := map[string][]byte{
		"/data/a.txt": recordFile("RIO3BiFF-P", 0.00, goodParams),
		"/data/b.txt": recordFile("RIO3BiFF-P", 0.50, goodParams),
	}
	rep, err := Run(ctx, testConfig(), scanFiles("a.txt", "b.txt"), memLoader(files), nil)
	if err != nil {
		t.Fatalf("取消不是批级错误：%v", err)
	}
	if rep.Summary.Canceled != 2 {
		t.Fatalf("期望 2 条 canceled，实际 summary=%+v", rep.Summary)
	}
	for _, it := range rep.Items {
		if it.Status != domain.StatusCanceled || it.ErrorCode != domain.ErrCodeCanceled {
			t.Fatalf("取消条目状态错误：%+v", it)
		}
	}
}

func TestOne_HighStdErrFlaggedUnreliable(t *testing.T) {
	// 阈值压到近零：任何有限的标准误都触发 unreliable。
	eff := testConfig()
	eff.UnreliableRelStdErr = 1e-15

	rec := mustParse(t, recordFile("RIO3BiFF-P", 0.00, goodParams))
	res := One(rec, eff)
	if res.Status != domain.StatusUnreliable || res.ErrorCode != domain.ErrCodeHighStdErr {
		t.Fatalf("期望 stderr_above_threshold，实际 %+v", res)
	}
	if res.Fit == nil {
		t.Fatalf("unreliable 条目必须保留参数估计")
	}
}

func TestOne_RoleMismatchIsNormalizeFailed(t *testing.T) {
	rec := mustParse(t, recordFile("RIO3BiFF-P", 0.00, goodParams))
	for i := range rec.Samples {
		rec.Samples[i].Volts[3] = 0.2 // 空通道带信号
	}
	res := One(rec, testConfig())
	if res.Status != domain.StatusFailed || res.ErrorCode != domain.ErrCodeNormalizeFailed {
		t.Fatalf("期望 normalize_failed，实际 %+v", res)
	}
}

// observerLog 是并发安全的事件记录器。
type observerLog struct {
	mu      sync.Mutex
	starts  int
	phases  []string
	records int
	total   int
}

func (o *observerLog) OnStart(config.EffectiveConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *observerLog) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, name)
}

func (o *observerLog) OnRecordDone(idx, total int, res domain.RecordResult, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records++
	o.total = total
}

func (o *observerLog) OnProgress(done, total, fitted, unreliable, failed int, elapsed time.Duration) {
}

func TestRun_ObserverEvents(t *testing.T) {
	files := map[string][]byte{
		"/data/a.txt": recordFile("RIO3BiFF-P", 0.00, goodParams),
		"/data/b.txt": recordFile("RIO3BiFF-P", 0.50, goodParams),
	}
	obs := &observerLog{}
	_, err := Run(context.Background(), testConfig(), scanFiles("a.txt", "b.txt"), memLoader(files), obs)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if obs.starts != 1 {
		t.Fatalf("OnStart 期望 1 次，实际 %d", obs.starts)
	}
	if obs.records != 2 || obs.total != 2 {
		t.Fatalf("OnRecordDone 期望 2 次（total=2），实际 %d（total=%d）", obs.records, obs.total)
	}
	if len(obs.phases) == 0 || obs.phases[0] != "fit" {
		t.Fatalf("OnPhaseDone 事件缺失：%v", obs.phases)
	}
}

func mustParse(t *testing.T, b []byte) *domain.MeasurementRecord {
	t.Helper()
	rec, err := parse.Record(b)
	if err != nil {
		t.Fatalf("合成文件解析失败：%v", err)
	}
	return rec
}
