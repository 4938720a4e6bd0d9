// Package batch 把 解析→归一化→拟合→物理量换算 串成批处理流水线。
//
// 并发模型：按文件并发（worker pool），单个文件内串行；
// 结果由协调者单线程合并进 BatchReport，不做共享可变状态。
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/John-Robertt/zfit/internal/config"
	"github.com/John-Robertt/zfit/internal/derive"
	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/fit"
	"github.com/John-Robertt/zfit/internal/normalize"
	"github.com/John-Robertt/zfit/internal/parse"
)

// Loader 把“读文件”收敛成一个可替换的边界（测试可注入内存实现）。
type Loader func(path string) ([]byte, error)

// DiskLoader 是生产默认实现。
func DiskLoader(path string) ([]byte, error) { return os.ReadFile(path) }

// Run 对一组输入文件执行一次批处理，并返回对外稳定的 BatchReport。
//
// 错误语义分两层：
//   - 实验常数无效：整批没有意义，在任何 worker 启动之前返回 error；
//   - 单个文件失败：降级为 item 级结果（status=failed），其余文件继续。
//
// 取消：每个文件开始处理前检查 ctx；已取消时剩余文件记为 canceled，
// 正在处理中的文件照常完成（拟合本身不中断）。
func Run(ctx context.Context, eff config.EffectiveConfig, files []domain.ScanFile, load Loader, obs Observer) (domain.BatchReport, error) {
	started := time.Now().UTC()
	if obs != nil {
		obs.OnStart(eff)
	}

	if err := eff.Constants.Validate(); err != nil {
		return domain.BatchReport{}, fmt.Errorf("%s：%w", domain.ErrCodeConstantsInvalid, err)
	}

	rep := domain.BatchReport{
		Path:      eff.Path,
		StartedAt: started,
		Items:     make([]domain.RecordResult, len(files)),
	}

	workers := eff.Concurrency
	if workers < 1 {
		workers = 1
	}
	if obs != nil {
		obs.OnPhaseDone("fit", map[string]any{
			"workers":     workers,
			"total_files": len(files),
		}, 0)
	}

	type job struct {
		idx  int
		file domain.ScanFile
	}
	type done struct {
		idx int
		res domain.RecordResult
		dur time.Duration
	}

	jobs := make(chan job)
	results := make(chan done, len(files))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				oneStarted := time.Now()
				var res domain.RecordResult
				if ctx.Err() != nil {
					res = domain.RecordResult{
						Source:    j.file.RelPath,
						Status:    domain.StatusCanceled,
						ErrorCode: domain.ErrCodeCanceled,
						ErrorMsg:  "批处理被取消，文件未处理",
					}
				} else {
					res = processFile(j.file, eff, load)
				}
				results <- done{idx: j.idx, res: res, dur: time.Since(oneStarted)}
			}
		}()
	}

	go func() {
		for i, f := range files {
			jobs <- job{idx: i, file: f}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	n := 0
	for d := range results {
		n++
		rep.Items[d.idx] = d.res
		if obs != nil {
			obs.OnRecordDone(n, len(files), d.res, d.dur)
		}
	}

	rep.FinishedAt = time.Now().UTC()
	rep.Finalize()
	return rep, nil
}

func processFile(f domain.ScanFile, eff config.EffectiveConfig, load Loader) domain.RecordResult {
	b, err := load(f.AbsPath)
	if err != nil {
		return domain.RecordResult{
			Source:    f.RelPath,
			Status:    domain.StatusFailed,
			ErrorCode: domain.ErrCodeIOFailed,
			ErrorMsg:  fmt.Sprintf("读取失败：%v", err),
		}
	}

	rec, err := parse.Record(b)
	if err != nil {
		return domain.RecordResult{
			Source:    f.RelPath,
			Status:    domain.StatusFailed,
			ErrorCode: domain.ErrCodeParseFailed,
			ErrorMsg:  err.Error(),
		}
	}

	res := One(rec, eff)
	res.Source = f.RelPath
	return res
}

// One 对一条已解析的记录执行 归一化→拟合→换算 全流程，并做质量分级。
//
// 分级规则（从严到宽，命中即止）：
//   - 归一化失败 / 拟合病态：failed（没有可用的参数估计）
//   - 拟合发散：unreliable（保留最优努力估计）
//   - 参数落在模型定义域之外：unreliable
//   - 相对标准误超过 UnreliableRelStdErr：unreliable
//   - 其余：fitted
func One(rec *domain.MeasurementRecord, eff config.EffectiveConfig) domain.RecordResult {
	res := domain.RecordResult{
		Code:          rec.Code,
		Concentration: rec.Concentration,
		WavelengthNm:  rec.WavelengthNm,
	}

	ca, oa, err := normalize.Curves(rec, eff.Normalize)
	if err != nil {
		res.Status = domain.StatusFailed
		res.ErrorCode = domain.ErrCodeNormalizeFailed
		res.ErrorMsg = err.Error()
		return res
	}

	out, fitErr := fit.Curves(ca, oa, eff.Fit)

	var ill *fit.IllConditionedError
	if errors.As(fitErr, &ill) {
		// 病态：协方差不存在，参数没有误差棒，不输出估计值。
		res.Status = domain.StatusFailed
		res.ErrorCode = domain.ErrCodeIllConditioned
		res.ErrorMsg = fitErr.Error()
		return res
	}

	res.Fit = &domain.FitResult{
		Code:          rec.Code,
		Concentration: rec.Concentration,
		WavelengthNm:  rec.WavelengthNm,
		Params:        out.Params,
		StdErr:        out.StdErr,
		RSS:           out.RSS,
		FuncEvals:     out.FuncEvals,
		Converged:     out.Converged,
		N2:            derive.N2(out.Params.DPhi0, eff.Constants),
		Beta:          derive.Beta(out.Params.Q0, eff.Constants),
	}

	var div *fit.DivergenceError
	switch {
	case errors.As(fitErr, &div):
		res.Status = domain.StatusUnreliable
		res.ErrorCode = domain.ErrCodeFitDiverged
		res.ErrorMsg = fitErr.Error()
	case fitErr != nil:
		res.Status = domain.StatusUnreliable
		res.ErrorCode = domain.ErrCodeFitDiverged
		res.ErrorMsg = fitErr.Error()
	case out.Constraint != "":
		res.Status = domain.StatusUnreliable
		res.ErrorCode = domain.ErrCodeConstraint
		res.ErrorMsg = fmt.Sprintf("参数越界（%s）：q0=%v zero_level=%v", out.Constraint, out.Params.Q0, out.Params.ZeroLevel)
	case relStdErr(out) > eff.UnreliableRelStdErr:
		res.Status = domain.StatusUnreliable
		res.ErrorCode = domain.ErrCodeHighStdErr
		res.ErrorMsg = fmt.Sprintf("相对标准误 %.3g 超过阈值 %.3g", relStdErr(out), eff.UnreliableRelStdErr)
	default:
		res.Status = domain.StatusFitted
	}
	return res
}

// relStdErr 取两个物理参数（ΔΦ0、q0）相对标准误的较大者。
// 接近零的参数不参与（其相对误差无定义）。
func relStdErr(out fit.Outcome) float64 {
	const eps = 1e-12
	worst := 0.0
	if math.Abs(out.Params.DPhi0) > eps {
		if r := math.Abs(out.StdErr.DPhi0 / out.Params.DPhi0); r > worst {
			worst = r
		}
	}
	if math.Abs(out.Params.Q0) > eps {
		if r := math.Abs(out.StdErr.Q0 / out.Params.Q0); r > worst {
			worst = r
		}
	}
	return worst
}
