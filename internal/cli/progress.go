package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/John-Robertt/zfit/internal/batch"
	"github.com/John-Robertt/zfit/internal/config"
	"github.com/John-Robertt/zfit/internal/domain"
)

var _ batch.Observer = (*progressUI)(nil)

// progressUI 是交互终端的进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：batch 层只发事件，CLI 决定如何展示
// - keepalive：长时间无条目完成时也会定期输出一行，降低等待焦虑
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers    int
	total      int
	done       int
	fitted     int
	unreliable int
	failed     int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	fmt.Fprintf(p.w, "[%s] zfit run\n", now.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  path: %s\n", eff.Path)
	fmt.Fprintf(p.w, "  out: %s\n", eff.OutDir)
	fmt.Fprintf(p.w, "  concurrency: %d\n", eff.Concurrency)
	fmt.Fprintf(p.w, "  wavelength: %.1f nm\n", eff.Constants.WavelengthM*1e9)
	fmt.Fprintf(p.w, "  I0: %.3g W/m²\n", eff.Constants.PeakIrradiance)
	fmt.Fprintf(p.w, "  plots: %s  csv: %s\n", onOff(eff.Plots), onOff(eff.CSV))
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
	p.mu.Unlock()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "fit":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "total_files")
		fmt.Fprintf(p.w, "拟合: workers=%d total_files=%d\n\n", p.workers, p.total)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnRecordDone(idx, total int, res domain.RecordResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total

	switch res.Status {
	case domain.StatusFitted:
		p.fitted++
	case domain.StatusUnreliable:
		p.unreliable++
	case domain.StatusFailed:
		p.failed++
	}

	key := res.Code
	if key == "" {
		key = res.Source
	}

	switch res.Status {
	case domain.StatusFitted:
		f := res.Fit
		fmt.Fprintf(p.w, "[%d/%d] %s c=%.2f%% OK ΔΦ0=%.4g q0=%.4g n2=%.3g (%s)\n",
			idx, total, key, res.Concentration, f.Params.DPhi0, f.Params.Q0, f.N2, formatShortDuration(dur),
		)
	case domain.StatusUnreliable:
		fmt.Fprintf(p.w, "[%d/%d] %s c=%.2f%% UNRELIABLE %s: %s (%s)\n",
			idx, total, key, res.Concentration, res.ErrorCode, truncate(res.ErrorMsg, 120), formatShortDuration(dur),
		)
	case domain.StatusCanceled:
		fmt.Fprintf(p.w, "[%d/%d] %s CANCELED\n", idx, total, key)
	default:
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (%s)\n",
			idx, total, key, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.tickerStarted && p.done >= p.total {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) OnProgress(done, total, fitted, unreliable, failed int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "进度: done=%d/%d fitted=%d unreliable=%d failed=%d elapsed=%s\n",
		done, total, fitted, unreliable, failed, formatElapsed(elapsed),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				// 已完成：安全退出（OnRecordDone 会 close stopCh，但这里也做兜底）。
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}

				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					elapsed := time.Since(p.startedAt)
					fmt.Fprintf(p.w, "进度: done=%d/%d fitted=%d unreliable=%d failed=%d elapsed=%s\n",
						p.done, p.total, p.fitted, p.unreliable, p.failed, formatElapsed(elapsed),
					)
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-p.stopCh:
				return
			}
		}
	}()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
