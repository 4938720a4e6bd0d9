package batch

import (
	"time"

	"github.com/John-Robertt/zfit/internal/config"
	"github.com/John-Robertt/zfit/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - batch 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：事件可能来自多个 goroutine。
type Observer interface {
	// OnStart 在 Run 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（用于打印阶段统计与耗时）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnRecordDone 在某个输入文件处理完成时调用（用于每条结果的一行输出）。
	// idx 是完成序号（1 起），不是输入序号：完成次序与输入次序无关。
	OnRecordDone(idx, total int, res domain.RecordResult, dur time.Duration)
	// OnProgress 用于 keepalive（通常由 CLI 自己 ticker 触发；batch 层不强制调用）。
	OnProgress(done, total, fitted, unreliable, failed int, elapsed time.Duration)
}
