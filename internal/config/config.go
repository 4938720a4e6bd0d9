package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/zfit/internal/derive"
	"github.com/John-Robertt/zfit/internal/fit"
	"github.com/John-Robertt/zfit/internal/normalize"
)

const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 zfit.yaml。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示无参运行但配置文件缺少 path 字段。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	// DefaultConcurrency 是并发的内置默认值（当配置未指定时）。
	DefaultConcurrency = 4
	// DefaultUnreliableRelStdErr：参数相对标准误超过该值时结果标记为不可信。
	DefaultUnreliableRelStdErr = 0.25
	// DefaultOutDirName 是数据目录下输出子目录的固定名字（扫描时排除）。
	DefaultOutDirName = "out"
)

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --plots=false 必须能覆盖 config.plots=true。
type CLIArgs struct {
	Path string

	OutDir string

	Plots    bool
	PlotsSet bool

	CSV    bool
	CSVSet bool
}

// FileConfig 对应 zfit.yaml 的解析结构。
// 数值类字段以指针/零值区分“未指定”，未指定的项落到内置默认。
type FileConfig struct {
	Path   string `yaml:"path"`
	OutDir string `yaml:"out_dir"`

	Concurrency int   `yaml:"concurrency"`
	Plots       *bool `yaml:"plots"`
	CSV         *bool `yaml:"csv"`

	Fit struct {
		MaxIterations   int     `yaml:"max_iterations"`
		ObjectiveTol    float64 `yaml:"objective_tol"`
		Tau             float64 `yaml:"tau"`
		Eps1            float64 `yaml:"eps1"`
		Eps2            float64 `yaml:"eps2"`
		FlatOAThreshold float64 `yaml:"flat_oa_threshold"`
	} `yaml:"fit"`

	Normalize struct {
		BaselineFraction   float64 `yaml:"baseline_fraction"`
		MaxZeroRefFraction float64 `yaml:"max_zero_ref_fraction"`
		EmptyNoiseVolts    float64 `yaml:"empty_noise_volts"`
	} `yaml:"normalize"`

	Constants derive.Constants `yaml:"constants"`

	// Silica：可选的石英参考标定。constants.peak_irradiance_w_m2 未给出时，
	// 用石英扫描拟合出的 ΔΦ0 反推 I0。
	Silica *SilicaConfig `yaml:"silica"`

	UnreliableRelStdErr float64 `yaml:"unreliable_rel_stderr"`
}

// SilicaConfig 描述一次石英参考扫描的结果。
type SilicaConfig struct {
	DPhi0   float64 `yaml:"dphi0"`
	LengthM float64 `yaml:"length_m"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，
// 不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Path   string
	OutDir string

	Concurrency int
	Plots       bool
	CSV         bool

	Fit       fit.Config
	Normalize normalize.Config
	Constants derive.Constants

	UnreliableRelStdErr float64
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 按约定发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 path：尝试读取 <path>/zfit.yaml（可选）
// 2) CLI 未提供 path：必须读取 <cwd>/zfit.yaml（必选），且其中必须包含 path
//
// 覆盖优先级（固定）：
// - path/out_dir：CLI > config（out_dir 默认 <path>/out）
// - plots/csv：CLI --plots/--csv（含 =false）> config > 默认 false
// - 其余字段：仅由 config 控制（CLI 不暴露）
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
	)

	if strings.TrimSpace(cli.Path) != "" {
		// CLI 给了 path：配置文件可选，位置固定在 <path>/zfit.yaml。
		absPath := absCleanFrom(cwdAbs, cli.Path)
		cfgPath = filepath.Join(absPath, "zfit.yaml")

		fc, _, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		return merge(absPath, cwdAbs, cli, fc, cfgPath)
	}

	// CLI 没给 path：必须读取 <cwd>/zfit.yaml，且其中必须包含 path。
	cfgPath = filepath.Join(cwdAbs, "zfit.yaml")
	var exists bool
	fc, exists, err = readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}

	absPath := absCleanFrom(cwdAbs, fc.Path)
	return merge(absPath, cwdAbs, cli, fc, cfgPath)
}

func merge(absPath, cwdAbs string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	// out_dir：CLI > config > <path>/out
	outDir := filepath.Join(absPath, DefaultOutDirName)
	if strings.TrimSpace(cli.OutDir) != "" {
		outDir = absCleanFrom(cwdAbs, cli.OutDir)
	} else if strings.TrimSpace(fc.OutDir) != "" {
		outDir = absCleanFrom(absPath, fc.OutDir)
	}

	plots := false
	if cli.PlotsSet {
		plots = cli.Plots
	} else if fc.Plots != nil {
		plots = *fc.Plots
	}
	csv := false
	if cli.CSVSet {
		csv = cli.CSV
	} else if fc.CSV != nil {
		csv = *fc.CSV
	}

	concurrency := fc.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	// 范围建议 [1, 32]；超出截断。
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 32 {
		concurrency = 32
	}

	fitCfg, err := mergeFit(fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	normCfg, err := mergeNormalize(fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	constants := fc.Constants
	if constants.PeakIrradiance == 0 && fc.Silica != nil {
		// 石英参考标定：ΔΦ0_silica → I0。常数的完整性校验留给批处理入口。
		i0, err := derive.PeakIrradianceFromSilica(fc.Silica.DPhi0, constants.WavelengthM, fc.Silica.LengthM)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("silica 标定失败：%w", err)}
		}
		constants.PeakIrradiance = i0
	}

	unreliable := fc.UnreliableRelStdErr
	if unreliable == 0 {
		unreliable = DefaultUnreliableRelStdErr
	}
	if unreliable < 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("unreliable_rel_stderr 不能为负：%v", unreliable)}
	}

	return EffectiveConfig{
		Path:                absPath,
		OutDir:              outDir,
		Concurrency:         concurrency,
		Plots:               plots,
		CSV:                 csv,
		Fit:                 fitCfg,
		Normalize:           normCfg,
		Constants:           constants,
		UnreliableRelStdErr: unreliable,
	}, nil
}

func mergeFit(fc FileConfig) (fit.Config, error) {
	cfg := fit.Default()
	f := fc.Fit
	if f.MaxIterations < 0 {
		return cfg, fmt.Errorf("fit.max_iterations 不能为负：%d", f.MaxIterations)
	}
	if f.MaxIterations > 0 {
		cfg.MaxIterations = f.MaxIterations
	}
	if f.ObjectiveTol < 0 || f.Tau < 0 || f.Eps1 < 0 || f.Eps2 < 0 || f.FlatOAThreshold < 0 {
		return cfg, fmt.Errorf("fit 阈值不能为负")
	}
	if f.ObjectiveTol > 0 {
		cfg.ObjectiveTol = f.ObjectiveTol
	}
	if f.Tau > 0 {
		cfg.Tau = f.Tau
	}
	if f.Eps1 > 0 {
		cfg.Eps1 = f.Eps1
	}
	if f.Eps2 > 0 {
		cfg.Eps2 = f.Eps2
	}
	if f.FlatOAThreshold > 0 {
		cfg.FlatOAThreshold = f.FlatOAThreshold
	}
	return cfg, nil
}

func mergeNormalize(fc FileConfig) (normalize.Config, error) {
	cfg := normalize.Default()
	n := fc.Normalize
	if n.BaselineFraction < 0 || n.BaselineFraction > 0.5 {
		return cfg, fmt.Errorf("normalize.baseline_fraction 必须落在 [0, 0.5]：%v", n.BaselineFraction)
	}
	if n.BaselineFraction > 0 {
		cfg.BaselineFraction = n.BaselineFraction
	}
	if n.MaxZeroRefFraction < 0 || n.MaxZeroRefFraction >= 1 {
		return cfg, fmt.Errorf("normalize.max_zero_ref_fraction 必须落在 [0, 1)：%v", n.MaxZeroRefFraction)
	}
	if n.MaxZeroRefFraction > 0 {
		cfg.MaxZeroRefFraction = n.MaxZeroRefFraction
	}
	if n.EmptyNoiseVolts < 0 {
		return cfg, fmt.Errorf("normalize.empty_noise_volts 不能为负：%v", n.EmptyNoiseVolts)
	}
	if n.EmptyNoiseVolts > 0 {
		cfg.EmptyNoiseVolts = n.EmptyNoiseVolts
	}
	return cfg, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
