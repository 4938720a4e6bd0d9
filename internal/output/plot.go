package output

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/infra/fsx"
	"github.com/John-Robertt/zfit/internal/model"
)

// fitCurveSamples 是理论曲线的采样点数（只影响线条平滑度）。
const fitCurveSamples = 400

// WriteRecordPlots 为一条记录输出两张 PNG：<base>_ca.png 与 <base>_oa.png，
// 每张叠加观测散点与拟合曲线。
func WriteRecordPlots(dir, base string, ca, oa domain.NormalizedCurve, params domain.FitParams) error {
	mp := model.Params{
		DPhi0:     params.DPhi0,
		Q0:        params.Q0,
		Z0MM:      params.Z0MM,
		ZRMM:      params.ZRMM,
		ZeroLevel: params.ZeroLevel,
	}

	caPNG, err := RenderCurvePNG(ca, model.ClosedAperture, mp, base+" closed aperture")
	if err != nil {
		return fmt.Errorf("渲染 CA 曲线失败：%w", err)
	}
	if err := fsx.WriteFileAtomicReplace(dir, base+"_ca.png", caPNG); err != nil {
		return err
	}

	oaPNG, err := RenderCurvePNG(oa, model.OpenAperture, mp, base+" open aperture")
	if err != nil {
		return fmt.Errorf("渲染 OA 曲线失败：%w", err)
	}
	return fsx.WriteFileAtomicReplace(dir, base+"_oa.png", oaPNG)
}

// RenderCurvePNG 把一条观测曲线与其拟合模型画成 PNG 字节。
func RenderCurvePNG(curve domain.NormalizedCurve, fn func(float64, model.Params) float64, mp model.Params, title string) ([]byte, error) {
	if len(curve.Points) == 0 {
		return nil, fmt.Errorf("空曲线无法作图")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "z [mm]"
	p.Y.Label.Text = "归一化透过率"

	obs := make(plotter.XYs, len(curve.Points))
	for i, pt := range curve.Points {
		obs[i].X = pt.PositionMM
		obs[i].Y = pt.Transmittance
	}
	scatter, err := plotter.NewScatter(obs)
	if err != nil {
		return nil, err
	}
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	scatter.GlyphStyle.Color = color.RGBA{B: 0x80, A: 0xff}

	zMin := curve.Points[0].PositionMM
	zMax := curve.Points[len(curve.Points)-1].PositionMM
	zs := make([]float64, fitCurveSamples)
	for i := range zs {
		zs[i] = zMin + (zMax-zMin)*float64(i)/float64(fitCurveSamples-1)
	}
	ts := model.Sample(fn, zs, mp)
	fitted := make(plotter.XYs, fitCurveSamples)
	for i := range fitted {
		fitted[i].X = zs[i]
		fitted[i].Y = ts[i]
	}
	line, err := plotter.NewLine(fitted)
	if err != nil {
		return nil, err
	}
	line.LineStyle.Width = vg.Points(1.2)
	line.LineStyle.Color = color.RGBA{R: 0xcc, A: 0xff}

	p.Add(plotter.NewGrid(), scatter, line)
	p.Legend.Add("observed", scatter)
	p.Legend.Add("fit", line)
	p.Legend.Top = true

	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
