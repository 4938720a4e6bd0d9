package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/zfit/internal/domain"
	"github.com/John-Robertt/zfit/internal/model"
)

func sampleReport() domain.BatchReport {
	rep := domain.BatchReport{
		Path:      "/data",
		StartedAt: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
		Items: []domain.RecordResult{
			{
				Source: "a.txt", Code: "RIO3BiFF-P", Concentration: 0.0, WavelengthNm: 475,
				Status: domain.StatusFitted,
				Fit: &domain.FitResult{
					Code: "RIO3BiFF-P", WavelengthNm: 475,
					Params:    domain.FitParams{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1},
					StdErr:    domain.FitParams{DPhi0: 0.001, Q0: 0.002},
					RSS:       1e-6, FuncEvals: 120, Converged: true,
					N2: 3.1e-19, Beta: 5.2e-12,
				},
			},
			{
				Source: "bad.txt", Status: domain.StatusFailed,
				ErrorCode: domain.ErrCodeParseFailed, ErrorMsg: "表格损坏",
			},
		},
	}
	rep.FinishedAt = rep.StartedAt.Add(3 * time.Second)
	rep.Finalize()
	return rep
}

func TestEncodeReport_StableJSON(t *testing.T) {
	b, err := EncodeReport(sampleReport())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		t.Fatalf("报表必须以换行结尾")
	}

	var decoded domain.BatchReport
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("报表必须是合法 JSON：%v", err)
	}
	if decoded.Summary.Fitted != 1 || decoded.Summary.Failed != 1 {
		t.Fatalf("summary 错误：%+v", decoded.Summary)
	}
	// 时间必须带 Z 后缀（UTC）。
	if !strings.Contains(string(b), `"started_at": "2026-08-27T10:00:00Z"`) {
		t.Fatalf("started_at 必须是 UTC RFC3339：%s", b)
	}
	// failed 条目不输出 fit 字段。
	if strings.Count(string(b), `"fit"`) != 1 {
		t.Fatalf("只有带估计的条目才应有 fit 字段")
	}
}

func TestWriteReport_Atomic(t *testing.T) {
	dir := t.TempDir()
	if err := WriteReport(dir, sampleReport()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ReportFileName)); err != nil {
		t.Fatalf("report.json 未写出：%v", err)
	}
}

func TestEncodeCSV(t *testing.T) {
	rep := sampleReport()
	b, err := EncodeCSV(rep.Items)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	r := csv.NewReader(bytes.NewReader(b))
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("产物必须是合法 CSV：%v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("期望表头 + 2 行，实际 %d 行", len(rows))
	}
	if rows[0][0] != "source" || rows[0][6] != "dphi0" {
		t.Fatalf("表头列序错误：%v", rows[0])
	}
	// fitted 行带数值；failed 行数值列留空。
	if rows[1][6] != "0.5" {
		t.Fatalf("dphi0 期望 0.5，实际 %q", rows[1][6])
	}
	if rows[2][4] != domain.StatusFailed || rows[2][6] != "" {
		t.Fatalf("failed 行格式错误：%v", rows[2])
	}
}

func TestRenderCurvePNG(t *testing.T) {
	mp := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	curve := domain.NormalizedCurve{Channel: domain.ChannelClosedAperture}
	for i := 0; i <= 200; i++ {
		z := 29.0 + float64(i)/200*40
		curve.Points = append(curve.Points, domain.CurvePoint{
			PositionMM:    z,
			Transmittance: model.ClosedAperture(z, mp),
		})
	}

	b, err := RenderCurvePNG(curve, model.ClosedAperture, mp, "test")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !bytes.HasPrefix(b, []byte("\x89PNG")) {
		t.Fatalf("产物不是 PNG")
	}

	if _, err := RenderCurvePNG(domain.NormalizedCurve{}, model.ClosedAperture, mp, "empty"); err == nil {
		t.Fatalf("空曲线必须报错")
	}
}

func TestWriteRecordPlots(t *testing.T) {
	dir := t.TempDir()
	mp := model.Params{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	var ca, oa domain.NormalizedCurve
	ca.Channel, oa.Channel = domain.ChannelClosedAperture, domain.ChannelOpenAperture
	for i := 0; i <= 100; i++ {
		z := 29.0 + float64(i)/100*40
		ca.Points = append(ca.Points, domain.CurvePoint{PositionMM: z, Transmittance: model.ClosedAperture(z, mp)})
		oa.Points = append(oa.Points, domain.CurvePoint{PositionMM: z, Transmittance: model.OpenAperture(z, mp)})
	}

	params := domain.FitParams{DPhi0: 0.5, Q0: 0.2, Z0MM: 49, ZRMM: 3, ZeroLevel: 1}
	if err := WriteRecordPlots(dir, "c000", ca, oa, params); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	for _, name := range []string{"c000_ca.png", "c000_oa.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s 未写出：%v", name, err)
		}
	}
}
