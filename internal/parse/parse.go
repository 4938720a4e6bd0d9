// Package parse 把一份仪器输出文本变成结构化的 MeasurementRecord。
//
// 文件格式（一次扫描一个文件）：头部为 `Key: value` 行 + CH1..CH4 角色表，
// 以 "SNo." 列头行作为头部结束信标；之后是空白分隔的数据表
// （每行：序号 + 4 个通道电压）。列宽漂移不影响解析（按字段切分，不按列位）。
package parse

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/John-Robertt/zfit/internal/domain"
)

const (
	KindMissingField = "missing_field"
	KindBadNumber    = "bad_number"
	KindBadRoles     = "bad_roles"
	KindBadTable     = "bad_table"
	KindShortTable   = "short_table"
)

// Error 是解析阶段的结构化错误。对该文件致命，不影响批处理中的其他文件。
type Error struct {
	Kind   string
	Line   int // 1 起始；与整行无关的错误为 0
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMissingField:
		return fmt.Sprintf("头部缺少必需字段：%s", e.Detail)
	case KindBadNumber:
		return fmt.Sprintf("第 %d 行数值无法解析：%s", e.Line, e.Detail)
	case KindBadRoles:
		return fmt.Sprintf("通道角色表无效：%s", e.Detail)
	case KindBadTable:
		return fmt.Sprintf("第 %d 行数据表无效：%s", e.Line, e.Detail)
	case KindShortTable:
		return fmt.Sprintf("数据表过短：%s", e.Detail)
	default:
		return e.Kind
	}
}

var (
	// 必需头字段与 original 仪器一致；"SNo" 行是头部结束信标。
	codeRE   = regexp.MustCompile(`^Code:\s*(.+)$`)
	silicaRE = regexp.MustCompile(`^Silica thickness:\s*(.+)$`)
	concRE   = regexp.MustCompile(`^Concentration:\s*(.+)$`)
	wavelRE  = regexp.MustCompile(`^Wavelength:\s*(.+)$`)
	startRE  = regexp.MustCompile(`^Starting pos:\s*(.+)$`)
	endRE    = regexp.MustCompile(`^Ending pos:\s*(.+)$`)
	roleRE   = regexp.MustCompile(`^CH([1-4]):\s*(.+)$`)
	beaconRE = regexp.MustCompile(`^SNo\.?\b`)
	dashesRE = regexp.MustCompile(`^-+$`)
)

// Record 解析整份文件内容。纯转换，无任何副作用。
//
// 失败条件（均返回 *Error）：
// - 缺少 Code/Concentration/Wavelength/Starting pos/Ending pos/角色表/信标
// - 角色表没有为 4 个槽位各指定一个角色，或 CA/Reference/OA 不是各恰好一次
// - 数据表为空、少于 2 行、列数不足或序号非严格递增
func Record(data []byte) (*domain.MeasurementRecord, error) {
	rec := &domain.MeasurementRecord{}

	var (
		seenCode, seenConc, seenWavel bool
		seenStart, seenEnd            bool
		seenBeacon                    bool
		desc                          []string
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() && !seenBeacon {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || dashesRE.MatchString(line) {
			continue
		}

		switch {
		case codeRE.MatchString(line):
			rec.Code = strings.TrimSpace(codeRE.FindStringSubmatch(line)[1])
			seenCode = rec.Code != ""
		case silicaRE.MatchString(line):
			v, err := number(silicaRE.FindStringSubmatch(line)[1], lineNo)
			if err != nil {
				return nil, err
			}
			rec.SilicaThicknessMM = v
		case concRE.MatchString(line):
			v, err := number(concRE.FindStringSubmatch(line)[1], lineNo)
			if err != nil {
				return nil, err
			}
			rec.Concentration = v
			seenConc = true
		case wavelRE.MatchString(line):
			v, err := number(wavelRE.FindStringSubmatch(line)[1], lineNo)
			if err != nil {
				return nil, err
			}
			rec.WavelengthNm = v
			seenWavel = true
		case startRE.MatchString(line):
			v, err := number(startRE.FindStringSubmatch(line)[1], lineNo)
			if err != nil {
				return nil, err
			}
			rec.StartPos = v
			seenStart = true
		case endRE.MatchString(line):
			v, err := number(endRE.FindStringSubmatch(line)[1], lineNo)
			if err != nil {
				return nil, err
			}
			rec.EndPos = v
			seenEnd = true
		case roleRE.MatchString(line):
			m := roleRE.FindStringSubmatch(line)
			slot := int(m[1][0] - '1')
			role, ok := domain.ParseRole(m[2])
			if !ok {
				return nil, &Error{Kind: KindBadRoles, Detail: fmt.Sprintf("CH%d 的角色名无法识别：%q", slot+1, strings.TrimSpace(m[2]))}
			}
			rec.Roles[slot] = role
		case beaconRE.MatchString(line):
			seenBeacon = true
		case line == "Z-scan Measurement":
			// 标题行，跳过。
		default:
			// 其余头部行是操作员的自由文本备注。
			desc = append(desc, line)
		}
	}
	rec.Description = strings.Join(desc, "\n")
	if err := sc.Err(); err != nil {
		return nil, &Error{Kind: KindBadTable, Line: lineNo, Detail: err.Error()}
	}

	switch {
	case !seenCode:
		return nil, &Error{Kind: KindMissingField, Detail: "Code"}
	case !seenConc:
		return nil, &Error{Kind: KindMissingField, Detail: "Concentration"}
	case !seenWavel:
		return nil, &Error{Kind: KindMissingField, Detail: "Wavelength"}
	case !seenStart:
		return nil, &Error{Kind: KindMissingField, Detail: "Starting pos"}
	case !seenEnd:
		return nil, &Error{Kind: KindMissingField, Detail: "Ending pos"}
	case !seenBeacon:
		return nil, &Error{Kind: KindMissingField, Detail: "SNo.（头部结束信标）"}
	}
	if err := checkRoles(rec.Roles); err != nil {
		return nil, err
	}

	// 数据表：信标之后的非空、非分隔行。
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || dashesRE.MatchString(line) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, &Error{Kind: KindBadTable, Line: lineNo, Detail: fmt.Sprintf("期望至少 5 列（序号 + 4 通道），实际 %d 列", len(fields))}
		}
		idxF, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || idxF != float64(int(idxF)) {
			return nil, &Error{Kind: KindBadTable, Line: lineNo, Detail: fmt.Sprintf("序号无效：%q", fields[0])}
		}
		s := domain.Sample{Index: int(idxF)}
		for ch := 0; ch < 4; ch++ {
			v, err := strconv.ParseFloat(fields[ch+1], 64)
			if err != nil {
				return nil, &Error{Kind: KindBadTable, Line: lineNo, Detail: fmt.Sprintf("CH%d 电压无效：%q", ch+1, fields[ch+1])}
			}
			s.Volts[ch] = v
		}
		if n := len(rec.Samples); n > 0 && s.Index <= rec.Samples[n-1].Index {
			return nil, &Error{Kind: KindBadTable, Line: lineNo, Detail: fmt.Sprintf("序号必须严格递增：%d 跟在 %d 之后", s.Index, rec.Samples[n-1].Index)}
		}
		rec.Samples = append(rec.Samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, &Error{Kind: KindBadTable, Line: lineNo, Detail: err.Error()}
	}

	if len(rec.Samples) < 2 {
		return nil, &Error{Kind: KindShortTable, Detail: fmt.Sprintf("需要至少 2 行样本，实际 %d 行", len(rec.Samples))}
	}
	return rec, nil
}

// checkRoles 校验角色表：4 个槽位都已指定，且 CA/Reference/OA 各恰好一次。
// Empty 允许出现 0 或多次（有的仪器配置会空置多个通道）。
func checkRoles(roles [4]domain.ChannelRole) error {
	counts := map[domain.ChannelRole]int{}
	for slot, r := range roles {
		if r == domain.RoleUnknown {
			return &Error{Kind: KindBadRoles, Detail: fmt.Sprintf("CH%d 未指定角色", slot+1)}
		}
		counts[r]++
	}
	for _, need := range []domain.ChannelRole{domain.RoleClosedAperture, domain.RoleReference, domain.RoleOpenAperture} {
		if counts[need] != 1 {
			return &Error{Kind: KindBadRoles, Detail: fmt.Sprintf("角色 %s 必须恰好出现一次，实际 %d 次", need, counts[need])}
		}
	}
	return nil
}

// number 解析头字段里的数值，容忍附带的单位后缀（"0.50 %"、"475.0 nm"）。
func number(raw string, line int) (float64, error) {
	tok := strings.Fields(strings.TrimSpace(raw))
	if len(tok) == 0 {
		return 0, &Error{Kind: KindBadNumber, Line: line, Detail: "空值"}
	}
	s := strings.TrimSuffix(tok[0], "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &Error{Kind: KindBadNumber, Line: line, Detail: fmt.Sprintf("%q", tok[0])}
	}
	return v, nil
}
