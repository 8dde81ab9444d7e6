package query

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/leadman/internal/model"
)

// paramSpec は認識するクエリパラメータ1件分の定義。
type paramSpec struct {
	name  string
	build func(p *Predicate, name string, raw []string) error
}

// paramTable は認識するフィルタパラメータの一覧。
// Parseはこの表を1回だけ走査する。表にないパラメータは無視される。
var paramTable = buildParamTable()

func buildParamTable() []paramSpec {
	specs := []paramSpec{
		// email はワイルドカードなしの場合は完全一致のみ
		{name: "email", build: textParam(FieldEmail, false)},
		// company, city はワイルドカードなしでも部分一致（大文字小文字を区別しない）
		{name: "company", build: textParam(FieldCompany, true)},
		{name: "city", build: textParam(FieldCity, true)},
		{name: "status", build: setParam(FieldStatus)},
		{name: "source", build: setParam(FieldSource)},
		{name: "is_qualified", build: boolParam(FieldIsQualified)},
	}
	specs = append(specs, comparatorFamily(FieldScore, "_gt", "_lt", parseInteger)...)
	specs = append(specs, comparatorFamily(FieldLeadValue, "_gt", "_lt", parseDecimal)...)
	specs = append(specs, dateFamily(FieldCreatedAt)...)
	specs = append(specs, dateFamily(FieldLastActivityAt)...)
	return specs
}

// Parse はクエリパラメータから述語ツリーを組み立てる。
// 値の形式が不正な場合は *model.APIError（INVALID_FILTER）を返す。
// 未知の列挙値はエラーにせず、何にも一致しない条件として扱う。
func Parse(values url.Values) (Predicate, error) {
	var p Predicate
	for _, spec := range paramTable {
		raw := lookup(values, spec.name)
		if len(raw) == 0 {
			continue
		}
		if err := spec.build(&p, spec.name, raw); err != nil {
			return Predicate{}, err
		}
	}
	return p, nil
}

// lookup は "name" と "name[]" の両方から空でない値を集める。
func lookup(values url.Values, name string) []string {
	var out []string
	for _, key := range []string{name, name + "[]"} {
		for _, v := range values[key] {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func textParam(field Field, foldPlain bool) func(p *Predicate, name string, raw []string) error {
	return func(p *Predicate, name string, raw []string) error {
		v := raw[0]
		switch {
		case strings.Contains(v, WildcardMarker):
			p.add(Match{Field: field, Pattern: v, FoldCase: foldPlain})
		case foldPlain:
			p.add(Match{Field: field, Pattern: WildcardMarker + v + WildcardMarker, FoldCase: true})
		default:
			p.add(Equals{Field: field, Value: v})
		}
		return nil
	}
}

func setParam(field Field) func(p *Predicate, name string, raw []string) error {
	return func(p *Predicate, name string, raw []string) error {
		members := splitList(raw)
		if len(members) == 0 {
			return nil
		}
		if len(members) == 1 {
			p.add(Equals{Field: field, Value: members[0]})
			return nil
		}
		p.add(In{Field: field, Values: members})
		return nil
	}
}

func boolParam(field Field) func(p *Predicate, name string, raw []string) error {
	return func(p *Predicate, name string, raw []string) error {
		b, err := strconv.ParseBool(raw[0])
		if err != nil {
			return model.NewInvalidFilterError(name, "true または false を指定してください")
		}
		p.add(Equals{Field: field, Value: b})
		return nil
	}
}

// valueParser は1つの文字列値を型付きの値に変換する。
type valueParser func(s string) (any, error)

// comparatorFamily は数値フィールドの4種類（完全一致・より大きい・より小さい・範囲）を生成する。
func comparatorFamily(field Field, gtSuffix, ltSuffix string, parse valueParser) []paramSpec {
	base := string(field)
	return []paramSpec{
		{name: base, build: singleParam(field, parse, func(f Field, v any) Constraint {
			return Equals{Field: f, Value: v}
		})},
		{name: base + gtSuffix, build: singleParam(field, parse, func(f Field, v any) Constraint {
			return Compare{Field: f, Op: OpGreater, Value: v}
		})},
		{name: base + ltSuffix, build: singleParam(field, parse, func(f Field, v any) Constraint {
			return Compare{Field: f, Op: OpLess, Value: v}
		})},
		{name: base + "_between", build: betweenParam(field, parse)},
	}
}

// dateFamily は日時フィールドの4種類（同日・より前・より後・範囲）を生成する。
func dateFamily(field Field) []paramSpec {
	base := string(field)
	return []paramSpec{
		{name: base, build: dayParam(field)},
		{name: base + "_before", build: singleParam(field, parseTime, func(f Field, v any) Constraint {
			return Compare{Field: f, Op: OpLess, Value: v}
		})},
		{name: base + "_after", build: singleParam(field, parseTime, func(f Field, v any) Constraint {
			return Compare{Field: f, Op: OpGreater, Value: v}
		})},
		{name: base + "_between", build: betweenParam(field, parseTime)},
	}
}

func singleParam(field Field, parse valueParser, mk func(Field, any) Constraint) func(p *Predicate, name string, raw []string) error {
	return func(p *Predicate, name string, raw []string) error {
		v, err := parse(raw[0])
		if err != nil {
			return model.NewInvalidFilterError(name, err.Error())
		}
		p.add(mk(field, v))
		return nil
	}
}

func betweenParam(field Field, parse valueParser) func(p *Predicate, name string, raw []string) error {
	return func(p *Predicate, name string, raw []string) error {
		bounds := splitList(raw)
		if len(bounds) != 2 {
			return model.NewInvalidFilterError(name, "範囲には値を2つ指定してください")
		}
		low, err := parse(bounds[0])
		if err != nil {
			return model.NewInvalidFilterError(name, err.Error())
		}
		high, err := parse(bounds[1])
		if err != nil {
			return model.NewInvalidFilterError(name, err.Error())
		}
		p.add(Between{Field: field, Low: low, High: high})
		return nil
	}
}

// dayParam は「その暦日（UTC）」を [当日0時, 翌日0時) の2条件として組み立てる。
func dayParam(field Field) func(p *Predicate, name string, raw []string) error {
	return func(p *Predicate, name string, raw []string) error {
		v, err := parseTime(raw[0])
		if err != nil {
			return model.NewInvalidFilterError(name, err.Error())
		}
		t := v.(time.Time)
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		p.add(Compare{Field: field, Op: OpGreaterOrEqual, Value: start})
		p.add(Compare{Field: field, Op: OpLess, Value: start.AddDate(0, 0, 1)})
		return nil
	}
}

// splitList は繰り返しキーとカンマ区切りの両方を平坦化する。
func splitList(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

type parseError string

func (e parseError) Error() string { return string(e) }

// parseInteger はscore列（INTEGER）と比較できる32ビット範囲の整数のみ受け付ける。
func parseInteger(s string) (any, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return nil, parseError("整数の範囲を超えています")
		}
		return nil, parseError("整数を指定してください")
	}
	return n, nil
}

func parseDecimal(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, parseError("数値を指定してください")
	}
	return f, nil
}

// timeLayouts は日時フィルタで受け付ける形式。タイムゾーンなしはUTCとみなす。
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTime(s string) (any, error) {
	// クエリ文字列で "+09:00" の "+" が空白にデコードされた場合を復元する
	s = strings.ReplaceAll(s, " ", "+")
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, parseError("YYYY-MM-DD またはRFC3339形式で指定してください")
}
