// Package query はリード一覧のフィルタ条件（述語ツリー）とページネーションを提供する。
//
// 述語ツリーはストレージ技術に依存しない。リポジトリ層がこれをSQLへ変換し、
// インメモリストアはMatchesで直接評価する。
package query

import (
	"strings"
	"time"

	"github.com/hitoshi/leadman/internal/model"
)

// Field はフィルタ可能なリードのフィールドを表す。
type Field string

const (
	FieldEmail          Field = "email"
	FieldCompany        Field = "company"
	FieldCity           Field = "city"
	FieldStatus         Field = "status"
	FieldSource         Field = "source"
	FieldScore          Field = "score"
	FieldLeadValue      Field = "lead_value"
	FieldCreatedAt      Field = "created_at"
	FieldLastActivityAt Field = "last_activity_at"
	FieldIsQualified    Field = "is_qualified"
)

// CompareOp は比較演算子を表す。
type CompareOp int

const (
	OpGreater CompareOp = iota
	OpGreaterOrEqual
	OpLess
	OpLessOrEqual
)

// String はSQL表記の演算子を返す。
func (op CompareOp) String() string {
	switch op {
	case OpGreater:
		return ">"
	case OpGreaterOrEqual:
		return ">="
	case OpLess:
		return "<"
	case OpLessOrEqual:
		return "<="
	}
	return "?"
}

// WildcardMarker は文字列フィルタのワイルドカード記号。
const WildcardMarker = "*"

// Constraint は1フィールドに対する条件を表す。
// Equals, Match, In, Compare, Between のいずれか。
type Constraint interface {
	// Matches はリードがこの条件を満たすかを返す。
	Matches(l *model.Lead) bool
	target() Field
}

// Equals は完全一致条件。
// Valueの型はフィールドに応じて string / int64 / float64 / time.Time / bool。
type Equals struct {
	Field Field
	Value any
}

// Match はワイルドカードパターンによる一致条件。
// Patternの"*"は任意長の文字列に一致し、それ以外の文字はリテラルとして扱う。
type Match struct {
	Field    Field
	Pattern  string
	FoldCase bool
}

// In は集合所属条件。値はいずれかと完全一致すればよい。
type In struct {
	Field  Field
	Values []string
}

// Compare は片側境界の比較条件。
type Compare struct {
	Field Field
	Op    CompareOp
	Value any
}

// Between は両端を含む範囲条件 [Low, High]。
type Between struct {
	Field Field
	Low   any
	High  any
}

func (c Equals) target() Field  { return c.Field }
func (c Match) target() Field   { return c.Field }
func (c In) target() Field      { return c.Field }
func (c Compare) target() Field { return c.Field }
func (c Between) target() Field { return c.Field }

// Matches は値が等しい場合にtrueを返す。
func (c Equals) Matches(l *model.Lead) bool {
	v, ok := fieldValue(l, c.Field)
	if !ok {
		return false
	}
	if cmp, ok := compareValues(v, c.Value); ok {
		return cmp == 0
	}
	return v == c.Value
}

// Matches はパターンに一致する場合にtrueを返す。
func (c Match) Matches(l *model.Lead) bool {
	v, ok := fieldValue(l, c.Field)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return GlobMatch(s, c.Pattern, c.FoldCase)
}

// Matches は値が集合に含まれる場合にtrueを返す。
func (c In) Matches(l *model.Lead) bool {
	v, ok := fieldValue(l, c.Field)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, want := range c.Values {
		if s == want {
			return true
		}
	}
	return false
}

// Matches は比較が成立する場合にtrueを返す。
func (c Compare) Matches(l *model.Lead) bool {
	v, ok := fieldValue(l, c.Field)
	if !ok {
		return false
	}
	cmp, ok := compareValues(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	}
	return false
}

// Matches はLow <= 値 <= High の場合にtrueを返す。
func (c Between) Matches(l *model.Lead) bool {
	v, ok := fieldValue(l, c.Field)
	if !ok {
		return false
	}
	lo, ok := compareValues(v, c.Low)
	if !ok {
		return false
	}
	hi, ok := compareValues(v, c.High)
	if !ok {
		return false
	}
	return lo >= 0 && hi <= 0
}

// Predicate は独立したフィールド条件の論理積（AND）。
// 条件が空の場合はすべてのリードに一致する。ORはサポートしない。
type Predicate struct {
	Constraints []Constraint
}

// IsEmpty は条件が1つもない場合にtrueを返す。
func (p Predicate) IsEmpty() bool {
	return len(p.Constraints) == 0
}

// Matches はすべての条件を満たす場合にtrueを返す。
func (p Predicate) Matches(l *model.Lead) bool {
	for _, c := range p.Constraints {
		if !c.Matches(l) {
			return false
		}
	}
	return true
}

// Fields は条件が参照するフィールドを出現順に返す（重複なし）。
func (p Predicate) Fields() []Field {
	seen := make(map[Field]bool, len(p.Constraints))
	var fields []Field
	for _, c := range p.Constraints {
		f := c.target()
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	return fields
}

func (p *Predicate) add(c Constraint) {
	p.Constraints = append(p.Constraints, c)
}

// GlobMatch はsがパターンに一致するかを返す。
// "*"を含まないパターンは完全一致として扱う（SQLのLIKEと同じ）。
func GlobMatch(s, pattern string, foldCase bool) bool {
	if foldCase {
		s = strings.ToLower(s)
		pattern = strings.ToLower(pattern)
	}
	parts := strings.Split(pattern, WildcardMarker)
	if len(parts) == 1 {
		return s == pattern
	}

	first, last := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(s, first) {
		return false
	}
	s = s[len(first):]

	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return strings.HasSuffix(s, last)
}

// fieldValue はリードからフィールド値を取り出す。
// 値が存在しない（NULL相当）場合はfalseを返す。
func fieldValue(l *model.Lead, f Field) (any, bool) {
	switch f {
	case FieldEmail:
		return l.Email, true
	case FieldCompany:
		return l.Company, true
	case FieldCity:
		return l.City, true
	case FieldStatus:
		return string(l.Status), true
	case FieldSource:
		return string(l.Source), true
	case FieldScore:
		return int64(l.Score), true
	case FieldLeadValue:
		return l.LeadValue, true
	case FieldCreatedAt:
		return l.CreatedAt, true
	case FieldLastActivityAt:
		if l.LastActivityAt == nil {
			return nil, false
		}
		return *l.LastActivityAt, true
	case FieldIsQualified:
		return l.IsQualified, true
	}
	return nil, false
}

// compareValues は数値同士または時刻同士を比較する。
// 比較不能な組み合わせの場合はfalseを返す。
func compareValues(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}

	af, ok := toFloat(a)
	if !ok {
		return 0, false
	}
	bf, ok := toFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
