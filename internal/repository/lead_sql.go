package repository

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/leadman/internal/query"
)

// leadColumnByField は述語のフィールドとleadsテーブルの列の対応。
// SQLに埋め込む列名はこの表からのみ取得する。
var leadColumnByField = map[query.Field]string{
	query.FieldEmail:          "email",
	query.FieldCompany:        "company",
	query.FieldCity:           "city",
	query.FieldStatus:         "status",
	query.FieldSource:         "source",
	query.FieldScore:          "score",
	query.FieldLeadValue:      "lead_value",
	query.FieldCreatedAt:      "created_at",
	query.FieldLastActivityAt: "last_activity_at",
	query.FieldIsQualified:    "is_qualified",
}

// likeEscaper はLIKEの特殊文字をエスケープし、ワイルドカード記号を%に置き換える。
var likeEscaper = strings.NewReplacer(
	`\`, `\\`,
	`%`, `\%`,
	`_`, `\_`,
	query.WildcardMarker, `%`,
)

// LikePattern はワイルドカードパターンをLIKE/ILIKE用のパターンに変換する。
func LikePattern(pattern string) string {
	return likeEscaper.Replace(pattern)
}

// whereClause は$n形式のプレースホルダを採番しながらWHERE句を組み立てる。
type whereClause struct {
	conds []string
	args  []any
}

func (w *whereClause) bind(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereClause) add(format string, a ...any) {
	w.conds = append(w.conds, fmt.Sprintf(format, a...))
}

func (w *whereClause) String() string {
	return strings.Join(w.conds, " AND ")
}

// buildLeadWhere は所有者スコープと述語をWHERE句と引数に変換する。
// 所有者条件は常に先頭（$1）に置かれる。
func buildLeadWhere(ownerID string, pred query.Predicate) (string, []any, error) {
	w := &whereClause{}
	w.add("owner_id = %s", w.bind(ownerID))

	for _, c := range pred.Constraints {
		if err := lowerConstraint(w, c); err != nil {
			return "", nil, err
		}
	}
	return w.String(), w.args, nil
}

func lowerConstraint(w *whereClause, c query.Constraint) error {
	switch c := c.(type) {
	case query.Equals:
		col, err := columnFor(c.Field)
		if err != nil {
			return err
		}
		w.add("%s = %s", col, w.bind(c.Value))
	case query.Match:
		col, err := columnFor(c.Field)
		if err != nil {
			return err
		}
		op := "LIKE"
		if c.FoldCase {
			op = "ILIKE"
		}
		w.add(`%s %s %s ESCAPE '\'`, col, op, w.bind(LikePattern(c.Pattern)))
	case query.In:
		col, err := columnFor(c.Field)
		if err != nil {
			return err
		}
		w.add("%s = ANY(%s)", col, w.bind(pq.Array(c.Values)))
	case query.Compare:
		col, err := columnFor(c.Field)
		if err != nil {
			return err
		}
		w.add("%s %s %s", col, c.Op, w.bind(c.Value))
	case query.Between:
		col, err := columnFor(c.Field)
		if err != nil {
			return err
		}
		w.add("%s BETWEEN %s AND %s", col, w.bind(c.Low), w.bind(c.High))
	default:
		return fmt.Errorf("unsupported constraint %T", c)
	}
	return nil
}

func columnFor(f query.Field) (string, error) {
	col, ok := leadColumnByField[f]
	if !ok {
		return "", fmt.Errorf("unknown lead field %q", f)
	}
	return col, nil
}
