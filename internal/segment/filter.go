// Package segment はセグメント定義（フィルタ条件）をユーザー選択述語へ変換する。
//
// 条件はAND結合のみをサポートする。ORやグルーピングは扱わない。
// 未知のフィールド・演算子は黙って無視する寛容な契約であり、
// 条件が不在・不正な場合は「全ユーザーに一致」へ縮退する。
// この寛容さは元システムとの互換契約であり、意図的に維持している。
package segment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// engagementThreshold はactive/inactiveを分けるエンゲージメントスコアの閾値。
const engagementThreshold = 50

// Condition はフィルタ条件1件を表す。
type Condition struct {
	// Field は対象フィールド名。
	Field string `json:"field"`
	// Operator は比較演算子（gte/lte/eq/in）。
	Operator string `json:"operator"`
	// Value は比較値。フィールドにより数値・文字列・配列を取る。
	Value any `json:"value"`
}

// FilterConditions はセグメント1件分の条件セットを表す。
type FilterConditions struct {
	// Operator は論理結合子。AND結合のみサポートし、この値は参照しない。
	Operator string `json:"operator,omitempty"`
	// Conditions は条件のリスト。
	Conditions []Condition `json:"conditions"`
}

// Predicate はusersテーブルに合成可能なSQL述語を表す。
// ClausesはANDで結合されるWHERE句の断片、Argsはそのプレースホルダ値。
type Predicate struct {
	// Clauses はWHERE句の断片のリスト。
	Clauses []string
	// Args はプレースホルダに対応する引数。
	Args []any
}

// ParseConditions は文字列エンコードされた条件JSONを解析する。
// 不正なJSONは空の条件セット（全ユーザー一致）へ縮退する。
func ParseConditions(raw string) FilterConditions {
	var fc FilterConditions
	if raw == "" {
		return fc
	}
	if err := json.Unmarshal([]byte(raw), &fc); err != nil {
		return FilterConditions{}
	}
	return fc
}

// Build は条件セットをSQL述語へ変換する。
// nowはregistered_days_agoの基準時刻として使用する。
func Build(fc FilterConditions, now time.Time) Predicate {
	var pred Predicate
	for _, cond := range fc.Conditions {
		switch cond.Field {
		case "registered_days_ago":
			buildRegisteredDaysAgo(&pred, cond, now)
		case "device_type":
			buildStringMatch(&pred, cond, "device_type")
		case "browser":
			buildStringMatch(&pred, cond, "browser")
		case "engagement_level":
			buildEngagementLevel(&pred, cond)
		case "has_tag":
			// タグ機能は未実装。認識はするが条件を生成しない（意図的なno-op）。
		default:
			// 未知のフィールドは無視する
		}
	}
	return pred
}

// buildRegisteredDaysAgo は登録経過日数の条件を生成する。
// gte N は「登録からN日以上経過」すなわち created_at <= now-N日、
// lte N は「登録からN日以内」すなわち created_at >= now-N日 に対応する。
func buildRegisteredDaysAgo(pred *Predicate, cond Condition, now time.Time) {
	days, ok := toInt(cond.Value)
	if !ok {
		return
	}
	cutoff := now.AddDate(0, 0, -days)
	switch cond.Operator {
	case "gte":
		pred.Clauses = append(pred.Clauses, "created_at <= ?")
		pred.Args = append(pred.Args, cutoff)
	case "lte":
		pred.Clauses = append(pred.Clauses, "created_at >= ?")
		pred.Args = append(pred.Args, cutoff)
	}
}

// buildStringMatch はeq/in演算子による文字列フィールドの条件を生成する。
func buildStringMatch(pred *Predicate, cond Condition, column string) {
	switch cond.Operator {
	case "eq":
		v, ok := cond.Value.(string)
		if !ok {
			return
		}
		pred.Clauses = append(pred.Clauses, column+" = ?")
		pred.Args = append(pred.Args, v)
	case "in":
		values, ok := cond.Value.([]any)
		if !ok || len(values) == 0 {
			return
		}
		placeholders := make([]string, 0, len(values))
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			placeholders = append(placeholders, "?")
			pred.Args = append(pred.Args, s)
		}
		if len(placeholders) == 0 {
			return
		}
		pred.Clauses = append(pred.Clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
	}
}

// buildEngagementLevel はエンゲージメントレベルの条件を生成する。
// active はスコア50以上、inactive はスコア50未満として解釈する。
func buildEngagementLevel(pred *Predicate, cond Condition) {
	if cond.Operator != "eq" {
		return
	}
	switch cond.Value {
	case "active":
		pred.Clauses = append(pred.Clauses, "engagement_score >= ?")
		pred.Args = append(pred.Args, engagementThreshold)
	case "inactive":
		pred.Clauses = append(pred.Clauses, "engagement_score < ?")
		pred.Args = append(pred.Args, engagementThreshold)
	}
}

// toInt はJSON経由で届く数値（float64/int/int64）をintへ変換する。
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
