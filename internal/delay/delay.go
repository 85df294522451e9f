// Package delay はステップ通知の配信タイミング仕様から次回配信時刻を計算する。
//
// 計算は純粋関数であり、同じ「現在時刻」に対して常に同じ結果を返す。
// テスト時は固定した時刻を渡すことで決定的に検証できる。
package delay

import (
	"fmt"
	"time"
)

// Type は配信遅延の種別を表す。
type Type string

const (
	// TypeImmediate は即時配信を表す。
	TypeImmediate Type = "immediate"
	// TypeMinutes は分単位の遅延を表す。
	TypeMinutes Type = "minutes"
	// TypeHours は時間単位の遅延を表す。
	TypeHours Type = "hours"
	// TypeDays は日単位の遅延を表す。
	TypeDays Type = "days"
	// TypeScheduled は壁時計時刻（HH:MM:SS）指定の配信を表す。
	TypeScheduled Type = "scheduled"
)

// Spec はステップ1件分の配信タイミング仕様。
type Spec struct {
	// Type は遅延種別。
	Type Type
	// Value は分・時間・日単位の遅延量。immediateとscheduledでは無視される。
	Value int64
	// ScheduledTime はType=scheduledのときの壁時計時刻（"HH:MM:SS"形式）。
	ScheduledTime string
}

// Validate は仕様として受理できるかを検査する。
// シーケンス作成時の境界バリデーションで使用する。
func (s Spec) Validate() error {
	switch s.Type {
	case TypeImmediate, TypeMinutes, TypeHours, TypeDays:
		return nil
	case TypeScheduled:
		if s.ScheduledTime == "" {
			return fmt.Errorf("delay_type=scheduledにはscheduled_timeが必要です")
		}
		if _, _, _, err := parseWallClock(s.ScheduledTime); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("不明なdelay_typeです: %q", s.Type)
	}
}

// NextNotificationAt は仕様と現在時刻から次回配信の絶対時刻を計算する。
//
// 不明な遅延種別や欠落したscheduled_timeは「現在時刻」に縮退する。
// 進捗を止めないためのフェイルオープンであり、エラーにはしない。
func NextNotificationAt(spec Spec, now time.Time) time.Time {
	switch spec.Type {
	case TypeImmediate:
		return now
	case TypeMinutes:
		return now.Add(time.Duration(spec.Value) * time.Minute)
	case TypeHours:
		return now.Add(time.Duration(spec.Value) * time.Hour)
	case TypeDays:
		return now.AddDate(0, 0, int(spec.Value))
	case TypeScheduled:
		hour, min, sec, err := parseWallClock(spec.ScheduledTime)
		if err != nil {
			return now
		}
		scheduled := time.Date(now.Year(), now.Month(), now.Day(), hour, min, sec, 0, now.Location())
		// 本日の指定時刻を過ぎていたら翌日に送る
		if !scheduled.After(now) {
			scheduled = scheduled.AddDate(0, 0, 1)
		}
		return scheduled
	default:
		return now
	}
}

// parseWallClock は"HH:MM:SS"形式（秒は省略可）の壁時計時刻を解析する。
func parseWallClock(s string) (hour, min, sec int, err error) {
	if _, e := fmt.Sscanf(s, "%d:%d:%d", &hour, &min, &sec); e != nil {
		sec = 0
		if _, e2 := fmt.Sscanf(s, "%d:%d", &hour, &min); e2 != nil {
			return 0, 0, 0, fmt.Errorf("scheduled_timeの形式が不正です: %q", s)
		}
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("scheduled_timeの値が範囲外です: %q", s)
	}
	return hour, min, sec, nil
}
