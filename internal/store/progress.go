package store

import (
	"context"
	"database/sql"
	"time"
)

const progressColumns = "id, user_id, sequence_id, current_step, next_notification_at, completed, created_at, updated_at"

func scanProgress(row interface{ Scan(...any) error }) (UserStepProgress, error) {
	var p UserStepProgress
	err := row.Scan(&p.ID, &p.UserID, &p.SequenceID, &p.CurrentStep, &p.NextNotificationAt, &p.Completed, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreateProgressParams は進捗レコード作成の入力。
type CreateProgressParams struct {
	ID                 string
	UserID             string
	SequenceID         string
	CurrentStep        int64
	NextNotificationAt time.Time
	CreatedAt          time.Time
}

// CreateProgress はユーザーをシーケンスにエンロールする。
// UNIQUE(user_id, sequence_id)により二重エンロールは制約違反になる。
func (q *Queries) CreateProgress(ctx context.Context, arg CreateProgressParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_step_progress (id, user_id, sequence_id, current_step, next_notification_at, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		arg.ID, arg.UserID, arg.SequenceID, arg.CurrentStep, arg.NextNotificationAt, arg.CreatedAt, arg.CreatedAt,
	)
	return err
}

// GetProgress はIDで進捗レコードを取得する。
func (q *Queries) GetProgress(ctx context.Context, id string) (UserStepProgress, error) {
	return scanProgress(q.db.QueryRowContext(ctx,
		"SELECT "+progressColumns+" FROM user_step_progress WHERE id = ?", id,
	))
}

// GetProgressByUserAndSequenceParams は進捗取得の入力。
type GetProgressByUserAndSequenceParams struct {
	UserID     string
	SequenceID string
}

// GetProgressByUserAndSequence はユーザー×シーケンスの進捗を取得する。
func (q *Queries) GetProgressByUserAndSequence(ctx context.Context, arg GetProgressByUserAndSequenceParams) (UserStepProgress, error) {
	return scanProgress(q.db.QueryRowContext(ctx,
		"SELECT "+progressColumns+" FROM user_step_progress WHERE user_id = ? AND sequence_id = ?",
		arg.UserID, arg.SequenceID,
	))
}

// ListDueProgressParams は配信スキャンの入力。
type ListDueProgressParams struct {
	// Now はこの時刻以前が配信予定の進捗を選択する基準時刻。
	Now time.Time
	// Limit は1回のスキャンで処理する最大件数。
	Limit int64
	// TenantID が有効な場合、そのテナントのユーザーの進捗に限定する。
	TenantID sql.NullString
}

// ListDueProgress は配信予定時刻が到来した未完了の進捗を、
// 配信に必要なサブスクリプションと結合して返す。
// 有効なシーケンスに属する進捗のみが対象になる。
func (q *Queries) ListDueProgress(ctx context.Context, arg ListDueProgressParams) ([]DueProgress, error) {
	query := `
		SELECT p.id, p.user_id, p.sequence_id, p.current_step, p.next_notification_at, u.subscription
		FROM user_step_progress p
		JOIN users u ON u.id = p.user_id
		JOIN step_sequences s ON s.id = p.sequence_id
		WHERE p.completed = 0 AND p.next_notification_at <= ? AND s.is_active = 1`
	args := []any{arg.Now}
	if arg.TenantID.Valid {
		query += " AND u.tenant_id = ?"
		args = append(args, arg.TenantID.String)
	}
	query += " ORDER BY p.next_notification_at ASC LIMIT ?"
	args = append(args, arg.Limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []DueProgress
	for rows.Next() {
		var d DueProgress
		if err := rows.Scan(&d.ID, &d.UserID, &d.SequenceID, &d.CurrentStep, &d.NextNotificationAt, &d.Subscription); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// AdvanceProgressParams は進捗前進の入力。
type AdvanceProgressParams struct {
	CurrentStep        int64
	NextNotificationAt time.Time
	UpdatedAt          time.Time
	ID                 string
}

// AdvanceProgress は配信成功後に進捗を次のステップへ進める。
func (q *Queries) AdvanceProgress(ctx context.Context, arg AdvanceProgressParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE user_step_progress
		SET current_step = ?, next_notification_at = ?, updated_at = ?
		WHERE id = ?`,
		arg.CurrentStep, arg.NextNotificationAt, arg.UpdatedAt, arg.ID,
	)
	return err
}

// CompleteProgressParams は進捗完了の入力。
type CompleteProgressParams struct {
	CurrentStep int64
	UpdatedAt   time.Time
	ID          string
}

// CompleteProgress は進捗を終端状態にする。以後スキャンの対象外になる。
func (q *Queries) CompleteProgress(ctx context.Context, arg CompleteProgressParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE user_step_progress
		SET current_step = ?, completed = 1, updated_at = ?
		WHERE id = ?`,
		arg.CurrentStep, arg.UpdatedAt, arg.ID,
	)
	return err
}

// ListPendingProgress はシーケンスの未完了進捗一覧を返す。配信状況表示に使用する。
func (q *Queries) ListPendingProgress(ctx context.Context, sequenceID string) ([]UserStepProgress, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+progressColumns+" FROM user_step_progress WHERE sequence_id = ? AND completed = 0 ORDER BY next_notification_at ASC",
		sequenceID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var progress []UserStepProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// CountCompletedProgress はシーケンスの完了済み進捗数を返す。
func (q *Queries) CountCompletedProgress(ctx context.Context, sequenceID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_step_progress WHERE sequence_id = ? AND completed = 1", sequenceID,
	).Scan(&count)
	return count, err
}

// CreateStepLogParams はステップ配信ログ記録の入力。
type CreateStepLogParams struct {
	ID           string
	UserID       string
	SequenceID   string
	StepOrder    int64
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// CreateStepLog はステップ配信の試行結果を追記する。
func (q *Queries) CreateStepLog(ctx context.Context, arg CreateStepLogParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO step_notification_logs (id, user_id, sequence_id, step_order, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.UserID, arg.SequenceID, arg.StepOrder, arg.Success, arg.ErrorMessage, arg.CreatedAt,
	)
	return err
}

// ListStepLogsParams はステップ配信ログ取得の入力。
type ListStepLogsParams struct {
	UserID     string
	SequenceID string
}

// ListStepLogs はユーザー×シーケンスの配信ログを記録日時の降順で返す。
func (q *Queries) ListStepLogs(ctx context.Context, arg ListStepLogsParams) ([]StepNotificationLog, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, sequence_id, step_order, success, error_message, created_at
		FROM step_notification_logs
		WHERE user_id = ? AND sequence_id = ?
		ORDER BY created_at DESC`,
		arg.UserID, arg.SequenceID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []StepNotificationLog
	for rows.Next() {
		var l StepNotificationLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.SequenceID, &l.StepOrder, &l.Success, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
