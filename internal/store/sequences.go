package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sequenceColumns = "id, tenant_id, name, description, is_active, created_at, updated_at"

const stepColumns = "id, sequence_id, step_order, title, body, url, delay_type, delay_value, scheduled_time"

func scanSequence(row interface{ Scan(...any) error }) (StepSequence, error) {
	var s StepSequence
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.Description, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func scanStep(row interface{ Scan(...any) error }) (StepNotification, error) {
	var s StepNotification
	err := row.Scan(&s.ID, &s.SequenceID, &s.StepOrder, &s.Title, &s.Body, &s.URL, &s.DelayType, &s.DelayValue, &s.ScheduledTime)
	return s, err
}

// CreateSequenceParams はシーケンス作成の入力。
type CreateSequenceParams struct {
	ID          string
	TenantID    sql.NullString
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// CreateStepParams はステップ作成の入力。
type CreateStepParams struct {
	ID            string
	StepOrder     int64
	Title         string
	Body          string
	URL           string
	DelayType     string
	DelayValue    int64
	ScheduledTime sql.NullString
}

// CreateSequenceWithSteps はシーケンス本体と全ステップをまとめて作成する。
// 途中のステップ挿入が失敗した場合はシーケンスを補償削除し、
// 部分的に作成された状態を残さない。
func (q *Queries) CreateSequenceWithSteps(ctx context.Context, seq CreateSequenceParams, steps []CreateStepParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO step_sequences (id, tenant_id, name, description, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seq.ID, seq.TenantID, seq.Name, seq.Description, seq.IsActive, seq.CreatedAt, seq.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("シーケンスの作成に失敗: %w", err)
	}

	for _, step := range steps {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO step_notifications (id, sequence_id, step_order, title, body, url, delay_type, delay_value, scheduled_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, seq.ID, step.StepOrder, step.Title, step.Body, step.URL, step.DelayType, step.DelayValue, step.ScheduledTime,
		)
		if err != nil {
			// 補償削除。ON DELETE CASCADEにより挿入済みステップも消える。
			if _, delErr := q.db.ExecContext(ctx, "DELETE FROM step_sequences WHERE id = ?", seq.ID); delErr != nil {
				return fmt.Errorf("ステップ%dの作成に失敗（補償削除にも失敗: %v）: %w", step.StepOrder, delErr, err)
			}
			return fmt.Errorf("ステップ%dの作成に失敗: %w", step.StepOrder, err)
		}
	}
	return nil
}

// GetSequence はIDでシーケンスを取得する。
func (q *Queries) GetSequence(ctx context.Context, id string) (StepSequence, error) {
	return scanSequence(q.db.QueryRowContext(ctx, "SELECT "+sequenceColumns+" FROM step_sequences WHERE id = ?", id))
}

// ListSequences はテナントスコープのシーケンス一覧を作成日時の降順で返す。
// tenantIDが有効な場合、そのテナントのシーケンスとグローバル（tenant_id IS NULL）の
// 両方を含む。
func (q *Queries) ListSequences(ctx context.Context, tenantID sql.NullString) ([]StepSequence, error) {
	query := "SELECT " + sequenceColumns + " FROM step_sequences"
	args := []any{}
	if tenantID.Valid {
		query += " WHERE tenant_id = ? OR tenant_id IS NULL"
		args = append(args, tenantID.String)
	}
	query += " ORDER BY created_at DESC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sequences []StepSequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, s)
	}
	return sequences, rows.Err()
}

// ListActiveSequences は有効なシーケンスの一覧を返す。
// 新規ユーザーの自動エンロール時に使用する。tenantIDが有効な場合は
// そのテナントとグローバル（tenant_id IS NULL）の両方を返し、
// 無効な場合（テナント未割当ユーザー）はグローバルのみを返す。
func (q *Queries) ListActiveSequences(ctx context.Context, tenantID sql.NullString) ([]StepSequence, error) {
	query := "SELECT " + sequenceColumns + " FROM step_sequences WHERE is_active = 1"
	args := []any{}
	if tenantID.Valid {
		query += " AND (tenant_id = ? OR tenant_id IS NULL)"
		args = append(args, tenantID.String)
	} else {
		// テナント未割当ユーザーを他テナント専用のシーケンスへ参加させない
		query += " AND tenant_id IS NULL"
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sequences []StepSequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, s)
	}
	return sequences, rows.Err()
}

// ListSteps はシーケンスの全ステップをstep_orderの昇順で返す。
func (q *Queries) ListSteps(ctx context.Context, sequenceID string) ([]StepNotification, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM step_notifications WHERE sequence_id = ? ORDER BY step_order ASC", sequenceID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var steps []StepNotification
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// GetStepAtParams はステップ取得の入力。
type GetStepAtParams struct {
	SequenceID string
	StepOrder  int64
}

// GetStepAt は指定順序のステップを取得する。
// 存在しない場合はsql.ErrNoRowsを返す。これはシーケンスの終端を意味し、
// 呼び出し側は完了処理に進む。
func (q *Queries) GetStepAt(ctx context.Context, arg GetStepAtParams) (StepNotification, error) {
	return scanStep(q.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM step_notifications WHERE sequence_id = ? AND step_order = ?",
		arg.SequenceID, arg.StepOrder,
	))
}

// SetSequenceActiveParams は有効フラグ更新の入力。
type SetSequenceActiveParams struct {
	IsActive  bool
	UpdatedAt time.Time
	ID        string
}

// SetSequenceActive はシーケンスの有効フラグを切り替える。
func (q *Queries) SetSequenceActive(ctx context.Context, arg SetSequenceActiveParams) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE step_sequences SET is_active = ?, updated_at = ? WHERE id = ?",
		arg.IsActive, arg.UpdatedAt, arg.ID,
	)
	return err
}

// DeleteSequence はシーケンスを削除する。
// ステップ・進捗レコードはON DELETE CASCADEで連鎖削除される。
func (q *Queries) DeleteSequence(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM step_sequences WHERE id = ?", id)
	return err
}
