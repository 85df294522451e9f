package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// userColumns はusersテーブルのSELECT句。
const userColumns = "id, tenant_id, endpoint, subscription, device_type, browser, engagement_score, created_at"

// scanUser は1行分のユーザーを読み取る。
func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TenantID, &u.Endpoint, &u.Subscription, &u.DeviceType, &u.Browser, &u.EngagementScore, &u.CreatedAt)
	return u, err
}

// CreateUserParams はユーザー作成の入力。
type CreateUserParams struct {
	ID           string
	TenantID     sql.NullString
	Endpoint     string
	Subscription string
	DeviceType   string
	Browser      string
	CreatedAt    time.Time
}

// CreateUser は新しいユーザーを作成する。
// endpointのUNIQUE制約違反はそのままエラーとして返す。
func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, endpoint, subscription, device_type, browser, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.TenantID, arg.Endpoint, arg.Subscription, arg.DeviceType, arg.Browser, arg.CreatedAt,
	)
	return err
}

// GetUser はIDでユーザーを取得する。
func (q *Queries) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(q.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

// GetUserByEndpoint はエンドポイントでユーザーを取得する。
// エンドポイントは購読の一意キーであり、再登録の検出に使用する。
func (q *Queries) GetUserByEndpoint(ctx context.Context, endpoint string) (User, error) {
	return scanUser(q.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE endpoint = ?", endpoint))
}

// UpdateUserSubscriptionParams はサブスクリプション更新の入力。
type UpdateUserSubscriptionParams struct {
	Subscription string
	DeviceType   string
	Browser      string
	ID           string
}

// UpdateUserSubscription は既知のエンドポイントに対する再登録時に
// サブスクリプションペイロードと表示用属性を更新する。
func (q *Queries) UpdateUserSubscription(ctx context.Context, arg UpdateUserSubscriptionParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE users SET subscription = ?, device_type = ?, browser = ? WHERE id = ?`,
		arg.Subscription, arg.DeviceType, arg.Browser, arg.ID,
	)
	return err
}

// DeleteUser はユーザーを削除する。依存する進捗・イベントは外部キー制約に従い処理される。
func (q *Queries) DeleteUser(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	return err
}

// ListUsersParams はユーザー一覧取得の入力。
type ListUsersParams struct {
	// TenantID が有効な場合、そのテナントのユーザーに限定する。
	TenantID sql.NullString
	Limit    int64
	Offset   int64
}

// ListUsers は登録日時の降順でユーザー一覧を取得する。
func (q *Queries) ListUsers(ctx context.Context, arg ListUsersParams) ([]User, error) {
	query := "SELECT " + userColumns + " FROM users"
	args := []any{}
	if arg.TenantID.Valid {
		query += " WHERE tenant_id = ?"
		args = append(args, arg.TenantID.String)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, arg.Limit, arg.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers はテナント内（無効値なら全体）のユーザー数を返す。
func (q *Queries) CountUsers(ctx context.Context, tenantID sql.NullString) (int64, error) {
	query := "SELECT COUNT(*) FROM users"
	args := []any{}
	if tenantID.Valid {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID.String)
	}
	var count int64
	err := q.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// UsersWhereParams はフィルタ述語付きのユーザー選択の入力。
// Clausesはsegmentパッケージが生成したWHERE句の断片（AND結合）。
type UsersWhereParams struct {
	TenantID sql.NullString
	Clauses  []string
	Args     []any
}

// buildUsersWhere はテナントスコープとフィルタ述語からWHERE句を組み立てる。
func buildUsersWhere(arg UsersWhereParams) (string, []any) {
	clauses := []string{}
	args := []any{}
	if arg.TenantID.Valid {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, arg.TenantID.String)
	}
	clauses = append(clauses, arg.Clauses...)
	args = append(args, arg.Args...)

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountUsersWhere はフィルタ述語に一致するユーザー数を返す。
func (q *Queries) CountUsersWhere(ctx context.Context, arg UsersWhereParams) (int64, error) {
	where, args := buildUsersWhere(arg)
	var count int64
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users"+where, args...).Scan(&count)
	return count, err
}

// ListUsersWhere はフィルタ述語に一致するユーザー一覧を返す。
// 一斉配信の送信時に配信対象を解決するために使用する。
func (q *Queries) ListUsersWhere(ctx context.Context, arg UsersWhereParams) ([]User, error) {
	where, args := buildUsersWhere(arg)
	rows, err := q.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users"+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
