package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// PostgresWalletSessionRepo はPostgreSQLを使用したウォレットセッションリポジトリ。
type PostgresWalletSessionRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresWalletSessionRepo はPostgresWalletSessionRepoを生成する。
func NewPostgresWalletSessionRepo(db *sql.DB) *PostgresWalletSessionRepo {
	return &PostgresWalletSessionRepo{db: db, now: time.Now}
}

// Load はスコープのユーザーを取得する。存在しない場合や期限切れの場合はnilを返す。
func (r *PostgresWalletSessionRepo) Load(ctx context.Context, scope string) (*model.CurrentUser, error) {
	var (
		addr      string
		services  []byte
		expiresAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT addr, services, expires_at
		 FROM wallet_sessions
		 WHERE scope = $1 AND (expires_at IS NULL OR expires_at > now())`,
		scope,
	).Scan(&addr, &services, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet session: %w", err)
	}

	return decodeWalletSession(addr, services, expiresAt)
}

// Save はユーザーを保存する。同じスコープのレコードは新しいIDで上書きする。
func (r *PostgresWalletSessionRepo) Save(ctx context.Context, scope string, user model.CurrentUser) error {
	services, err := encodeServices(user.Services)
	if err != nil {
		return err
	}
	var expiresAt sql.NullTime
	if !user.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: user.ExpiresAt, Valid: true}
	}
	now := r.now()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO wallet_sessions (scope, id, addr, services, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (scope) DO UPDATE SET
		   id = EXCLUDED.id,
		   addr = EXCLUDED.addr,
		   services = EXCLUDED.services,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = EXCLUDED.updated_at`,
		scope, uuid.New().String(), user.Addr, services, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet session: %w", err)
	}
	return nil
}

// Clear はスコープのユーザーを削除する。
func (r *PostgresWalletSessionRepo) Clear(ctx context.Context, scope string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM wallet_sessions WHERE scope = $1`,
		scope,
	)
	if err != nil {
		return fmt.Errorf("failed to clear wallet session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのレコードを削除し、削除件数を返す。
func (r *PostgresWalletSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM wallet_sessions WHERE expires_at IS NOT NULL AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired wallet sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

func encodeServices(services []model.Service) ([]byte, error) {
	if services == nil {
		services = []model.Service{}
	}
	b, err := json.Marshal(services)
	if err != nil {
		return nil, fmt.Errorf("failed to encode services: %w", err)
	}
	return b, nil
}

func decodeWalletSession(addr string, services []byte, expiresAt sql.NullTime) (*model.CurrentUser, error) {
	u := &model.CurrentUser{Addr: addr, LoggedIn: true}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &u.Services); err != nil {
			return nil, fmt.Errorf("failed to decode services: %w", err)
		}
	}
	if expiresAt.Valid {
		u.ExpiresAt = expiresAt.Time
	}
	return u, nil
}

// compile-time interface check
var _ WalletSessionRepository = (*PostgresWalletSessionRepo)(nil)
