package repository

import (
	"context"
	"sync"
	"time"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// MemoryWalletSessionRepo はプロセス内メモリに保持するウォレットセッションリポジトリ。
// DATABASE_URL未設定時に使用し、再起動するとログイン状態は失われる。
type MemoryWalletSessionRepo struct {
	mu      sync.Mutex
	records map[string]model.CurrentUser
	now     func() time.Time
}

// NewMemoryWalletSessionRepo はMemoryWalletSessionRepoを生成する。
func NewMemoryWalletSessionRepo() *MemoryWalletSessionRepo {
	return &MemoryWalletSessionRepo{
		records: make(map[string]model.CurrentUser),
		now:     time.Now,
	}
}

func (r *MemoryWalletSessionRepo) Load(ctx context.Context, scope string) (*model.CurrentUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.records[scope]
	if !ok || u.Expired(r.now()) {
		return nil, nil
	}
	u.Services = append([]model.Service(nil), u.Services...)
	return &u, nil
}

func (r *MemoryWalletSessionRepo) Save(ctx context.Context, scope string, user model.CurrentUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.LoggedIn = true
	user.Services = append([]model.Service(nil), user.Services...)
	r.records[scope] = user
	return nil
}

func (r *MemoryWalletSessionRepo) Clear(ctx context.Context, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, scope)
	return nil
}

func (r *MemoryWalletSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var n int64
	for scope, u := range r.records {
		if u.Expired(now) {
			delete(r.records, scope)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var _ WalletSessionRepository = (*MemoryWalletSessionRepo)(nil)
