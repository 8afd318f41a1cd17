package fcl

import (
	"sync"
	"testing"
	"time"

	"github.com/flowdevkit/flowdevkit/internal/model"
	"go.uber.org/goleak"
)

// userRecorder は受け取った通知を順番に記録する購読者。
type userRecorder struct {
	mu    sync.Mutex
	users []model.CurrentUser
	ch    chan struct{}
}

func newUserRecorder() *userRecorder {
	return &userRecorder{ch: make(chan struct{}, 100)}
}

func (r *userRecorder) callback(u model.CurrentUser) {
	r.mu.Lock()
	r.users = append(r.users, u)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *userRecorder) waitFor(t *testing.T, n int) []model.CurrentUser {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.users) >= n {
			out := append([]model.CurrentUser(nil), r.users...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d notifications", n)
		}
	}
}

func TestCurrentUser_Subscribe_DeliversCurrentValueFirst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := newCurrentUser()
	o.start()
	defer o.close()

	o.set(model.CurrentUser{Addr: "0x01cf0e2f2f715450", LoggedIn: true})

	rec := newUserRecorder()
	unsubscribe, err := o.subscribe(rec.callback)
	if err != nil {
		t.Fatalf("subscribe returned error: %v", err)
	}
	defer unsubscribe()

	got := rec.waitFor(t, 1)
	if !got[0].LoggedIn || got[0].Addr != "0x01cf0e2f2f715450" {
		t.Errorf("first notification = %+v, want logged-in current user", got[0])
	}
}

func TestCurrentUser_Set_DeliversInEmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := newCurrentUser()
	o.start()
	defer o.close()

	rec := newUserRecorder()
	unsubscribe, err := o.subscribe(rec.callback)
	if err != nil {
		t.Fatalf("subscribe returned error: %v", err)
	}
	defer unsubscribe()

	addrs := []string{"0x0000000000000001", "0x0000000000000002", "", "0x0000000000000003"}
	for _, a := range addrs {
		o.set(model.CurrentUser{Addr: a, LoggedIn: a != ""})
	}

	got := rec.waitFor(t, len(addrs)+1)
	// 1件目は購読時点の現在値（ログアウト）
	if got[0].LoggedIn {
		t.Errorf("initial notification should be logged out, got %+v", got[0])
	}
	for i, a := range addrs {
		if got[i+1].Addr != a {
			t.Errorf("notification %d addr = %q, want %q", i+1, got[i+1].Addr, a)
		}
	}
}

func TestCurrentUser_Unsubscribe_IsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := newCurrentUser()
	o.start()
	defer o.close()

	rec := newUserRecorder()
	unsubscribe, err := o.subscribe(rec.callback)
	if err != nil {
		t.Fatalf("subscribe returned error: %v", err)
	}
	rec.waitFor(t, 1)

	unsubscribe()
	unsubscribe()

	if n := o.subscriberCount(); n != 0 {
		t.Errorf("subscriberCount = %d, want 0", n)
	}
}

func TestCurrentUser_SubscribeAfterClose_ReturnsError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := newCurrentUser()
	o.start()
	o.close()
	o.close()

	if _, err := o.subscribe(func(model.CurrentUser) {}); err == nil {
		t.Fatal("expected error when subscribing to a closed observable")
	}
}

func TestCurrentUser_CloseWithoutStart_DoesNotBlock(t *testing.T) {
	o := newCurrentUser()

	done := make(chan struct{})
	go func() {
		o.close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close blocked without start")
	}
}
