package fcl

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

var errObservableClosed = errors.New("current user observable is closed")

// subscriber は購読者1件分の登録情報。
type subscriber struct {
	id     uint64
	fn     func(model.CurrentUser)
	active atomic.Bool
}

// userEvent は配信キューの1要素。targetが0の場合は全購読者へのブロードキャスト。
type userEvent struct {
	user   model.CurrentUser
	target uint64
}

// currentUser は現在のプリンシパルを保持し、変更を購読者に通知する。
// 通知は専用のディスパッチャgoroutineが発行順に1件ずつ配信する。
// 同じ購読者に対して並べ替えや間引きは行わない。
type currentUser struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current model.CurrentUser
	subs    []*subscriber
	nextID  uint64
	queue   []userEvent
	closed  bool

	startOnce sync.Once
	closeOnce sync.Once
	stopped   chan struct{}
}

func newCurrentUser() *currentUser {
	o := &currentUser{stopped: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// start はディスパッチャを起動する。複数回呼んでも1度だけ起動する。
func (o *currentUser) start() {
	o.startOnce.Do(func() {
		go o.run()
	})
}

// get は現在のプリンシパルを返す。
func (o *currentUser) get() model.CurrentUser {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// set は現在のプリンシパルを更新し、全購読者への通知をキューに積む。
func (o *currentUser) set(u model.CurrentUser) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.current = u
	o.queue = append(o.queue, userEvent{user: u})
	o.cond.Signal()
}

// subscribe は購読者を登録し、まず現在の値を、その後は変更のたびに通知する。
// 返り値の解除関数は何度呼んでもよい。
func (o *currentUser) subscribe(fn func(model.CurrentUser)) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errObservableClosed
	}

	o.nextID++
	sub := &subscriber{id: o.nextID, fn: fn}
	sub.active.Store(true)
	o.subs = append(o.subs, sub)
	o.queue = append(o.queue, userEvent{user: o.current, target: sub.id})
	o.cond.Signal()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == sub.id {
					o.subs = append(o.subs[:i], o.subs[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// subscriberCount は登録中の購読者数を返す。
func (o *currentUser) subscriberCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// close はディスパッチャを停止する。未配信の通知は破棄される。
// 購読コールバックの中から呼んではならない。
func (o *currentUser) close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.queue = nil
		o.cond.Broadcast()
		o.mu.Unlock()

		o.startOnce.Do(func() { close(o.stopped) })
		<-o.stopped
	})
}

func (o *currentUser) run() {
	defer close(o.stopped)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if o.closed {
			o.mu.Unlock()
			return
		}
		ev := o.queue[0]
		o.queue = o.queue[1:]

		targets := make([]*subscriber, 0, len(o.subs))
		for _, s := range o.subs {
			if ev.target == 0 || ev.target == s.id {
				targets = append(targets, s)
			}
		}
		o.mu.Unlock()

		for _, s := range targets {
			if s.active.Load() {
				s.fn(ev.user)
			}
		}
	}
}
