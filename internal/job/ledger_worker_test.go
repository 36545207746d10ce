package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fintracker/internal/tenant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsSubmittedTasks(t *testing.T) {
	w := NewLedgerWorker(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	var done int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, w.Submit(ctx, LedgerTask{
			TenantID: "acme",
			Name:     "count",
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&done, 1)
				wg.Done()
				return nil
			},
		}))
	}
	wg.Wait()
	w.Stop()

	assert.Equal(t, int32(10), done)
}

func TestWorkerRebuildsTenantContext(t *testing.T) {
	w := NewLedgerWorker(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	got := make(chan string, 1)
	require.NoError(t, w.Submit(ctx, LedgerTask{
		TenantID: "globex",
		Name:     "check-tenant",
		Run: func(taskCtx context.Context) error {
			id, err := tenant.FromContext(taskCtx)
			if err != nil {
				return err
			}
			got <- id
			return nil
		},
	}))

	select {
	case id := <-got:
		assert.Equal(t, "globex", id)
	case <-time.After(time.Second):
		t.Fatal("任务没有执行")
	}
	w.Stop()
}

func TestWorkerFailureDoesNotStopLoop(t *testing.T) {
	w := NewLedgerWorker(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// 失败任务只记日志，后续任务照常执行
	require.NoError(t, w.Submit(ctx, LedgerTask{
		TenantID: "acme",
		Name:     "boom",
		Run: func(ctx context.Context) error {
			return errors.New("有意失败")
		},
	}))

	done := make(chan struct{})
	require.NoError(t, w.Submit(ctx, LedgerTask{
		TenantID: "acme",
		Name:     "after-boom",
		Run: func(ctx context.Context) error {
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("失败任务阻断了队列")
	}
	w.Stop()
}

func TestStopRunsQueuedTasks(t *testing.T) {
	// 唯一的 worker 被占住时入队三个任务再停机：
	// 已接收的任务必须跑完，不允许悄悄丢弃
	w := NewLedgerWorker(1, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, w.Submit(ctx, LedgerTask{
		TenantID: "acme",
		Name:     "blocker",
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))
	<-started

	var done int32
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Submit(ctx, LedgerTask{
			TenantID: "acme",
			Name:     "queued",
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&done, 1)
				return nil
			},
		}))
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	// 确保 stopCh 先关、队列里还压着任务，再放行 blocker
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop 没有返回")
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&done), "停机丢弃了已入队任务")
}

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	// 没有 worker 消费，队列容量 1
	w := NewLedgerWorker(1, 1)

	ctx := context.Background()
	require.NoError(t, w.Submit(ctx, LedgerTask{Name: "fill", Run: func(ctx context.Context) error { return nil }}))

	// 第二个提交必须阻塞到 ctx 超时，这就是背压
	ctxWait, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := w.Submit(ctxWait, LedgerTask{Name: "overflow", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitAfterStop(t *testing.T) {
	// 不启动 worker，先把队列塞满再停，确保提交走不了入队分支
	w := NewLedgerWorker(1, 1)
	ctx := context.Background()
	require.NoError(t, w.Submit(ctx, LedgerTask{Name: "fill", Run: func(ctx context.Context) error { return nil }}))
	w.Stop()

	err := w.Submit(ctx, LedgerTask{Name: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.Canceled)
}
