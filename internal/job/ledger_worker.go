package job

import (
	"context"
	"log"
	"sync"

	"fintracker/internal/tenant"
)

// ============================================================================
// 异步记账 worker
// ============================================================================
//
// 交互编辑这类不在任何事务里的调用方把记账动作丢进队列，
// worker 端到端地建立租户上下文、账户锁和事务。
// 队列有界，满了提交方阻塞——这是有意的背压，不是错误。
// 任务失败只记日志不自动重排：账本悄悄漂移不可接受，
// 必须在日志里对运维可见，重提交与否由上游决定

// LedgerTask 一次异步记账动作
// 租户ID在提交侧捕获，worker 执行开头显式重建，
// 不依赖任何跨 goroutine 的隐式传播
type LedgerTask struct {
	TenantID string
	Name     string // 日志标识，如 "create-balance txn=123"
	Run      func(ctx context.Context) error
}

type LedgerWorker struct {
	tasks   chan LedgerTask
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewLedgerWorker(workers, queueSize int) *LedgerWorker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &LedgerWorker{
		tasks:   make(chan LedgerTask, queueSize),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Submit 提交任务，队列满时阻塞直到有空位或 ctx 取消
func (w *LedgerWorker) Submit(ctx context.Context, task LedgerTask) error {
	select {
	case w.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return context.Canceled
	}
}

func (w *LedgerWorker) Start(ctx context.Context) {
	log.Printf("[LedgerWorker] 异步记账启动: workers=%d", w.workers)

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

func (w *LedgerWorker) loop(ctx context.Context, id int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.drainAndDrop(id)
			log.Printf("[LedgerWorker] worker-%d 收到停止信号，退出", id)
			return
		case <-w.stopCh:
			w.drainAndRun(ctx, id)
			log.Printf("[LedgerWorker] worker-%d 停止", id)
			return
		case task := <-w.tasks:
			w.runTask(ctx, id, task)
		}
	}
}

// drainAndRun 停机时把已入队的任务跑完再退出
// 已接收的记账任务不声不响消失等于账本悄悄漂移，不允许
func (w *LedgerWorker) drainAndRun(ctx context.Context, id int) {
	for {
		select {
		case task := <-w.tasks:
			w.runTask(ctx, id, task)
		default:
			return
		}
	}
}

// drainAndDrop ctx 已取消时任务没法再跑（事务、锁都依赖 ctx），
// 逐条记错误日志，运维能从日志恢复现场
func (w *LedgerWorker) drainAndDrop(id int) {
	for {
		select {
		case task := <-w.tasks:
			log.Printf("[LedgerWorker] 错误：worker-%d 停机丢弃已入队任务: tenant=%s task=%s",
				id, task.TenantID, task.Name)
		default:
			return
		}
	}
}

func (w *LedgerWorker) runTask(ctx context.Context, id int, task LedgerTask) {
	// 每个任务独立的租户上下文，任务结束随之消失
	taskCtx := tenant.WithTenant(ctx, task.TenantID)

	if err := task.Run(taskCtx); err != nil {
		log.Printf("[LedgerWorker] worker-%d 任务失败(不自动重试): tenant=%s task=%s err=%v",
			id, task.TenantID, task.Name, err)
		return
	}
	log.Printf("[LedgerWorker] worker-%d 任务完成: tenant=%s task=%s", id, task.TenantID, task.Name)
}

// Stop 停止接收新任务并等在途任务结束
func (w *LedgerWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}
