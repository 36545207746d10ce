package job

import (
	"context"
	"log"
	"time"

	"fintracker/internal/config"
	"fintracker/internal/infrastructure/mq"
	"fintracker/internal/model"
	"fintracker/internal/repository"
	"fintracker/internal/tenant"
)

// OutboxSender 事务性消息投递任务
// 逐租户轮询各自库里的待发消息，投递到 Kafka。
// 发送失败累计重试次数，超限标记 FAILED 留给人工处理
type OutboxSender struct {
	registry  *tenant.Registry
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewOutboxSender(registry *tenant.Registry, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		registry:  registry,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  time.Second,
		batchSize: 100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			for _, tenantID := range s.registry.TenantIDs() {
				s.processTenant(ctx, tenantID)
			}
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processTenant(ctx context.Context, tenantID string) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		log.Printf("[OutboxSender] 获取租户库失败: tenant=%s err=%v", tenantID, err)
		return
	}

	outboxRepo := repository.NewOutboxRepository(db)
	messages, err := outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: tenant=%s err=%v", tenantID, err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, tenantID, outboxRepo, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, tenantID string, outboxRepo *repository.OutboxRepository, msg *model.OutboxMessage) {
	err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: tenant=%s id=%d err=%v", tenantID, msg.ID, updateErr)
		}
		return
	}

	log.Printf("[OutboxSender] 消息发送失败: tenant=%s id=%d err=%v", tenantID, msg.ID, err)

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] 标记消息失败状态失败: tenant=%s id=%d err=%v", tenantID, msg.ID, err)
		} else {
			log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: tenant=%s id=%d", tenantID, msg.ID)
		}
		return
	}

	if err := outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] 增加重试次数失败: tenant=%s id=%d err=%v", tenantID, msg.ID, err)
	}
}
