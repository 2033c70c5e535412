package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

// SnapshotLoader 轮询器依赖的配置读取接口
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// Poller 配置轮询器
// 固定间隔读取配置行，生成快照并与上一份已投递的快照做全字段比较，
// 只在有变化时向监管器投递。自身不碰网络会话
type Poller struct {
	repo     SnapshotLoader
	interval time.Duration
	out      chan *models.Snapshot
	logger   *zap.Logger

	last *models.Snapshot // 最近一次投递（即将被应用）的快照
}

// NewPoller 创建轮询器
func NewPoller(repo SnapshotLoader, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		repo:     repo,
		interval: interval,
		out:      make(chan *models.Snapshot, 1),
		logger:   logger,
	}
}

// Snapshots 变更快照输出通道（容量1，新值覆盖旧值）
func (p *Poller) Snapshots() <-chan *models.Snapshot {
	return p.out
}

// Run 轮询循环：启动时立即读一次，之后按间隔读取
// 配置库读失败只记日志并当作"本周期无变化"，下个周期继续
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	snap, err := p.repo.LoadSnapshot(readCtx)
	if err != nil {
		p.logger.Warn("Failed to load mqtt config, keeping current session",
			zap.Error(err),
		)
		return
	}

	if p.last != nil && p.last.Equal(snap) {
		return
	}

	p.logger.Info("Configuration change detected",
		zap.String("broker", snap.Broker),
		zap.Int("port", snap.Port),
		zap.String("tls_mode", string(snap.TLSMode)),
		zap.Int("topics", len(snap.Topics)),
		zap.Bool("enabled", snap.Enabled),
	)

	p.last = snap
	p.deliver(snap)
}

// deliver 投递快照，通道已有未消费的旧值时覆盖为最新值
func (p *Poller) deliver(snap *models.Snapshot) {
	for {
		select {
		case p.out <- snap:
			return
		default:
			select {
			case <-p.out:
			default:
			}
		}
	}
}
