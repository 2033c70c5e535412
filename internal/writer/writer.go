package writer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

// ReadingInserter 写入端依赖的最小仓库接口
type ReadingInserter interface {
	Insert(ctx context.Context, reading *models.SensorReading) error
}

// Options 写入器参数
type Options struct {
	QueueSize    int           // 队列容量，默认1024
	MaxAttempts  int           // 单条最多尝试次数，默认3
	RetryBackoff time.Duration // 重试初始退避，默认500ms，逐次翻倍
}

// Writer 存储写入器
// MQTT回调通过Enqueue投递读数，写入协程串行消费。队列有界：
// 存储持续写失败时绝不允许积压消息把内存撑爆，队列满直接丢弃新消息并计数。
// 单条写入重试耗尽后同样丢弃计数，订阅会话永远不会被写路径卡死
type Writer struct {
	repo    ReadingInserter
	queue   chan *models.SensorReading
	stats   *models.Stats
	logger  *zap.Logger
	opts    Options
	doneCh  chan struct{}
}

// NewWriter 创建写入器
func NewWriter(repo ReadingInserter, stats *models.Stats, opts Options, logger *zap.Logger) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Writer{
		repo:   repo,
		queue:  make(chan *models.SensorReading, opts.QueueSize),
		stats:  stats,
		logger: logger,
		opts:   opts,
		doneCh: make(chan struct{}),
	}
}

// Enqueue 非阻塞入队
// 队列满时丢弃当前消息：订阅回调不能被写路径阻塞
func (w *Writer) Enqueue(reading *models.SensorReading) {
	select {
	case w.queue <- reading:
	default:
		w.stats.Dropped.Add(1)
		w.logger.Warn("Write queue full, dropping reading",
			zap.String("point", reading.PointKey),
			zap.Time("time", reading.Time),
			zap.Int64("dropped_total", w.stats.Dropped.Load()),
		)
	}
}

// Run 写入循环，ctx取消后排空已入队的消息再退出
func (w *Writer) Run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case reading := <-w.queue:
			w.write(ctx, reading)
		}
	}
}

// Done 写入循环已退出
func (w *Writer) Done() <-chan struct{} {
	return w.doneCh
}

// drain 停机时尽力把队列中剩余的读数落库（每条只试一次）
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case reading := <-w.queue:
			if err := w.repo.Insert(ctx, reading); err != nil {
				w.stats.Lost.Add(1)
				w.logger.Error("Failed to flush reading during shutdown", zap.Error(err))
				return
			}
			w.stats.Written.Add(1)
		default:
			return
		}
	}
}

// write 带重试写入单条读数，重试耗尽后丢弃并计入丢失
func (w *Writer) write(ctx context.Context, reading *models.SensorReading) {
	backoff := w.opts.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		if err := w.repo.Insert(ctx, reading); err != nil {
			lastErr = err
			w.logger.Warn("Store write failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", w.opts.MaxAttempts),
				zap.String("point", reading.PointKey),
				zap.Error(err),
			)
			if attempt == w.opts.MaxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				w.stats.Lost.Add(1)
				return
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}

		w.stats.Written.Add(1)
		w.stats.MarkWrite(time.Now())
		return
	}

	w.stats.Lost.Add(1)
	w.logger.Error("Store write retries exhausted, dropping reading",
		zap.String("point", reading.PointKey),
		zap.Time("time", reading.Time),
		zap.Int64("lost_total", w.stats.Lost.Load()),
		zap.Error(lastErr),
	)
}
