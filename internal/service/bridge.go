package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storage-bridge/internal/config"
	"storage-bridge/internal/database"
	"storage-bridge/internal/dedup"
	"storage-bridge/internal/httpapi"
	"storage-bridge/internal/models"
	"storage-bridge/internal/mqttclient"
	"storage-bridge/internal/poller"
	"storage-bridge/internal/repository"
	"storage-bridge/internal/supervisor"
	"storage-bridge/internal/translator"
	"storage-bridge/internal/writer"
)

// BridgeService MQTT → TimescaleDB 桥接服务
// 组件装配与生命周期：轮询器产出快照 → 监管器驱动会话 →
// 消息经翻译、去重后进写入器 → 仓库落库；状态写回配置库
type BridgeService struct {
	config     *config.Config
	logger     *zap.Logger
	configDB   *sql.DB
	tsdb       *sql.DB
	redis      *redis.Client
	stats      *models.Stats
	translator *translator.Translator
	dedupCache *dedup.Cache
	writer     *writer.Writer
	poller     *poller.Poller
	supervisor *supervisor.Supervisor
	httpServer *http.Server

	wg sync.WaitGroup
}

// NewBridgeService 创建桥接服务
func NewBridgeService(cfg *config.Config, logger *zap.Logger) (*BridgeService, error) {
	// 配置库
	configDB, err := database.NewPostgresDB(&cfg.ConfigDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to config database: %w", err)
	}

	// 时序库
	tsdb, err := database.NewPostgresDB(&cfg.TimescaleDB)
	if err != nil {
		database.Close(configDB)
		return nil, fmt.Errorf("failed to connect to timescaledb: %w", err)
	}

	svc := &BridgeService{
		config:   cfg,
		logger:   logger,
		configDB: configDB,
		tsdb:     tsdb,
		stats:    &models.Stats{},
	}

	// 去重缓存可选，Redis挂了也不拦着桥接跑
	if cfg.Bridge.DedupEnabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis unreachable, duplicate suppression disabled", zap.Error(err))
			_ = redisClient.Close()
		} else {
			svc.redis = redisClient
			svc.dedupCache = dedup.NewCache(redisClient, cfg.Bridge.DedupTTL, logger)
		}
	}

	configRepo := repository.NewMqttConfigRepository(configDB, logger)
	readingRepo := repository.NewSensorReadingRepository(tsdb, logger)

	svc.translator = translator.NewTranslator(logger)
	svc.writer = writer.NewWriter(readingRepo, svc.stats, writer.Options{
		QueueSize:    cfg.Bridge.QueueSize,
		MaxAttempts:  cfg.Bridge.WriteAttempts,
		RetryBackoff: cfg.Bridge.WriteBackoff,
	}, logger)
	svc.poller = poller.NewPoller(configRepo, cfg.Bridge.PollInterval, logger)

	// clientId为空时的进程级回退值：带随机后缀，避免多实例clientId冲突
	fallbackClientID := "storage-bridge-" + uuid.NewString()[:8]
	connectTimeout := cfg.Bridge.ConnectTimeout

	factory := func(snap *models.Snapshot, onLost func(error)) (supervisor.Session, error) {
		return mqttclient.Dial(mqttclient.Options{
			Snapshot:         snap,
			FallbackClientID: fallbackClientID,
			ConnectTimeout:   connectTimeout,
			OnConnectionLost: onLost,
		}, logger)
	}
	svc.supervisor = supervisor.NewSupervisor(
		factory,
		configRepo,
		svc.poller.Snapshots(),
		svc.handleMessage,
		supervisor.Options{},
		logger,
	)

	handler := httpapi.NewRouter(readingRepo, svc.supervisor, svc.stats, logger)
	svc.httpServer = &http.Server{
		Addr:    cfg.Bridge.ListenAddr,
		Handler: handler,
	}

	return svc, nil
}

// Start 启动服务：先保证存储schema就绪，再拉起各协程
func (s *BridgeService) Start(ctx context.Context) error {
	readingRepo := repository.NewSensorReadingRepository(s.tsdb, s.logger)
	if err := s.ensureSchema(ctx, readingRepo); err != nil {
		return err
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.writer.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.supervisor.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.poller.Run(ctx)
	}()

	go func() {
		s.logger.Info("Read-side HTTP API listening",
			zap.String("addr", s.config.Bridge.ListenAddr),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Bridge service started")
	return nil
}

// ensureSchema 带退避地等待时序库schema就绪
// TimescaleDB容器可能比桥接进程起得慢，这里容忍启动窗口内的失败
func (s *BridgeService) ensureSchema(ctx context.Context, repo *repository.SensorReadingRepository) error {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := repo.EnsureSchema(ctx)
		if err == nil {
			return nil
		}
		if attempt >= 5 {
			return fmt.Errorf("failed to ensure storage schema: %w", err)
		}
		s.logger.Warn("Storage schema not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// handleMessage 订阅回调：翻译 → 去重 → 入队
// 回调里绝不做阻塞IO（除去重的一次Redis往返），存储背压由写入器的有界队列消化
func (s *BridgeService) handleMessage(topic string, payload []byte) {
	s.stats.Received.Add(1)

	reading, err := s.translator.Translate(topic, payload, time.Now())
	if err != nil {
		s.stats.Malformed.Add(1)
		s.logger.Warn("Dropping untranslatable message",
			zap.String("topic", topic),
			zap.Int64("malformed_total", s.stats.Malformed.Load()),
			zap.Error(err),
		)
		return
	}

	if s.dedupCache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		seen := s.dedupCache.Seen(ctx, reading)
		cancel()
		if seen {
			s.stats.Duplicates.Add(1)
			return
		}
	}

	s.writer.Enqueue(reading)

	if received := s.stats.Received.Load(); received%100 == 0 {
		snap := s.stats.Snapshot()
		s.logger.Info("Ingestion progress",
			zap.Int64("received", snap.Received),
			zap.Int64("written", snap.Written),
			zap.Int64("malformed", snap.Malformed),
			zap.Int64("duplicates", snap.Duplicates),
			zap.Int64("lost", snap.Lost+snap.Dropped),
		)
	}
}

// Stop 优雅停机（Run协程由ctx取消，这里收尾外围资源）
func (s *BridgeService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping bridge service")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", zap.Error(err))
	}

	// 等写入器把队列排空、监管器拆完会话
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("Timed out waiting for workers to stop")
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Error closing redis", zap.Error(err))
		}
	}
	if err := database.Close(s.tsdb); err != nil {
		s.logger.Error("Error closing timescaledb", zap.Error(err))
	}
	if err := database.Close(s.configDB); err != nil {
		s.logger.Error("Error closing config database", zap.Error(err))
	}

	s.logger.Info("Bridge service stopped")
	return nil
}
