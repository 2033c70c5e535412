package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storage-bridge/internal/models"
	"storage-bridge/internal/mqttclient"
)

// State 监管器状态机状态
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisabled     State = "disabled"
)

// Session 监管器独占持有的订阅会话
// 其他组件不允许持有会话引用，身份变化只能整体断开重建，
// 绝不在活动会话上原地修改身份参数
type Session interface {
	Subscribe(filters []models.TopicFilter, handler mqttclient.MessageHandler) error
	Disconnect()
}

// SessionFactory 按快照建立一个新会话
// onLost 在会话意外丢失时被调用（主动Disconnect不触发）
type SessionFactory func(snap *models.Snapshot, onLost func(error)) (Session, error)

// StatusWriter 连接状态写回接口（配置库状态字段的唯一写入方）
type StatusWriter interface {
	UpdateStatus(ctx context.Context, status models.ConnectionStatus, detail string, connectedNow bool) error
}

// Options 监管器参数
type Options struct {
	InitialBackoff    time.Duration // 重连初始退避，默认1s
	MaxBackoff        time.Duration // 退避上限，默认60s
	ConflictWindow    time.Duration // 身份冲突检测窗口，默认30s
	ConflictThreshold int           // 窗口内会话丢失次数阈值，默认3
	ErrorThreshold    int           // 连接连续失败多少次后状态升级为error，默认3
}

func (o *Options) applyDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = 30 * time.Second
	}
	if o.ConflictThreshold <= 0 {
		o.ConflictThreshold = 3
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = 3
	}
}

// Supervisor 连接监管器
// 单协程事件循环：快照应用、会话丢失和重连定时器都串行经过Run，
// 保证连接状态的单写者纪律
type Supervisor struct {
	factory   SessionFactory
	status    StatusWriter
	snapshots <-chan *models.Snapshot
	onMessage mqttclient.MessageHandler
	logger    *zap.Logger
	opts      Options

	mu     sync.RWMutex
	state  State
	detail string

	current      *models.Snapshot
	session      Session
	backoff      time.Duration
	retryCh      <-chan time.Time
	events       chan error
	lossTimes    []time.Time // 冲突检测：最近的意外丢失时间
	certBlocked  bool        // 证书坏了就不再自动重试，等快照变化
	connFailures int         // 连续连接失败计数
}

// NewSupervisor 创建监管器
func NewSupervisor(
	factory SessionFactory,
	status StatusWriter,
	snapshots <-chan *models.Snapshot,
	onMessage mqttclient.MessageHandler,
	opts Options,
	logger *zap.Logger,
) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		factory:   factory,
		status:    status,
		snapshots: snapshots,
		onMessage: onMessage,
		logger:    logger,
		opts:      opts,
		state:     StateIdle,
		backoff:   opts.InitialBackoff,
		events:    make(chan error, 16),
	}
}

// State 当前状态（HTTP状态接口用）
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Detail 最近一次状态细节描述
func (s *Supervisor) Detail() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detail
}

func (s *Supervisor) setState(state State, detail string) {
	s.mu.Lock()
	s.state = state
	s.detail = detail
	s.mu.Unlock()
}

// Run 事件循环，ctx取消后拆除会话并把状态写回disconnected
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.teardown("shutdown")
			s.setState(StateIdle, "")
			s.writeStatus(context.Background(), models.StatusDisconnected, "", false)
			return

		case snap := <-s.snapshots:
			s.applySnapshot(ctx, snap)

		case err := <-s.events:
			s.handleSessionLost(ctx, err)

		case <-s.retryCh:
			s.retryCh = nil
			s.connect(ctx)
		}
	}
}

// applySnapshot 应用一份新快照
// 实质性变化（身份字段或主题集合）必须整体断开再重建；
// 仅QoS变化在现有会话上重新订阅即可吸收
func (s *Supervisor) applySnapshot(ctx context.Context, snap *models.Snapshot) {
	if s.current != nil && !snap.MaterialChange(s.current) {
		if s.session != nil {
			// MQTT重复订阅同一pattern会覆盖QoS
			if err := s.session.Subscribe(snap.Topics, s.onMessage); err != nil {
				s.logger.Warn("Failed to refresh subscription qos, rebuilding session",
					zap.Error(err),
				)
			} else {
				s.logger.Info("Absorbed qos-only configuration change")
				s.current = snap
				return
			}
		} else {
			s.current = snap
			return
		}
	}

	s.teardown("configuration change")
	s.current = snap
	s.retryCh = nil
	s.certBlocked = false
	s.connFailures = 0
	s.lossTimes = nil
	s.backoff = s.opts.InitialBackoff

	if !snap.Enabled {
		s.logger.Info("Bridge disabled by configuration")
		s.setState(StateDisabled, "")
		s.writeStatus(ctx, models.StatusDisconnected, "", false)
		return
	}
	if snap.Broker == "" {
		s.logger.Warn("MQTT broker not configured, waiting")
		s.setState(StateIdle, "broker not configured")
		s.writeStatus(ctx, models.StatusDisconnected, "broker not configured", false)
		return
	}
	if err := snap.Validate(); err != nil {
		s.logger.Error("Invalid configuration snapshot", zap.Error(err))
		s.certBlocked = true
		s.setState(StateIdle, err.Error())
		s.writeStatus(ctx, models.StatusError, err.Error(), false)
		return
	}

	s.connect(ctx)
}

// connect 发起一次连接尝试
func (s *Supervisor) connect(ctx context.Context) {
	if s.current == nil || !s.current.Enabled || s.current.Broker == "" || s.certBlocked {
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.setState(StateConnecting, "")
	s.writeStatus(ctx, models.StatusConnecting, "", false)
	s.logger.Info("Connecting to mqtt broker",
		zap.String("broker", s.current.Broker),
		zap.Int("port", s.current.Port),
		zap.String("tls_mode", string(s.current.TLSMode)),
	)

	session, err := s.factory(s.current, s.postSessionLost)
	if err != nil {
		if errors.Is(err, mqttclient.ErrCertificate) {
			// 证书不变的前提下重试没有意义，状态置error并停住，
			// 等下一份快照
			s.logger.Error("Certificate error, retry suspended until config changes",
				zap.Error(err),
			)
			s.certBlocked = true
			s.setState(StateIdle, err.Error())
			s.writeStatus(ctx, models.StatusError, err.Error(), false)
			return
		}
		s.connectFailed(ctx, fmt.Errorf("handshake failed: %w", err))
		return
	}

	if err := session.Subscribe(s.current.Topics, s.onMessage); err != nil {
		session.Disconnect()
		s.connectFailed(ctx, fmt.Errorf("subscribe failed: %w", err))
		return
	}

	s.session = session
	s.backoff = s.opts.InitialBackoff
	s.connFailures = 0
	s.setState(StateConnected, "")
	s.writeStatus(ctx, models.StatusConnected, "", true)
	s.logger.Info("Connected and subscribed",
		zap.String("broker", s.current.Broker),
		zap.Int("topics", len(s.current.Topics)),
	)
}

// connectFailed 连接或订阅失败：退避后重试
// 连续失败达到阈值前对外报connecting，之后升级为error
func (s *Supervisor) connectFailed(ctx context.Context, err error) {
	s.connFailures++
	s.logger.Warn("Connect attempt failed",
		zap.Int("consecutive_failures", s.connFailures),
		zap.Duration("backoff", s.backoff),
		zap.Error(err),
	)

	s.setState(StateReconnecting, err.Error())
	if s.connFailures >= s.opts.ErrorThreshold {
		s.writeStatus(ctx, models.StatusError, err.Error(), false)
	} else {
		s.writeStatus(ctx, models.StatusConnecting, "", false)
	}
	s.scheduleRetry()
}

// handleSessionLost 会话意外丢失（网络断开、broker踢下线、协议错误）
func (s *Supervisor) handleSessionLost(ctx context.Context, cause error) {
	if s.session == nil {
		// 拆除后才送达的滞后事件
		return
	}
	s.session = nil

	now := time.Now()
	s.lossTimes = append(s.lossTimes, now)
	s.pruneLossTimes(now)

	s.logger.Warn("Session lost unexpectedly",
		zap.Int("losses_in_window", len(s.lossTimes)),
		zap.Error(cause),
	)

	s.setState(StateReconnecting, "")
	if len(s.lossTimes) >= s.opts.ConflictThreshold {
		// broker反复先接受再掐断会话，典型成因是两个进程配了同一个clientId。
		// 必须和普通网络故障区分开，否则运维没法定位
		detail := fmt.Sprintf(
			"client id conflict suspected: %d session drops within %s (another client may share clientId)",
			len(s.lossTimes), s.opts.ConflictWindow,
		)
		s.logger.Error("Identity conflict suspected", zap.String("detail", detail))
		s.setState(StateReconnecting, detail)
		s.writeStatus(ctx, models.StatusError, detail, false)
	} else {
		s.writeStatus(ctx, models.StatusConnecting, "", false)
	}

	s.scheduleRetry()
}

// pruneLossTimes 只保留冲突检测窗口内的丢失记录
func (s *Supervisor) pruneLossTimes(now time.Time) {
	cutoff := now.Add(-s.opts.ConflictWindow)
	kept := s.lossTimes[:0]
	for _, t := range s.lossTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.lossTimes = kept
}

// scheduleRetry 指数退避调度下一次连接尝试
func (s *Supervisor) scheduleRetry() {
	s.retryCh = time.After(s.backoff)
	s.backoff *= 2
	if s.backoff > s.opts.MaxBackoff {
		s.backoff = s.opts.MaxBackoff
	}
}

// teardown 主动拆除会话（配置变化或停机），与意外丢失在日志上区分
func (s *Supervisor) teardown(reason string) {
	if s.session == nil {
		return
	}
	s.logger.Info("Tearing down session deliberately", zap.String("reason", reason))
	s.session.Disconnect()
	s.session = nil

	// 丢弃主动断开期间可能残留的滞后事件
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}

// postSessionLost 会话丢失回调（paho协程调用，不阻塞）
func (s *Supervisor) postSessionLost(err error) {
	select {
	case s.events <- err:
	default:
	}
}

// writeStatus 状态写回配置库，失败只记日志（下一个状态迁移会再写）
func (s *Supervisor) writeStatus(ctx context.Context, status models.ConnectionStatus, detail string, connectedNow bool) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.status.UpdateStatus(writeCtx, status, detail, connectedNow); err != nil {
		s.logger.Error("Failed to write connection status",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
