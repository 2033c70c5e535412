package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storage-bridge/internal/models"
	"storage-bridge/internal/mqttclient"
)

// ============================================
// 测试桩
// ============================================

type fakeSession struct {
	mu           sync.Mutex
	subscribed   [][]models.TopicFilter
	disconnected bool
	subErr       error
}

func (s *fakeSession) Subscribe(filters []models.TopicFilter, _ mqttclient.MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return s.subErr
	}
	cp := make([]models.TopicFilter, len(filters))
	copy(cp, filters)
	s.subscribed = append(s.subscribed, cp)
	return nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSession) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *fakeSession) lastSubscribed() []models.TopicFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscribed) == 0 {
		return nil
	}
	return s.subscribed[len(s.subscribed)-1]
}

func (s *fakeSession) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed)
}

// fakeFactory 记录每次建连并保留onLost回调
// dialErrs按调用序消耗：非nil表示本次握手失败
// subErrs按建连序消耗：非nil让对应会话的首次Subscribe失败
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	lostFns  []func(error)
	dialErrs []error
	subErrs  []error
}

func (f *fakeFactory) factory(_ *models.Snapshot, onLost func(error)) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	sess := &fakeSession{}
	if len(f.subErrs) > 0 {
		sess.subErr = f.subErrs[0]
		f.subErrs = f.subErrs[1:]
	}
	f.sessions = append(f.sessions, sess)
	f.lostFns = append(f.lostFns, onLost)
	return sess, nil
}

func (f *fakeFactory) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeFactory) loseSession(i int, err error) {
	f.mu.Lock()
	fn := f.lostFns[i]
	f.mu.Unlock()
	fn(err)
}

type statusEntry struct {
	status       models.ConnectionStatus
	detail       string
	connectedNow bool
}

type statusRecorder struct {
	mu      sync.Mutex
	entries []statusEntry
}

func (r *statusRecorder) UpdateStatus(_ context.Context, status models.ConnectionStatus, detail string, connectedNow bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, statusEntry{status, detail, connectedNow})
	return nil
}

func (r *statusRecorder) has(status models.ConnectionStatus, detailSubstr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.status == status && strings.Contains(e.detail, detailSubstr) {
			return true
		}
	}
	return false
}

func (r *statusRecorder) last() statusEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return statusEntry{}
	}
	return r.entries[len(r.entries)-1]
}

// ============================================
// 测试装配
// ============================================

func startSupervisor(t *testing.T, factory *fakeFactory) (*Supervisor, chan *models.Snapshot, *statusRecorder, context.CancelFunc) {
	t.Helper()

	recorder := &statusRecorder{}
	snapshots := make(chan *models.Snapshot, 1)
	sup := NewSupervisor(
		factory.factory,
		recorder,
		snapshots,
		func(string, []byte) {},
		Options{
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
			ConflictWindow:    30 * time.Second,
			ConflictThreshold: 3,
			ErrorThreshold:    3,
		},
		zap.NewNop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("supervisor did not stop")
		}
	})

	return sup, snapshots, recorder, cancel
}

func enabledSnapshot(patterns ...string) *models.Snapshot {
	if len(patterns) == 0 {
		patterns = []string{"bacnet/#"}
	}
	snap := &models.Snapshot{
		Broker:   "10.0.0.5",
		Port:     1883,
		ClientID: "storage_bridge",
		TLSMode:  models.TLSDisabled,
		Enabled:  true,
	}
	for _, p := range patterns {
		snap.Topics = append(snap.Topics, models.TopicFilter{Pattern: p, QoS: 1})
	}
	return snap
}

func waitForState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.State() == want
	}, time.Second, time.Millisecond, "expected state %s, got %s", want, sup.State())
}

// ============================================
// 状态机行为
// ============================================

func TestSupervisor_IdleToConnected(t *testing.T) {
	factory := &fakeFactory{}
	sup, snapshots, recorder, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()

	waitForState(t, sup, StateConnected)
	assert.Equal(t, 1, factory.sessionCount())
	assert.True(t, recorder.has(models.StatusConnecting, ""))

	require.Eventually(t, func() bool {
		return recorder.last().status == models.StatusConnected
	}, time.Second, time.Millisecond)
	assert.True(t, recorder.last().connectedNow,
		"lastConnected must be stamped on entering Connected")

	filters := factory.session(0).lastSubscribed()
	require.Len(t, filters, 1)
	assert.Equal(t, "bacnet/#", filters[0].Pattern)
}

func TestSupervisor_Disabled_NoSession(t *testing.T) {
	factory := &fakeFactory{}
	sup, snapshots, recorder, _ := startSupervisor(t, factory)

	snap := enabledSnapshot()
	snap.Enabled = false
	snapshots <- snap

	waitForState(t, sup, StateDisabled)
	assert.Equal(t, 0, factory.sessionCount())
	require.Eventually(t, func() bool {
		return recorder.last().status == models.StatusDisconnected
	}, time.Second, time.Millisecond)
}

func TestSupervisor_DisableWhileConnected_TearsDown(t *testing.T) {
	factory := &fakeFactory{}
	sup, snapshots, recorder, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()
	waitForState(t, sup, StateConnected)

	disabled := enabledSnapshot()
	disabled.Enabled = false
	snapshots <- disabled

	waitForState(t, sup, StateDisabled)
	assert.True(t, factory.session(0).isDisconnected())
	require.Eventually(t, func() bool {
		return recorder.last().status == models.StatusDisconnected
	}, time.Second, time.Millisecond)
}

func TestSupervisor_TopicChange_FullRebuild(t *testing.T) {
	// 场景D：仅topicPatterns变化也要整体断开重建，旧订阅随断开消失
	factory := &fakeFactory{}
	sup, snapshots, _, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot("bacnet/#")
	waitForState(t, sup, StateConnected)

	snapshots <- enabledSnapshot("building1/#")

	require.Eventually(t, func() bool {
		return factory.sessionCount() == 2
	}, time.Second, time.Millisecond)
	assert.True(t, factory.session(0).isDisconnected(),
		"old session must be fully closed before reconnecting")

	waitForState(t, sup, StateConnected)
	filters := factory.session(1).lastSubscribed()
	require.Len(t, filters, 1)
	assert.Equal(t, "building1/#", filters[0].Pattern)
}

func TestSupervisor_QoSOnlyChange_NoTeardown(t *testing.T) {
	factory := &fakeFactory{}
	sup, snapshots, _, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()
	waitForState(t, sup, StateConnected)

	changed := enabledSnapshot()
	changed.Topics[0].QoS = 2
	snapshots <- changed

	// 在现有会话上重订阅吸收，而不是断开重建
	require.Eventually(t, func() bool {
		return factory.session(0).subscribeCount() == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, factory.sessionCount())
	assert.False(t, factory.session(0).isDisconnected())
	assert.Equal(t, byte(2), factory.session(0).lastSubscribed()[0].QoS)
}

func TestSupervisor_SessionLost_Reconnects(t *testing.T) {
	factory := &fakeFactory{}
	sup, snapshots, _, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()
	waitForState(t, sup, StateConnected)

	factory.loseSession(0, errors.New("EOF"))

	require.Eventually(t, func() bool {
		return factory.sessionCount() == 2 && sup.State() == StateConnected
	}, time.Second, time.Millisecond)
}

func TestSupervisor_RepeatedLosses_IdentityConflictStatus(t *testing.T) {
	// 场景B：同一clientId被另一个进程占用时，broker反复接受又掐断会话。
	// 必须上报可区分的错误状态而不是普通disconnected
	factory := &fakeFactory{}
	sup, snapshots, recorder, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()

	for i := 0; i < 3; i++ {
		n := i
		require.Eventually(t, func() bool {
			return factory.sessionCount() == n+1 && sup.State() == StateConnected
		}, time.Second, time.Millisecond)
		factory.loseSession(n, fmt.Errorf("connection reset by peer"))
	}

	require.Eventually(t, func() bool {
		return recorder.has(models.StatusError, "client id conflict")
	}, time.Second, time.Millisecond)
}

func TestSupervisor_HandshakeFailure_BackoffThenConnect(t *testing.T) {
	factory := &fakeFactory{dialErrs: []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
	}}
	sup, snapshots, recorder, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()

	waitForState(t, sup, StateConnected)
	assert.Equal(t, 1, factory.sessionCount())
	assert.True(t, recorder.has(models.StatusConnecting, ""))
}

func TestSupervisor_CertificateError_NoRetryUntilChange(t *testing.T) {
	factory := &fakeFactory{dialErrs: []error{
		fmt.Errorf("%w: failed to read /certs/ca.pem", mqttclient.ErrCertificate),
	}}
	sup, snapshots, recorder, _ := startSupervisor(t, factory)

	snap := enabledSnapshot()
	snap.TLSMode = models.TLSVerified
	snap.CACertPath = "/certs/ca.pem"
	snapshots <- snap

	require.Eventually(t, func() bool {
		return recorder.has(models.StatusError, "ca certificate")
	}, time.Second, time.Millisecond)

	// 快照不变就不再自动重试
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, factory.sessionCount())
	assert.Equal(t, StateIdle, sup.State())

	// 新快照（证书路径变化）解除封锁
	changed := enabledSnapshot()
	changed.TLSMode = models.TLSVerified
	changed.CACertPath = "/certs/ca-fixed.pem"
	snapshots <- changed

	waitForState(t, sup, StateConnected)
	assert.Equal(t, 1, factory.sessionCount())
}

func TestSupervisor_InvalidSnapshot_VerifiedWithoutCA(t *testing.T) {
	factory := &fakeFactory{}
	_, snapshots, recorder, _ := startSupervisor(t, factory)

	snap := enabledSnapshot()
	snap.TLSMode = models.TLSVerified
	snap.CACertPath = ""
	snapshots <- snap

	require.Eventually(t, func() bool {
		return recorder.has(models.StatusError, "no ca certificate")
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, factory.sessionCount(), "invalid snapshot must never be applied")
}

func TestSupervisor_SubscribeFailure_Retries(t *testing.T) {
	factory := &fakeFactory{subErrs: []error{errors.New("not authorized")}}
	sup, snapshots, _, _ := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()

	// 订阅失败的会话要被关闭，随后退避重连
	require.Eventually(t, func() bool {
		return factory.sessionCount() == 2 && sup.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.True(t, factory.session(0).isDisconnected())
}

func TestSupervisor_Shutdown_WritesDisconnected(t *testing.T) {
	factory := &fakeFactory{}
	sup, snapshots, recorder, cancel := startSupervisor(t, factory)

	snapshots <- enabledSnapshot()
	waitForState(t, sup, StateConnected)

	cancel()

	require.Eventually(t, func() bool {
		return recorder.last().status == models.StatusDisconnected
	}, time.Second, time.Millisecond)
	assert.True(t, factory.session(0).isDisconnected())
}

func TestSupervisor_BrokerNotConfigured_StaysIdle(t *testing.T) {
	factory := &fakeFactory{}
	sup, snapshots, recorder, _ := startSupervisor(t, factory)

	snap := enabledSnapshot()
	snap.Broker = ""
	snapshots <- snap

	require.Eventually(t, func() bool {
		return recorder.has(models.StatusDisconnected, "broker not configured")
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateIdle, sup.State())
	assert.Equal(t, 0, factory.sessionCount())
}
