package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte)

// Options 一次连接尝试的参数
type Options struct {
	Snapshot         *models.Snapshot
	FallbackClientID string        // 快照中clientId为空时的回退值
	ConnectTimeout   time.Duration // 握手和订阅确认的超时
	OnMessage        MessageHandler
	OnConnectionLost func(err error) // 会话意外丢失回调（主动断开不触发）
}

// Client MQTT会话封装
// 由监管器独占持有；自动重连关闭，重连由监管器的状态机统一驱动，
// 这样会话身份变化时不会出现paho内部重连和外部重建互相打架
type Client struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *zap.Logger
}

// Dial 按快照建立连接（阻塞到握手完成或超时）
func Dial(opts Options, logger *zap.Logger) (*Client, error) {
	snap := opts.Snapshot

	tlsConfig, err := NewTLSConfig(snap.TLSMode, snap.CACertPath)
	if err != nil {
		return nil, err
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(snap.BrokerURL())
	clientOpts.SetClientID(snap.EffectiveClientID(opts.FallbackClientID))
	clientOpts.SetCleanSession(true)
	clientOpts.SetAutoReconnect(false)
	clientOpts.SetConnectTimeout(timeout)
	clientOpts.SetKeepAlive(60 * time.Second)

	if snap.Username != "" {
		clientOpts.SetUsername(snap.Username)
		clientOpts.SetPassword(snap.Password)
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}
	if opts.OnConnectionLost != nil {
		lost := opts.OnConnectionLost
		clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			lost(err)
		})
	}
	if opts.OnMessage != nil {
		onMessage := opts.OnMessage
		clientOpts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			onMessage(msg.Topic(), msg.Payload())
		})
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	return &Client{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Subscribe 订阅全部主题过滤器（逐个携带各自QoS）
// 对同一pattern重复订阅会按MQTT语义覆盖QoS，所以仅QoS变化时
// 监管器可以直接在现有会话上重新调用这里，不用断线重建
func (c *Client) Subscribe(filters []models.TopicFilter, handler MessageHandler) error {
	if len(filters) == 0 {
		return nil
	}

	callback := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	for _, f := range filters {
		token := c.client.Subscribe(f.Pattern, f.QoS, callback)
		if !token.WaitTimeout(c.timeout) {
			return fmt.Errorf("subscribe to %s timed out after %s", f.Pattern, c.timeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", f.Pattern, err)
		}
		c.logger.Info("Subscribed to topic",
			zap.String("pattern", f.Pattern),
			zap.Uint8("qos", f.QoS),
		)
	}
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	token := c.client.Unsubscribe(patterns...)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("unsubscribe timed out after %s", c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Disconnect 主动断开（隐含取消全部订阅）
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待在途报文
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
