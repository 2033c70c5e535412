package models

import (
	"fmt"
)

// TLSMode 传输加密模式
type TLSMode string

const (
	TLSDisabled TLSMode = "disabled" // 明文传输
	TLSVerified TLSMode = "verified" // TLS，使用CA证书做完整链校验
	TLSInsecure TLSMode = "insecure" // TLS，但跳过服务端证书校验（接受自签名证书）
)

// TopicFilter 订阅主题过滤器（支持 MQTT + / # 通配符）
type TopicFilter struct {
	Pattern string
	QoS     byte
}

// Snapshot MQTT连接配置快照
// 每个轮询周期从配置库读出一份不可变快照，用于变更检测和参数化连接
type Snapshot struct {
	Broker     string
	Port       int
	ClientID   string
	Username   string
	Password   string
	TLSMode    TLSMode
	CACertPath string
	Topics     []TopicFilter
	Enabled    bool
}

// Validate 校验快照自身的一致性
// verified 模式但没有CA证书路径的快照不允许被应用
func (s *Snapshot) Validate() error {
	if s.TLSMode == TLSVerified && s.CACertPath == "" {
		return fmt.Errorf("tls mode is verified but no ca certificate configured")
	}
	return nil
}

// BrokerURL 根据TLS模式生成 paho 连接地址
func (s *Snapshot) BrokerURL() string {
	scheme := "tcp"
	if s.TLSMode == TLSVerified || s.TLSMode == TLSInsecure {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Broker, s.Port)
}

// EffectiveClientID 返回配置的clientId，为空时回退到进程级默认值
// 同一broker上clientId冲突会导致连接/断开震荡，所以回退值必须含随机后缀
func (s *Snapshot) EffectiveClientID(fallback string) string {
	if s.ClientID != "" {
		return s.ClientID
	}
	return fallback
}

// Equal 全字段相等比较（含QoS），轮询器用它判断"是否有任何变化"
func (s *Snapshot) Equal(other *Snapshot) bool {
	if other == nil {
		return false
	}
	if !s.MaterialChange(other) && s.subscriptionQoSEqual(other) {
		return true
	}
	return false
}

// MaterialChange 判断是否存在需要整体重建会话的"实质性变化"
// 身份字段：broker、port、clientId、认证、TLS模式、证书路径、主题集合、enabled
// 仅QoS不同（主题集合不变）不算实质性变化，可以在现有会话上重新订阅吸收
func (s *Snapshot) MaterialChange(other *Snapshot) bool {
	if other == nil {
		return true
	}
	if s.Broker != other.Broker ||
		s.Port != other.Port ||
		s.ClientID != other.ClientID ||
		s.Username != other.Username ||
		s.Password != other.Password ||
		s.TLSMode != other.TLSMode ||
		s.CACertPath != other.CACertPath ||
		s.Enabled != other.Enabled {
		return true
	}
	if len(s.Topics) != len(other.Topics) {
		return true
	}
	for i := range s.Topics {
		if s.Topics[i].Pattern != other.Topics[i].Pattern {
			return true
		}
	}
	return false
}

// subscriptionQoSEqual 主题集合相同的前提下比较QoS
func (s *Snapshot) subscriptionQoSEqual(other *Snapshot) bool {
	if len(s.Topics) != len(other.Topics) {
		return false
	}
	for i := range s.Topics {
		if s.Topics[i].QoS != other.Topics[i].QoS {
			return false
		}
	}
	return true
}
