package models

import (
	"sync/atomic"
	"time"
)

// Stats 桥接进程运行期计数器（可被MQTT回调和写入协程并发更新）
type Stats struct {
	Received   atomic.Int64 // 收到的MQTT消息数
	Written    atomic.Int64 // 成功写入存储的行数
	Malformed  atomic.Int64 // 无法翻译而被丢弃的消息数（不重试）
	Duplicates atomic.Int64 // 去重缓存命中而被抑制的消息数
	Dropped    atomic.Int64 // 写队列满而被丢弃的消息数
	Lost       atomic.Int64 // 写入重试耗尽后丢弃的消息数

	lastWrite atomic.Int64 // 最近一次成功写入的Unix时间戳
}

// MarkWrite 记录一次成功写入的时间
func (s *Stats) MarkWrite(t time.Time) {
	s.lastWrite.Store(t.Unix())
}

// LastWrite 最近一次成功写入的时间，从未写入过时返回零值
func (s *Stats) LastWrite() time.Time {
	v := s.lastWrite.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// StatsSnapshot 计数器的一次性读取结果（HTTP接口返回用）
type StatsSnapshot struct {
	Received   int64      `json:"received"`
	Written    int64      `json:"written"`
	Malformed  int64      `json:"malformed"`
	Duplicates int64      `json:"duplicates"`
	Dropped    int64      `json:"dropped"`
	Lost       int64      `json:"lost"`
	LastWrite  *time.Time `json:"last_write,omitempty"`
}

// Snapshot 读取当前计数器值
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Received:   s.Received.Load(),
		Written:    s.Written.Load(),
		Malformed:  s.Malformed.Load(),
		Duplicates: s.Duplicates.Load(),
		Dropped:    s.Dropped.Load(),
		Lost:       s.Lost.Load(),
	}
	if lw := s.LastWrite(); !lw.IsZero() {
		snap.LastWrite = &lw
	}
	return snap
}
