package models

import (
	"time"
)

// 质量标记枚举
// 存储侧对quality列不做硬约束，超出枚举的值按原样保留（翻译器记录警告日志）
const (
	QualityGood      = "good"
	QualityUncertain = "uncertain"
	QualityBad       = "bad"
)

// KnownQuality 判断质量标记是否属于标准枚举
func KnownQuality(q string) bool {
	return q == QualityGood || q == QualityUncertain || q == QualityBad
}

// SensorReading 一条传感器读数（混合schema：固定列 + 动态属性包）
// (Time, PointKey) 用于查询寻址，但写入时不做唯一性约束：at-least-once语义下
// 重复投递允许产生重复行
type SensorReading struct {
	Time     time.Time              `json:"time"`
	PointKey string                 `json:"haystack_name"`
	Dis      string                 `json:"dis,omitempty"`
	Value    *float64               `json:"value"`
	Units    string                 `json:"units,omitempty"`
	Quality  string                 `json:"quality,omitempty"`
	Metadata map[string]interface{} `json:"metadata"`
}

// PointSummary 单测点的聚合信息（仪表盘读查询用）
type PointSummary struct {
	PointKey  string    `json:"haystack_name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int64     `json:"count"`
}
