package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode"

	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

// ErrMalformedPayload 消息无法翻译
// 这类消息直接丢弃并计数，永不重试：重试一条格式错误的消息不可能成功
var ErrMalformedPayload = errors.New("malformed payload")

// 固定列对应的payload键名（broker侧可能用camelCase或snake_case）
var coreFields = map[string]bool{
	"timestamp":     true,
	"time":          true,
	"haystackName":  true,
	"haystack_name": true,
	"dis":           true,
	"value":         true,
	"units":         true,
	"quality":       true,
}

// Translator 消息翻译器
// 把一条MQTT payload拆成固定列 + 动态属性包，产出可存储的读数
type Translator struct {
	logger *zap.Logger
}

// NewTranslator 创建翻译器
func NewTranslator(logger *zap.Logger) *Translator {
	return &Translator{logger: logger}
}

// Translate 翻译一条消息
// arrival 是消息到达时间：payload不带时间戳时用它打点。
// 各数据源之间存在时钟偏移是预期内的，这里不做任何"纠正"
func (t *Translator) Translate(topic string, payload []byte, arrival time.Time) (*models.SensorReading, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformedPayload, err)
	}

	reading := &models.SensorReading{
		Time:     arrival.UTC(),
		Metadata: map[string]interface{}{},
	}

	// 时间戳：payload自带的优先，broker可能用 timestamp 或 time 键
	if ts := stringField(fields, "timestamp", "time"); ts != "" {
		if parsed, err := parseTimestamp(ts); err == nil {
			reading.Time = parsed
		} else {
			t.logger.Debug("Unparsable payload timestamp, stamping arrival time",
				zap.String("topic", topic),
				zap.String("timestamp", ts),
			)
		}
	}

	reading.PointKey = stringField(fields, "haystackName", "haystack_name")
	reading.Dis = stringField(fields, "dis")
	reading.Units = stringField(fields, "units")

	// value 列是数值专用：数值型字符串会被解析，其余类型视为翻译失败
	if raw, ok := fields["value"]; ok && raw != nil {
		value, err := coerceValue(raw)
		if err != nil {
			return nil, err
		}
		reading.Value = &value
	}

	reading.Quality = stringField(fields, "quality")
	if reading.Quality != "" && !models.KnownQuality(reading.Quality) {
		// 枚举外的质量标记按原样保留，仅记录日志供排查
		t.logger.Warn("Quality value outside known set",
			zap.String("topic", topic),
			zap.String("quality", reading.Quality),
			zap.String("point", reading.PointKey),
		)
	}

	// 没被固定列消费的键值对原样进入动态属性包（camelCase统一转snake_case）
	for key, value := range fields {
		if coreFields[key] || value == nil {
			continue
		}
		reading.Metadata[toSnakeCase(key)] = value
	}

	return reading, nil
}

// coerceValue 把payload的value字段转成float64
func coerceValue(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: non-numeric value %q", ErrMalformedPayload, v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: value has unsupported type %T", ErrMalformedPayload, raw)
	}
}

// stringField 按优先级取第一个存在的字符串字段
func stringField(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if raw, ok := fields[key]; ok {
			if s, ok := raw.(string); ok {
				return s
			}
		}
	}
	return ""
}

// parseTimestamp 解析payload时间戳（RFC3339及常见变体）
func parseTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// toSnakeCase camelCase转snake_case（动态属性键名规范化）
func toSnakeCase(s string) string {
	out := make([]rune, 0, len(s)+4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				out = append(out, '_')
			}
			out = append(out, unicode.ToLower(r))
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}
