package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

// MqttConfigRepository 配置库 MqttConfig 单行仓库
// 参数字段（broker/port/证书/主题等）由前端写、轮询器读；
// 状态字段（connectionStatus/statusDetail/lastConnected）只由监管器写。
// 两组字段不相交，所以读写之间没有read-modify-write竞争
type MqttConfigRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMqttConfigRepository 创建配置仓库
func NewMqttConfigRepository(db *sql.DB, logger *zap.Logger) *MqttConfigRepository {
	return &MqttConfigRepository{
		db:     db,
		logger: logger,
	}
}

// LoadSnapshot 读取当前配置行并生成一份快照
// 行内的 tlsEnabled/tlsInsecure 两个布尔列映射为三态的TLS模式；
// topicPatterns 是 text[]，qos 列对所有主题统一生效
func (r *MqttConfigRepository) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	query := `
		SELECT broker, port, "clientId", username, password,
		       "tlsEnabled", "tlsInsecure", "caCertPath",
		       "topicPatterns", qos, enabled
		FROM "MqttConfig"
		WHERE id = 1
		LIMIT 1
	`

	var (
		broker      sql.NullString
		port        sql.NullInt64
		clientID    sql.NullString
		username    sql.NullString
		password    sql.NullString
		tlsEnabled  sql.NullBool
		tlsInsecure sql.NullBool
		caCertPath  sql.NullString
		patterns    pq.StringArray
		qos         sql.NullInt64
		enabled     sql.NullBool
	)

	err := r.db.QueryRowContext(ctx, query).Scan(
		&broker, &port, &clientID, &username, &password,
		&tlsEnabled, &tlsInsecure, &caCertPath,
		&patterns, &qos, &enabled,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mqtt config row not found")
		}
		return nil, fmt.Errorf("failed to load mqtt config: %w", err)
	}

	snap := &models.Snapshot{
		Broker:     broker.String,
		Port:       1883,
		ClientID:   clientID.String,
		Username:   username.String,
		Password:   password.String,
		TLSMode:    models.TLSDisabled,
		CACertPath: caCertPath.String,
		Enabled:    true,
	}
	if port.Valid && port.Int64 > 0 {
		snap.Port = int(port.Int64)
	}
	if tlsEnabled.Valid && tlsEnabled.Bool {
		if tlsInsecure.Valid && tlsInsecure.Bool {
			snap.TLSMode = models.TLSInsecure
		} else {
			snap.TLSMode = models.TLSVerified
		}
	}
	if enabled.Valid {
		snap.Enabled = enabled.Bool
	}

	level := byte(1)
	if qos.Valid && qos.Int64 >= 0 && qos.Int64 <= 2 {
		level = byte(qos.Int64)
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		snap.Topics = append(snap.Topics, models.TopicFilter{Pattern: p, QoS: level})
	}

	return snap, nil
}

// UpdateStatus 写回连接状态
// detail 用于区分可诊断的错误形态（如clientId冲突），没有细节时传空串；
// connectedNow 为真时同时刷新 lastConnected 时间戳
func (r *MqttConfigRepository) UpdateStatus(ctx context.Context, status models.ConnectionStatus, detail string, connectedNow bool) error {
	var query string
	if connectedNow {
		query = `
			UPDATE "MqttConfig"
			SET "connectionStatus" = $1, "statusDetail" = $2,
			    "lastConnected" = NOW(), "updatedAt" = NOW()
			WHERE id = 1
		`
	} else {
		query = `
			UPDATE "MqttConfig"
			SET "connectionStatus" = $1, "statusDetail" = $2, "updatedAt" = NOW()
			WHERE id = 1
		`
	}

	if _, err := r.db.ExecContext(ctx, query, string(status), detail); err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return nil
}
