package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库连接配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config storage-bridge 进程配置
// 注意：MQTT broker 的连接参数不在这里——它们存放在配置库的 MqttConfig 行中，
// 由轮询器在运行期读取，这样前端修改配置后无需重启进程
type Config struct {
	ConfigDB    DatabaseConfig // 配置库（MqttConfig 行）
	TimescaleDB DatabaseConfig // 时序库（sensor_readings 超表）
	Redis       RedisConfig

	Bridge struct {
		PollInterval   time.Duration // 配置轮询间隔
		ConnectTimeout time.Duration // MQTT握手/订阅超时
		QueueSize      int           // 写队列容量
		WriteAttempts  int           // 单条写入最多尝试次数
		WriteBackoff   time.Duration // 写入重试初始退避
		DedupEnabled   bool          // 是否启用去重缓存
		DedupTTL       time.Duration // 去重键TTL
		ListenAddr     string        // 读查询HTTP监听地址
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ConfigDB.Host = getEnv("CONFIG_DB_HOST", "localhost")
	cfg.ConfigDB.Port = getEnvInt("CONFIG_DB_PORT", 5432)
	cfg.ConfigDB.User = getEnv("CONFIG_DB_USER", "storage")
	cfg.ConfigDB.Password = getEnv("CONFIG_DB_PASSWORD", "storage123")
	cfg.ConfigDB.Database = getEnv("CONFIG_DB_NAME", "storage_config")
	cfg.ConfigDB.SSLMode = getEnv("CONFIG_DB_SSLMODE", "disable")

	cfg.TimescaleDB.Host = getEnv("TIMESCALE_HOST", "localhost")
	cfg.TimescaleDB.Port = getEnvInt("TIMESCALE_PORT", 5432)
	cfg.TimescaleDB.User = getEnv("TIMESCALE_USER", "timescale")
	cfg.TimescaleDB.Password = getEnv("TIMESCALE_PASSWORD", "timescale123")
	cfg.TimescaleDB.Database = getEnv("TIMESCALE_DB", "sensor_data")
	cfg.TimescaleDB.SSLMode = getEnv("TIMESCALE_SSLMODE", "disable")
	cfg.TimescaleDB.MaxConns = getEnvInt("TIMESCALE_MAX_CONNS", 10)
	cfg.TimescaleDB.MaxIdle = getEnvInt("TIMESCALE_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Bridge.PollInterval = getEnvDuration("CONFIG_POLL_INTERVAL", 30*time.Second)
	cfg.Bridge.ConnectTimeout = getEnvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second)
	cfg.Bridge.QueueSize = getEnvInt("WRITE_QUEUE_SIZE", 1024)
	cfg.Bridge.WriteAttempts = getEnvInt("WRITE_ATTEMPTS", 3)
	cfg.Bridge.WriteBackoff = getEnvDuration("WRITE_BACKOFF", 500*time.Millisecond)
	cfg.Bridge.DedupEnabled = getEnvBool("DEDUP_ENABLED", true)
	cfg.Bridge.DedupTTL = getEnvDuration("DEDUP_TTL", 2*time.Minute)
	cfg.Bridge.ListenAddr = getEnv("LISTEN_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
