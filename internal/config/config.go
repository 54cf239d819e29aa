package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Escalation EscalationConfig `mapstructure:"escalation" yaml:"escalation"`
	Relay      RelayConfig      `mapstructure:"relay" yaml:"relay"`
	Support    SupportConfig    `mapstructure:"support" yaml:"support"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`       // overrides the discrete fields when set
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 导出配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"` // OTLP gRPC, e.g. http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type EscalationConfig struct {
	HandoffPhrases     []string `mapstructure:"handoff_phrases" yaml:"handoff_phrases"`
	FrustrationPhrases []string `mapstructure:"frustration_phrases" yaml:"frustration_phrases"`
	FailureThreshold   int      `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	HistoryWindow      int      `mapstructure:"history_window" yaml:"history_window"`
}

type RelayConfig struct {
	SendBuffer       int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	WriteWait        time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period" yaml:"ping_period"`
	MaxMessageSize   int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	DispatchWorkers  int64         `mapstructure:"dispatch_workers" yaml:"dispatch_workers"`
	DispatchLaneSize int           `mapstructure:"dispatch_lane_size" yaml:"dispatch_lane_size"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout"`
}

type SupportConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
}

// Load 在默认值之上解析 viper 合并后的配置
func Load() *Config {
	config := GetDefaultConfig()
	// mapstructure 按元素覆盖切片，这里先清空列表，
	// 让配置的短语替换默认值而不是与其合并
	if viper.IsSet("escalation.handoff_phrases") {
		config.Escalation.HandoffPhrases = nil
	}
	if viper.IsSet("escalation.frustration_phrases") {
		config.Escalation.FrustrationPhrases = nil
	}
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// DefaultHandoffPhrases 表示用户要求人工客服的短语
func DefaultHandoffPhrases() []string {
	return []string{
		"hablar con humano",
		"hablar con persona",
		"hablar con agente",
		"hablar con un humano",
		"hablar con una persona",
		"hablar con un agente",
		"atención humana",
		"atención de una persona",
		"necesito un humano",
		"necesito una persona",
		"necesito un agente",
		"quiero hablar con un humano",
		"quiero hablar con una persona",
		"quiero hablar con un agente",
		"comuníqueme con un humano",
		"comunicarme con un humano",
		"comunicarme con una persona",
		"comunicarme con un agente",
		"transferir a humano",
		"transferir a persona",
		"transferir a agente",
		"agente real",
		"persona real",
		"humano real",
		"no entiendes",
		"no me entiendes",
		"no estás entendiendo",
		"no eres útil",
		"no me estás ayudando",
	}
}

// DefaultFrustrationPhrases 表示机器人回答失败的短语
func DefaultFrustrationPhrases() []string {
	return []string{
		"no es lo que pregunté",
		"no entiendes",
		"no es correcto",
		"no es así",
		"no me entiendes",
		"no estás entendiendo",
		"no me estás ayudando",
		"no es útil",
		"no es lo que necesito",
		"eso no me sirve",
		"no es eso",
		"no es lo que busco",
		"no es eso lo que quiero",
		"no es cierto",
		"está mal",
	}
}

// GetDefaultConfig 返回内置默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "handoff",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			Channel:  "handoff:ticket-events",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/handoff.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "handoff",
			},
		},
		Escalation: EscalationConfig{
			HandoffPhrases:     DefaultHandoffPhrases(),
			FrustrationPhrases: DefaultFrustrationPhrases(),
			FailureThreshold:   3,
			HistoryWindow:      6,
		},
		Relay: RelayConfig{
			SendBuffer:       256,
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       54 * time.Second,
			MaxMessageSize:   4096,
			DispatchWorkers:  16,
			DispatchLaneSize: 100,
			DispatchTimeout:  5 * time.Second,
		},
		Support: SupportConfig{
			StoreTimeout: 5 * time.Second,
		},
	}
}

// PostgresDSN 构建 libpq 格式的 DSN，显式设置 DSN 时直接使用
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port,
	)
}
