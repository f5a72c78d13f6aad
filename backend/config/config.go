package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"` // 为空时不落库
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"` // 为空时不启用缓存与在线状态
		Password    string        `mapstructure:"password"`
		CacheSize   int           `mapstructure:"cacheSize"`
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"` // 为空时不发布事件
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Sync struct {
		BatchTime      time.Duration `mapstructure:"batchTime"`
		MaxBatchSize   int           `mapstructure:"maxBatchSize"`
		StrictVersions bool          `mapstructure:"strictVersions"`
		SnapshotEvery  uint64        `mapstructure:"snapshotEvery"`
		RingCapacity   int           `mapstructure:"ringCapacity"`
	} `mapstructure:"sync"`
	Websocket struct {
		MaxInflight    int      `mapstructure:"maxInflight"`
		RatePerSecond  float64  `mapstructure:"ratePerSecond"`
		Burst          int      `mapstructure:"burst"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"websocket"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.shutdownTimeout", 10*time.Second)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.cacheSize", 1024)
	v.SetDefault("redis.presenceTTL", 600*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "edin-doc-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("sync.batchTime", time.Duration(0))
	v.SetDefault("sync.maxBatchSize", 0)
	v.SetDefault("sync.strictVersions", false)
	v.SetDefault("sync.snapshotEvery", 0)
	v.SetDefault("sync.ringCapacity", 1024)
	v.SetDefault("websocket.maxInflight", 100)
	v.SetDefault("websocket.ratePerSecond", 200.0)
	v.SetDefault("websocket.burst", 100)
	v.SetDefault("websocket.allowedOrigins", []string{})
}

// Load 读取 config.yaml（找不到文件时只用默认值），环境变量 EDIN_<SECTION>_<KEY> 优先。
// paths 为空时兼容从项目根目录或 backend 目录启动
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("EDIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
