package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"edin/backend/config"
	"edin/backend/internal/cache"
	"edin/backend/internal/collab"
	"edin/backend/internal/docsync"
	"edin/backend/internal/httpapi/handlers"
	"edin/backend/internal/store"
	"edin/backend/internal/ws"
)

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()
	defer glog.Flush()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		glog.Exitf("init config failed: %v", err)
	}
	glog.Infof("config: %+v", cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opt := collab.Options{
		RingCapacity:   cfg.Sync.RingCapacity,
		StrictVersions: cfg.Sync.StrictVersions,
		SnapshotEvery:  cfg.Sync.SnapshotEvery,
		Metrics:        collab.NewMetrics(reg),
	}

	// === MySQL（可选）===
	var snapshots handlers.SnapshotReader
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			glog.Exitf("failed to connect to mysql: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			glog.Exitf("failed to get sql.DB: %v", err)
		}
		defer sqlDB.Close()
		snapshotStore := store.NewSnapshotStore(sqlDB)
		opt.Documents = store.NewDocumentStore(db)
		opt.Snapshots = snapshotStore
		snapshots = snapshotStore
	}

	// === Redis（可选）：快照缓存 + 在线状态 ===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		// 一个地址是单机，多个地址是 cluster
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			glog.Exitf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		snapshotCache, err := cache.NewSnapshotCache(rdb, cache.SnapshotCacheOptions{L1Size: cfg.Redis.CacheSize})
		if err != nil {
			glog.Exitf("init snapshot cache: %v", err)
		}
		opt.Cache = snapshotCache
		presence = cache.NewRedisPresence(rdb)
	}

	// === Kafka（可选）：本地队列 + worker 重试发送 ===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			glog.Exitf("failed to connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
			},
		)
		opt.Events = dispatcher
	}

	svc := collab.NewInMemoryService(opt)
	hub := ws.NewHub(presence, cfg.Redis.PresenceTTL)
	unsubscribe := svc.Subscribe(hub)
	defer unsubscribe()

	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Websocket.MaxInflight),
		docsync.Config{BatchTime: cfg.Sync.BatchTime, MaxBatchSize: cfg.Sync.MaxBatchSize},
		ws.ManagerOptions{
			AllowedOrigins: cfg.Websocket.AllowedOrigins,
			RateLimit:      rate.Limit(cfg.Websocket.RatePerSecond),
			Burst:          cfg.Websocket.Burst,
		})

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	if len(cfg.Websocket.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Websocket.AllowedOrigins
		corsCfg.AllowWildcard = true
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AddAllowHeaders("X-Client-Id")
	r.Use(cors.New(corsCfg))

	// 路由
	r.GET("/healthz", handlers.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	r.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(svc, presence, snapshots).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		glog.Infof("edin server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Exitf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		glog.Errorf("http shutdown: %v", err)
	}
	// hijack 之后的 websocket 连接不受 Shutdown 管理，单独关闭
	hub.CloseAll()
	if dispatcher != nil {
		// 等队列里的事件发完
		dispatcher.Close()
	}
}
