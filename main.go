package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/justicevae/votewatch/api"
	"github.com/justicevae/votewatch/config"
	"github.com/justicevae/votewatch/contracts"
	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/lock"
	"github.com/justicevae/votewatch/logging"
	"github.com/justicevae/votewatch/processor"
	"github.com/justicevae/votewatch/retry"
	"github.com/justicevae/votewatch/service"
	"github.com/justicevae/votewatch/tally"
	"github.com/justicevae/votewatch/updater"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	noSchedule := flag.Bool("no-schedule", false, "Disable the periodic update scheduler")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, !*noSchedule); err != nil {
		logger.Fatal("Service exited with error", zap.Error(err))
	}
	logger.Info("Service stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, schedule bool) error {
	// 初始化数据库连接
	database, err := db.InitDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB(database)

	redisClient, err := lock.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to rpc: %w", err)
	}
	defer client.Close()

	contractAddr := common.HexToAddress(cfg.Chain.ContractAddr)
	votes, err := contracts.NewVotes(contractAddr, client)
	if err != nil {
		return err
	}

	decimals := cfg.Chain.Decimals
	if decimals == 0 {
		// 未配置时从合约读取
		if decimals, err = votes.Decimals(&bind.CallOpts{Context: ctx}); err != nil {
			return fmt.Errorf("failed to read token decimals: %w", err)
		}
	}
	logger.Info("Token contract ready",
		zap.String("contract", votes.Address().Hex()),
		zap.Uint8("decimals", decimals))

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Chain.MaxRetries
	retryCfg.InitialDelay = cfg.Chain.RetryDelay

	// 所有 RPC 调用共享同一个限速窗口
	limiter := processor.NewRateLimiter(cfg.Chain.RequestsPerSecond, time.Second)
	fetcher := processor.NewFetcher(client, contractAddr, decimals, limiter, retryCfg, logger)

	eventStore := db.NewEventStore(database)
	weightStore := db.NewWeightStore(database)
	delegateStore := db.NewDelegateStore(database)
	metricsStore := db.NewMetricsStore(database)

	eventProcessor := processor.NewEventProcessor(cfg.Chain, fetcher, eventStore, logger)

	reader := service.NewChainReader(votes, decimals, cfg.Weights.BatchSize, cfg.Weights.BatchPause, retryCfg, logger)
	registry := tally.NewClient(cfg.Registry, logger)

	delegateSvc := service.NewDelegateService(delegateStore, eventStore, registry, cfg.Registry.CacheTTL, logger)
	weightSvc := service.NewWeightService(eventStore, weightStore, delegateStore, reader, decimals, cfg.Weights.Tolerance, logger)
	metricsSvc := service.NewMetricsService(metricsStore, weightStore, delegateStore, eventStore, cfg.Update.Freshness, logger)
	querySvc := service.NewQueryService(delegateSvc, weightStore, eventStore, decimals)

	host, _ := os.Hostname()
	locker := lock.NewLocker(redisClient, cfg.Update.LockTimeout, fmt.Sprintf("%s-%d", host, os.Getpid()), logger)

	upd := updater.New(cfg.Update, eventProcessor, delegateSvc, weightSvc, metricsSvc, locker, logger)
	defer upd.Stop()

	if schedule {
		scheduler := updater.NewScheduler(upd, cfg.Update.Schedule, cfg.Update.LockTimeout, logger)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	app := &api.App{
		DB: database,
		Stores: api.Stores{
			Events:    eventStore,
			Weights:   weightStore,
			Delegates: delegateStore,
			Metrics:   metricsStore,
		},
		Delegates: delegateSvc,
		Weights:   weightSvc,
		Metrics:   metricsSvc,
		Query:     querySvc,
		Updater:   upd,
		Lock:      locker,
		Logger:    logger,
	}
	router, err := api.NewController(app).NewRouter()
	if err != nil {
		return err
	}
	app.Server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Service started", zap.String("instance", locker.Instance()))
	return app.Start(ctx)
}
