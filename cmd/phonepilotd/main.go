package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"PhonePilot/internal/agent"
	"PhonePilot/internal/api"
	"PhonePilot/internal/apps"
	"PhonePilot/internal/auth"
	"PhonePilot/internal/config"
	"PhonePilot/internal/device"
	"PhonePilot/internal/device/adb"
	"PhonePilot/internal/observability/alerting"
	"PhonePilot/internal/observability/metrics"
	"PhonePilot/internal/planner"
	"PhonePilot/internal/planner/bridge"
	"PhonePilot/internal/planner/openai"
	"PhonePilot/internal/run"
	"PhonePilot/internal/safety"
	"PhonePilot/internal/transcript"
	"PhonePilot/pkg/logger"
)

// main 是 PhonePilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx); err != nil {
		log.Fatalf("phonepilotd 运行失败: %v", err)
	}
}

func serve(ctx context.Context) error {
	// .env 缺失不是错误，本地开发时用它补齐密钥类环境变量。
	_ = godotenv.Load()

	configPath := os.Getenv("PHONEPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "phonepilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	for _, dir := range []string{cfg.Runtime.DataDir, cfg.Trace.Dir, cfg.Trace.ImageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	// 运行记录存储。
	var store run.Store
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		store = run.NewMemoryStore()
	case "mysql":
		mysqlStore, err := run.NewMySQLStore(cfg.Storage.RunStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的运行存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
	defer closeQuietly(store, "运行存储")

	// 运行队列。
	var queue run.Queue
	switch cfg.RunQueue.Driver {
	case "", "memory":
		queue = run.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := run.NewRedisQueue(run.RedisQueueConfig{
			Address:         cfg.RunQueue.Redis.Address,
			Password:        cfg.RunQueue.Redis.Password,
			DB:              cfg.RunQueue.Redis.DB,
			Queue:           cfg.RunQueue.Redis.Queue,
			BlockWait:       time.Duration(cfg.RunQueue.Redis.BlockWait) * time.Second,
			RedeliveryDelay: time.Duration(cfg.RunQueue.Redis.RedeliveryDelay) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.RunQueue.RabbitMQ.URL,
			Queue:      cfg.RunQueue.RabbitMQ.Queue,
			Prefetch:   cfg.RunQueue.RabbitMQ.Prefetch,
			Durable:    cfg.RunQueue.RabbitMQ.Durable,
			AutoDelete: cfg.RunQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.RunQueue.Driver)
	}
	defer closeQuietly(queue, "运行队列")

	// 设备控制通道，单台设备连不上不阻塞启动。
	devices := device.NewManager()
	registered := 0
	for _, spec := range cfg.Device.Devices {
		ctrl, err := adb.New(ctx, adb.Config{
			ADBPath:     cfg.Device.ADBPath,
			Serial:      spec.Serial,
			Endpoint:    spec.Endpoint,
			SettleDelay: cfg.Device.SettleDelay(),
		})
		if err != nil {
			logger.L().Warn("设备接入失败",
				slog.String("device_id", spec.ID),
				slog.String("serial", spec.Serial),
				slog.String("endpoint", spec.Endpoint),
				slog.String("error", err.Error()),
			)
			continue
		}
		deviceID := spec.ID
		if deviceID == "" {
			deviceID = spec.Serial
		}
		if deviceID == "" {
			deviceID = spec.Endpoint
		}
		kind := device.KindLocal
		if spec.Endpoint != "" {
			kind = device.KindNetwork
		}
		devices.Register(deviceID, kind, device.WithGuard(ctrl, cfg.Device.OperationTimeoutDuration()))
		registered++
	}
	if len(cfg.Device.Devices) > 0 && registered == 0 {
		logger.L().Warn("没有任何设备接入成功，运行将在执行时报设备不可用")
	}

	// 规划器。
	plannerClient, err := createPlannerClient(cfg)
	if err != nil {
		return err
	}
	plan := planner.New(plannerClient,
		planner.WithMaxRetries(cfg.Planner.OpenAI.MaxRetries),
	)

	// 敏感操作规则与应用目录。
	table := safety.NewRuleTable()
	if cfg.Safety.RulesPath != "" {
		loaded, err := safety.LoadRules(cfg.Safety.RulesPath)
		if err != nil {
			return err
		}
		table = loaded
	}
	var catalog *apps.Catalog
	if cfg.Apps.CatalogPath != "" {
		loaded, err := apps.LoadCatalog(cfg.Apps.CatalogPath)
		if err != nil {
			return err
		}
		catalog = loaded
	}
	gate := safety.NewGate(table, catalog)

	orchestrator := agent.New(devices, plan,
		agent.WithGate(gate),
		agent.WithCatalog(catalog),
		agent.WithHistoryWindow(cfg.Planner.HistoryWindow),
	)

	// 认证。
	authSvc, err := createAuthService(ctx, cfg)
	if err != nil {
		return err
	}

	// 步骤归档。
	var stepArchive transcript.StepArchive
	switch cfg.Trace.Archive {
	case "", "file":
		archive, err := transcript.NewMemoryStepArchive(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		stepArchive = archive
	case "mysql":
		archive, err := transcript.NewSQLStepArchive(cfg.Trace.DSN)
		if err != nil {
			return err
		}
		stepArchive = archive
	case "none":
		stepArchive = nil
	default:
		return fmt.Errorf("未知的步骤归档驱动: %s", cfg.Trace.Archive)
	}
	defer closeQuietly(stepArchive, "步骤归档")

	traceCfg := transcript.Config{Dir: cfg.Trace.Dir, ImageDir: cfg.Trace.ImageDir}
	recorderFactory := func(runID string) agent.Recorder {
		recorders := make([]agent.Recorder, 0, 2)
		writer, err := transcript.NewWriter(traceCfg, runID)
		if err != nil {
			logger.L().Error("创建轨迹写入器失败",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		} else {
			recorders = append(recorders, writer)
		}
		if stepArchive != nil {
			recorders = append(recorders, transcript.NewArchiveRecorder(stepArchive, runID))
		}
		if len(recorders) == 0 {
			return nil
		}
		return transcript.Tee(recorders...)
	}

	// 告警：日志渠道始终开启，配置了回调地址时加挂 webhook。
	notifiers := []alerting.Notifier{alerting.NewLogNotifier()}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL))
	}
	dispatcher := alerting.NewFanout(notifiers...)

	service := run.NewService(store, queue, cfg.Storage.RunStore.Retries, cfg.Agent.StepBudget,
		run.WithDefaultLocale(cfg.Agent.Locale))
	gates := run.NewGateRegistry()
	processor := run.NewProcessor(orchestrator, store, queue, queue, gates,
		run.WithWorkerCount(cfg.RunQueue.Worker),
		run.WithRecoveryHandler(run.NewDeviceLossFallback()),
		run.WithAlertDispatcher(dispatcher),
		run.WithRecorderFactory(recorderFactory),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.String("error", err.Error()))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(api.Config{
		Addr:          cfg.Server.Address,
		TranscriptDir: cfg.Trace.Dir,
	}, service, gates, devices, authSvc)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createPlannerClient(cfg *config.Config) (planner.Client, error) {
	switch cfg.Planner.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.Planner.OpenAI.APIKey)
		if apiKey == "" && cfg.Planner.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Planner.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Planner.OpenAI.BaseURL,
			Model:   cfg.Planner.OpenAI.Model,
			Timeout: cfg.Planner.OpenAI.Timeout(),
		})
	case "bridge":
		return bridge.NewClient(cfg.Planner.Bridge.Command, cfg.Planner.Bridge.Args, cfg.Planner.Bridge.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的规划器 provider: %s", cfg.Planner.Provider)
	}
}

func createAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	tokens := make([]auth.StaticToken, 0, len(cfg.Auth.Tokens))
	for _, spec := range cfg.Auth.Tokens {
		token := strings.TrimSpace(spec.Token)
		if token == "" && spec.TokenEnv != "" {
			token = strings.TrimSpace(os.Getenv(spec.TokenEnv))
		}
		tokens = append(tokens, auth.StaticToken{
			Token:       token,
			Name:        spec.Name,
			Permissions: spec.Permissions,
		})
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, spec := range cfg.Auth.Seeds {
		password := spec.Password
		if password == "" && spec.PasswordEnv != "" {
			password = os.Getenv(spec.PasswordEnv)
		}
		seeds = append(seeds, auth.Seed{
			Username:    spec.Username,
			Password:    password,
			Roles:       spec.Roles,
			Permissions: spec.Permissions,
			Disabled:    spec.Disabled,
		})
	}

	secret := strings.TrimSpace(cfg.Auth.JWT.Secret)
	if secret == "" && cfg.Auth.JWT.SecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(cfg.Auth.JWT.SecretEnv))
	}

	var store auth.Store
	if auth.Mode(cfg.Auth.Mode) == auth.ModeJWT {
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	}

	return auth.NewService(ctx, auth.Config{
		Mode:   auth.Mode(cfg.Auth.Mode),
		Tokens: tokens,
		Seeds:  seeds,
		JWT: auth.JWTOptions{
			Secret:     secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
	}, store)
}

func closeQuietly(target any, name string) {
	closer, ok := target.(interface{ Close() error })
	if !ok || closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.L().Warn("关闭组件失败", slog.String("component", name), slog.String("error", err.Error()))
	}
}
