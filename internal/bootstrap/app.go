package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"inboxzero/internal/action"
	"inboxzero/internal/ai"
	"inboxzero/internal/config"
	"inboxzero/internal/llm"
	"inboxzero/internal/pipeline"
	"inboxzero/internal/provider"
	"inboxzero/internal/repository"
	"inboxzero/internal/scheduler"
	"inboxzero/internal/webhook"
	"inboxzero/pkg/crypto"
	"inboxzero/pkg/db"
	"inboxzero/pkg/mq"
	redisclient "inboxzero/pkg/redis"
	"inboxzero/pkg/util"
)

// ScheduledActionPath 延迟动作回调路径
const ScheduledActionPath = "/api/scheduled-actions/execute"

// App 进程共享的组件，server、worker 与 bulk-run 使用同一套装配
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Publisher *mq.Publisher

	Accounts  *repository.AccountRepository
	Rules     *repository.RuleRepository
	Executed  *repository.ExecutedRuleRepository
	Scheduled *repository.ScheduledActionRepository

	Providers *provider.Factory
	Executor  *action.Executor
	Scheduler *scheduler.Service
	Runner    *pipeline.Runner
	Learner   *webhook.Learner
	Processor *webhook.Processor
	// Verifier 仅 qstash 后端非空
	Verifier *scheduler.SignatureVerifier
}

// New 连接依赖并装配流水线；migrate 为 true 时先执行数据库迁移
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, migrate bool) (*App, error) {
	app := &App{Config: cfg, Logger: log}

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	app.DB = pool
	if migrate {
		if err := db.Migrate(ctx, pool, log); err != nil {
			app.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := redisclient.NewRedisClient(cfg.Redis)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	app.Redis = rdb

	if cfg.MQ.URL != "" {
		pub, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect mq: %w", err)
		}
		app.Publisher = pub
	}

	cipher, err := crypto.NewTokenCipher(cfg.Security.TokenEncryptionKey)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("token cipher: %w", err)
	}

	app.Accounts = repository.NewAccountRepository(pool, cipher)
	app.Rules = repository.NewRuleRepository(pool)
	app.Executed = repository.NewExecutedRuleRepository(pool)
	app.Scheduled = repository.NewScheduledActionRepository(pool)
	app.Providers = provider.NewFactory(cfg, app.Accounts, log)

	client, err := llm.NewOpenAIClient(cfg.LLM, log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("llm client: %w", err)
	}
	selector, err := ai.NewRuleSelector(client, log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("rule selector: %w", err)
	}
	args := ai.NewArgsGenerator(client, ai.NewDraftGenerator(client), log)

	app.Executor = action.NewExecutor(app.Executed, action.NewWebhookCaller(nil, cfg.Security.WebhookSecret), log)

	queue, err := app.queue()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Scheduler = scheduler.NewService(scheduler.Deps{
		Store:     app.Scheduled,
		Queue:     queue,
		Accounts:  app.Accounts,
		Providers: app.Providers,
		Runner:    app.Executor,
		Logger:    log,
	})

	app.Runner = pipeline.NewRunner(pipeline.Deps{
		Rules:     app.Rules,
		Selector:  selector,
		Args:      args,
		Executed:  app.Executed,
		Executor:  app.Executor,
		Scheduler: app.Scheduler,
		Logger:    log,
	})

	app.Learner = webhook.NewLearner(app.Executed, app.Rules, log)

	lockTTL := time.Duration(cfg.Intake.LockTTLSeconds) * time.Second
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	procDeps := webhook.Deps{
		Accounts:    app.Accounts,
		Rules:       app.Rules,
		Providers:   app.Providers,
		Lock:        util.NewProcessingLock(rdb, lockTTL, log),
		Executed:    app.Executed,
		Pipeline:    app.Runner,
		Learner:     app.Learner,
		Async:       cfg.Intake.Async,
		ClientState: cfg.Microsoft.ClientState,
		Logger:      log,
	}
	if app.Publisher != nil {
		procDeps.Events = app.Publisher
	}
	app.Processor = webhook.NewProcessor(procDeps)

	return app, nil
}

// queue 按配置选择延迟动作后端，未配置时返回 nil（调度失败关闭）
func (a *App) queue() (scheduler.Queue, error) {
	cfg := a.Config
	switch strings.ToLower(cfg.Scheduler.Backend) {
	case "qstash":
		if cfg.QStash.Token == "" {
			a.Logger.Warn("QStash token not configured, delayed actions disabled")
			return nil, nil
		}
		callback := strings.TrimRight(cfg.Server.BaseURL, "/") + ScheduledActionPath
		a.Verifier = scheduler.NewSignatureVerifier(cfg.QStash.CurrentSigningKey, cfg.QStash.NextSigningKey)
		return scheduler.NewQStashQueue(cfg.QStash, callback), nil
	case "amqp":
		if a.Publisher == nil {
			return nil, errors.New("scheduler backend amqp requires mq.url")
		}
		if err := a.Publisher.EnsureDelayedExchange(); err != nil {
			return nil, fmt.Errorf("declare delayed exchange: %w", err)
		}
		return scheduler.NewAMQPQueue(a.Publisher, a.Redis, a.Logger), nil
	case "":
		a.Logger.Warn("No scheduler backend configured, delayed actions disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", cfg.Scheduler.Backend)
	}
}

// Close 等待后台任务并释放连接
func (a *App) Close() {
	if a.Processor != nil {
		a.Processor.Wait()
	}
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
