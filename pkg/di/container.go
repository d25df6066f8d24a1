package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"crisis-intervention/backend/internal/crisis"
	"crisis-intervention/backend/internal/events"
	"crisis-intervention/backend/internal/notify"
	"crisis-intervention/backend/internal/persistence"
	"crisis-intervention/backend/internal/risk"
	"crisis-intervention/backend/internal/session"
	"crisis-intervention/backend/internal/specialist"
	"crisis-intervention/backend/internal/ws"
	"crisis-intervention/backend/pkg/config"
	"crisis-intervention/backend/pkg/crypto"
	"crisis-intervention/backend/pkg/health"
	"crisis-intervention/backend/pkg/logger"
	"crisis-intervention/backend/pkg/middleware"
	"crisis-intervention/backend/pkg/resilience"
	"crisis-intervention/backend/pkg/secrets"
	sharedredis "crisis-intervention/backend/shared/redis"
)

// Container holds all the dependencies for the application
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	// Optional collaborators; nil when disabled
	DB    *gorm.DB
	Redis *sharedredis.RedisClient
	AMQP  *notify.AMQPNotifier

	Store        *session.MemoryStore
	Registry     *specialist.MemoryRegistry
	Matcher      *specialist.Matcher
	Classifier   *crisis.Classifier
	Risk         *risk.Engine
	Keys         *crypto.KeyRing
	Notifier     notify.Notifier
	Events       events.Publisher
	Hub          *ws.Hub
	Health       *health.Checker
	HTTPLimiter  *middleware.RateLimiter
	EventLimiter *middleware.RateLimiter

	closers []func() error
}

// Option customises container construction
type Option func(*options)

type options struct {
	db      *gorm.DB
	secrets secrets.Manager
}

// WithDB injects an open database instead of dialing Postgres
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithSecrets injects the secrets manager used for the master key
func WithSecrets(m secrets.Manager) Option {
	return func(o *options) { o.secrets = m }
}

// New creates a new dependency injection container. Collaborators that are
// disabled in cfg are replaced by their no-op or logging variants.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Container, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{
		Config:   cfg,
		Logger:   log,
		Registry: specialist.NewMemoryRegistry(),
		Health:   health.NewChecker(log, 30*time.Second),
	}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	persister, err := c.setupPersistence(o.db)
	if err != nil {
		return nil, err
	}
	c.Store = session.NewMemoryStore(
		session.WithPersister(persister),
		session.WithLogger(log),
		session.WithDefaultLanguage(cfg.Crisis.DefaultLanguage),
	)

	if err := c.setupEvents(ctx); err != nil {
		return nil, err
	}
	if err := c.setupNotifier(); err != nil {
		return nil, err
	}
	if err := c.setupEncryption(ctx, o.secrets); err != nil {
		return nil, err
	}

	tiers := crisis.DefaultTiers()
	if cfg.Crisis.TiersFile != "" {
		if tiers, err = crisis.LoadTiers(cfg.Crisis.TiersFile); err != nil {
			return nil, err
		}
	}
	c.Classifier = crisis.NewClassifier(tiers)

	c.Risk = risk.NewEngine(risk.DefaultQuestions(), risk.Thresholds{
		Low:    cfg.Crisis.LowThreshold,
		Medium: cfg.Crisis.MediumThreshold,
	})

	matchCfg := specialist.DefaultMatchConfig()
	matchCfg.ResponseTimeCap = cfg.Crisis.ResponseTimeCap
	matchCfg.CrisisTag = cfg.Crisis.CrisisTag
	c.Matcher = specialist.NewMatcher(c.Registry, matchCfg)

	c.HTTPLimiter = middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.RateLimit),
		Burst:          cfg.Security.RateLimitBurst,
		ExpiryDuration: 10 * time.Minute,
	})
	c.EventLimiter = middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.EventRateLimit),
		Burst:          cfg.Security.EventRateBurst,
		ExpiryDuration: 10 * time.Minute,
	})

	c.Hub, err = ws.NewHub(ws.ConfigFrom(cfg), ws.Deps{
		Store:      c.Store,
		Registry:   c.Registry,
		Matcher:    c.Matcher,
		Classifier: c.Classifier,
		Keys:       c.Keys,
		Notifier:   c.Notifier,
		Events:     c.Events,
		Limiter:    c.EventLimiter,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	ok = true
	return c, nil
}

func (c *Container) setupPersistence(db *gorm.DB) (persistence.Persister, error) {
	if db == nil && c.Config.Database.Enabled {
		var err error
		if db, err = config.NewDB(c.Config); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}
	if db == nil {
		c.Logger.Info("Persistence disabled, sessions live in memory only")
		return persistence.Nop{}, nil
	}

	c.DB = db
	store := persistence.NewGorm(db)
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	c.Health.RegisterPingCheck("database", true, func(context.Context) error {
		return config.TestConnection(db)
	})
	return store, nil
}

func (c *Container) setupEvents(ctx context.Context) error {
	if !c.Config.Redis.Enabled {
		c.Events = events.Nop{}
		return nil
	}
	client, err := sharedredis.NewRedisClient(ctx, sharedredis.Options{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.Redis = client
	c.closers = append(c.closers, client.Close)
	c.Events = events.NewRedisPublisher(client, c.Config.Redis.Channel, c.Logger)
	c.Health.RegisterPingCheck("redis", false, client.Ping)
	return nil
}

func (c *Container) setupNotifier() error {
	fallback := notify.NewLogNotifier(c.Logger)
	if !c.Config.AMQP.Enabled {
		c.Notifier = fallback
		return nil
	}
	amqpNotifier, err := notify.NewAMQPNotifier(c.Config.AMQP.URL, c.Config.AMQP.Queue)
	if err != nil {
		return fmt.Errorf("failed to connect to amqp: %w", err)
	}
	c.AMQP = amqpNotifier
	c.closers = append(c.closers, amqpNotifier.Close)
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("amqp-alerts"), c.Logger)
	c.Notifier = notify.NewBreakerNotifier(amqpNotifier, breaker, fallback)
	c.Health.RegisterPingCheck("amqp", false, amqpNotifier.Ping)
	return nil
}

// setupEncryption loads the master key. Outside production a missing key is
// replaced by an ephemeral one, which makes earlier wrapped keys unreadable
// after a restart.
func (c *Container) setupEncryption(ctx context.Context, m secrets.Manager) error {
	if !c.Config.Encryption.Enabled {
		c.Logger.Info("Message encryption disabled")
		return nil
	}
	if m == nil {
		vm, err := secrets.NewVaultManager(secrets.VaultConfigFrom(c.Config), c.Logger)
		if err != nil {
			return fmt.Errorf("failed to create secrets manager: %w", err)
		}
		m = vm
	}

	master, err := secrets.MasterKey(ctx, m, c.Config.Encryption.KeyName)
	if errors.Is(err, secrets.ErrSecretNotFound) && !c.Config.IsProduction() {
		c.Logger.Warn("No master encryption key configured, using an ephemeral key", "key", c.Config.Encryption.KeyName)
		master, err = crypto.GenerateKey()
	}
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}

	c.Keys, err = crypto.NewKeyRing(master)
	return err
}

// Close releases external connections
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}
