package payflow

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/payflow/internal/config"
	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/internal/taskqueue"
)

// NewInMemoryRuntime returns a Runtime whose history, entity state and
// queue live in process memory.
func NewInMemoryRuntime(opts ...Option) (*Runtime, error) {
	store := persistence.NewInMemoryStore()
	return newRuntime(persistence.Persistence{History: store, Entities: store},
		taskqueue.NewInMemoryQueue(1024), opts...)
}

// NewSQLiteRuntime returns a Runtime persisting history, entity state and
// queued tasks in db. SQLite allows a single writer, so db should have
// SetMaxOpenConns(1).
func NewSQLiteRuntime(db *sql.DB, opts ...Option) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(persistence.Persistence{History: store, Entities: store}, queue, opts...)
}

// NewPostgresRuntime returns a Runtime backed by PostgreSQL through the pgx
// database/sql driver.
func NewPostgresRuntime(db *sql.DB, opts ...Option) (*Runtime, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(persistence.Persistence{History: store, Entities: store}, queue, opts...)
}

// NewRedisRuntime returns a Runtime keeping everything in Redis under
// prefix (default "payflow:").
func NewRedisRuntime(client *redis.Client, prefix string, opts ...Option) (*Runtime, error) {
	store := persistence.NewRedisStore(client, prefix)
	return newRuntime(persistence.Persistence{History: store, Entities: store},
		taskqueue.NewRedisQueue(client, prefix), opts...)
}

// NewMongoRuntime returns a Runtime keeping everything in the MongoDB
// database dbName (default "payflow").
func NewMongoRuntime(client *mongo.Client, dbName string, opts ...Option) (*Runtime, error) {
	store := persistence.NewMongoStore(client, dbName)
	return newRuntime(persistence.Persistence{History: store, Entities: store},
		taskqueue.NewMongoQueue(client, dbName, ""), opts...)
}

// retryFromConfig is the salary pipeline retry policy: cfg.RetryAttempts
// attempts, cfg.RetryInterval apart.
func retryFromConfig(cfg config.Config) RetryPolicy {
	return Retry(cfg.RetryAttempts).WithConstantBackoff(cfg.RetryInterval).Policy()
}

// Open connects to the backend selected by cfg and returns a Runtime that
// owns the connection; Close releases it.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	opts = append([]Option{
		WithRetryPolicy(retryFromConfig(cfg)),
		WithPurgeDelay(cfg.PurgeDelay),
		WithRetention(cfg.Retention),
		WithSweepSchedule(cfg.SweepSchedule),
	}, opts...)

	var (
		rt     *Runtime
		err    error
		closer func() error
	)

	switch cfg.Backend {
	case config.BackendMemory:
		rt, err = NewInMemoryRuntime(opts...)

	case config.BackendSQLite:
		db, openErr := sql.Open("sqlite", cfg.SQLitePath)
		if openErr != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, openErr)
		}
		db.SetMaxOpenConns(1)
		closer = db.Close
		rt, err = NewSQLiteRuntime(db, opts...)

	case config.BackendPostgres:
		db, openErr := sql.Open("pgx", cfg.PostgresDSN)
		if openErr != nil {
			return nil, fmt.Errorf("open postgres: %w", openErr)
		}
		if pingErr := db.PingContext(ctx); pingErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", pingErr)
		}
		closer = db.Close
		rt, err = NewPostgresRuntime(db, opts...)

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, pingErr)
		}
		closer = client.Close
		rt, err = NewRedisRuntime(client, cfg.RedisPrefix, opts...)

	case config.BackendMongo:
		client, connErr := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if connErr != nil {
			return nil, fmt.Errorf("connect mongo: %w", connErr)
		}
		if pingErr := client.Ping(ctx, nil); pingErr != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ping mongo: %w", pingErr)
		}
		closer = func() error { return client.Disconnect(context.Background()) }
		rt, err = NewMongoRuntime(client, cfg.MongoDatabase, opts...)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}
	return rt, nil
}
