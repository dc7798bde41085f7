// Package testutil starts the throwaway backend containers used by the
// integration tests. Each container is started at most once per test binary
// and reaped by testcontainers when the binary exits.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// containerTimeout is generous on purpose for CI environments.
const containerTimeout = 3 * time.Minute

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *sharedContainer) get(t *testing.T, kind string, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in -short mode", kind)
	}

	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), containerTimeout)
		defer cancel()
		c.endpoint, c.err = start(ctx)
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", kind, c.err)
	}
	return c.endpoint
}

var (
	redisC    sharedContainer
	postgresC sharedContainer
	mongoC    sharedContainer
)

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisC.get(t, "redis", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		return c.Endpoint(ctx, "")
	})
}

// GetPostgresDSN returns a pgx DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgresC.get(t, "postgres", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Actively verify SQL connectivity using the mapped host:port.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://payflow:payflow@%s:%s/payflow_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "payflow",
				"POSTGRES_PASSWORD": "payflow",
				"POSTGRES_DB":       "payflow_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("postgres://payflow:payflow@%s/payflow_test?sslmode=disable", endpoint), nil
	})
}

// GetMongoURI returns a connection URI for a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoC.get(t, "mongo", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			return "", err
		}
		return "mongodb://" + endpoint, nil
	})
}
