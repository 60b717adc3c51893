package laketesting

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

// ClickHouseDB describes a running ClickHouse test container.
type ClickHouseDB struct {
	Addr     string
	Database string
	Username string
	Password string
	Conn     driver.Conn
}

// NewClickHouse starts a ClickHouse container and returns its address and
// an admin connection.
func NewClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	db := &ClickHouseDB{Database: "test", Username: "default", Password: "password"}

	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			"clickhouse/clickhouse-server:latest",
			tcch.WithDatabase(db.Database),
			tcch.WithUsername(db.Username),
			tcch.WithPassword(db.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		break
	}
	if container == nil {
		t.Fatalf("failed to start ClickHouse container after retries: %v", lastErr)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to cleanup clickhouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, nat.Port("9000/tcp"))
	require.NoError(t, err)
	db.Addr = fmt.Sprintf("%s:%s", host, mappedPort.Port())

	// ClickHouse may need a moment after container start to accept connections.
	for attempt := 1; attempt <= 3; attempt++ {
		conn, err := clickhouse.Open(&clickhouse.Options{
			Addr: []string{db.Addr},
			Auth: clickhouse.Auth{Database: db.Database, Username: db.Username, Password: db.Password},
		})
		if err == nil {
			err = conn.Ping(ctx)
		}
		if err != nil {
			if isRetryableConnectionErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		db.Conn = conn
		break
	}
	t.Cleanup(func() { _ = db.Conn.Close() })

	return db
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}

func isRetryableConnectionErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "handshake") ||
		strings.Contains(s, "failed to ping") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "EOF") ||
		strings.Contains(s, "dial tcp")
}
