//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

const (
	defaultPostgresImage = "postgres:16-alpine"
	postgresReadyTimeout = 45 * time.Second
)

// postgresContainer is a throwaway catalog database run through the Docker CLI.
type postgresContainer struct {
	id      string
	connStr string
}

func (c *postgresContainer) terminate() {
	exec.Command("docker", "rm", "-f", "-v", c.id).Run()
}

// startPostgresContainer starts QUALITY_TEST_PG_IMAGE (postgres:16-alpine by
// default) on a Docker-assigned loopback port and waits until it answers.
func startPostgresContainer(ctx context.Context) (*postgresContainer, error) {
	image := os.Getenv("QUALITY_TEST_PG_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	out, err := exec.CommandContext(ctx, "docker", "run", "-d",
		"--label", "quality-runner.test=integration",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=quality",
		"-e", "POSTGRES_PASSWORD=quality",
		"-e", "POSTGRES_DB=qualitytest",
		image,
	).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}
	c := &postgresContainer{id: strings.TrimSpace(string(out))}

	hostPort, err := mappedPort(ctx, c.id)
	if err != nil {
		c.terminate()
		return nil, err
	}
	c.connStr = fmt.Sprintf("postgres://quality:quality@%s/qualitytest?sslmode=disable", hostPort)

	if err := waitForPostgres(ctx, c.connStr); err != nil {
		c.terminate()
		return nil, fmt.Errorf("postgres in container %.12s: %w", c.id, err)
	}
	return c, nil
}

// mappedPort resolves the host address Docker bound to the container's 5432.
func mappedPort(ctx context.Context, id string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if host, port, err := net.SplitHostPort(strings.TrimSpace(line)); err == nil && host == "127.0.0.1" {
			return net.JoinHostPort(host, port), nil
		}
	}
	return "", fmt.Errorf("no loopback mapping for 5432 in %q", out)
}

// waitForPostgres retries a connection and a trivial query until the server
// has finished its init scripts.
func waitForPostgres(ctx context.Context, connStr string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = postgresReadyTimeout

	return backoff.Retry(func() error {
		connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		conn, err := pgx.Connect(connCtx, connStr)
		if err != nil {
			return err
		}
		defer conn.Close(connCtx)

		var one int
		return conn.QueryRow(connCtx, "SELECT 1").Scan(&one)
	}, backoff.WithContext(eb, ctx))
}
