package loader

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/ClickHouse/clickhouse-go/v2/lib/proto"
	"github.com/avast/retry-go/v4"
	"github.com/kiltia/invoiceloader/config"
	"go.uber.org/zap"
)

// ClickhouseSummarySink mirrors the run summaries into a MergeTree table.
type ClickhouseSummarySink struct {
	Conn  driver.Conn
	table string
}

func NewClickhouseSummarySink(
	ctx context.Context,
	cfg config.ClickhouseConfig,
) (
	sink *ClickhouseSummarySink,
	version *proto.ServerHandshake,
	err error,
) {
	var conn driver.Conn
	zap.S().Debug("opening connection to the ClickHouse")
	conn, err = clickhouse.Open(
		&clickhouse.Options{
			Addr: []string{
				fmt.Sprintf(
					"%s:%s",
					cfg.Host,
					cfg.Port,
				),
			},
			Auth: clickhouse.Auth{
				Database: cfg.Database,
				Username: cfg.Credentials.Username,
				Password: cfg.Credentials.Password,
			},
		},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("opening connection to the ClickHouse: %w", err)
	}

	err = retry.Do(
		func() error {
			return conn.Ping(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(cfg.ConnectRetries, 0))+1),
		retry.OnRetry(func(n uint, err error) {
			zap.S().Warnw("pinging clickhouse", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	version, err = conn.ServerVersion()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("retrieving ClickHouse server version: %w", err)
	}
	return &ClickhouseSummarySink{Conn: conn, table: cfg.Table}, version, nil
}

func (s *ClickhouseSummarySink) InitTable(ctx context.Context) error {
	return s.Conn.Exec(ctx, summaryTableQuery(s.table))
}

func summaryTableQuery(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
(
    run_id String,
    ts DateTime64(3, 'UTC'),
    read_count UInt64,
    write_count UInt64,
    skip_count UInt64,
    status LowCardinality(String)
)
ENGINE = MergeTree
ORDER BY ts`, table)
}

func (s *ClickhouseSummarySink) AppendSummary(ctx context.Context, summary RunSummary) error {
	query := fmt.Sprintf("INSERT INTO %s", s.table)
	zap.S().Debugw(
		"sending query to the database",
		"query", query,
	)
	batch, err := s.Conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing summary batch: %w", err)
	}
	err = batch.Append(
		summary.RunID,
		summary.Timestamp,
		uint64(max(summary.Read, 0)),
		uint64(max(summary.Written, 0)),
		uint64(max(summary.Skipped, 0)),
		string(summary.Status),
	)
	if err != nil {
		return fmt.Errorf("appending summary row: %w", err)
	}
	return batch.Send()
}

func (s *ClickhouseSummarySink) Close() error {
	return s.Conn.Close()
}

// loadCreds reads base64 encoded credentials from CLICKHOUSE_USER and
// CLICKHOUSE_PASSWORD. Unset variables leave the configured values alone.
func loadCreds(backend string, creds *config.DatabaseCredentials) error {
	userEnv := fmt.Sprintf("%s_USER", strings.ToUpper(backend))
	passwordEnv := fmt.Sprintf("%s_PASSWORD", strings.ToUpper(backend))
	zap.S().
		Infow("loading credentials", "userEnv", userEnv, "passwordEnv", passwordEnv)
	if user, ok := os.LookupEnv(userEnv); ok {
		decoded, err := base64.StdEncoding.DecodeString(user)
		if err != nil {
			return fmt.Errorf("decoding username: %w", err)
		}
		creds.Username = string(decoded)
	}
	if password, ok := os.LookupEnv(passwordEnv); ok {
		decoded, err := base64.StdEncoding.DecodeString(password)
		if err != nil {
			return fmt.Errorf("decoding password: %w", err)
		}
		creds.Password = string(decoded)
	}
	return nil
}

// InitSummarySinks opens the optional summary mirrors. The CSV summary log is
// always part of a [Pipeline] and is not returned here.
func InitSummarySinks(ctx context.Context, cfg *config.Config) ([]SummarySink, error) {
	var sinks []SummarySink
	var errs []error

	if cfg.Clickhouse.Enabled {
		chCfg := cfg.Clickhouse
		if err := loadCreds("clickhouse", &chCfg.Credentials); err != nil {
			errs = append(errs, fmt.Errorf("loading credentials for backend clickhouse: %w", err))
		} else if sink, version, err := NewClickhouseSummarySink(ctx, chCfg); err != nil {
			errs = append(errs, fmt.Errorf("initializing clickhouse sink: %w", err))
		} else {
			zap.S().Infow(
				"created a new clickhouse client",
				"version", fmt.Sprintf("%v", version.Version),
			)
			if err := sink.InitTable(ctx); err != nil {
				zap.S().Warnw("summary table creation has failed", "error", err)
			}
			sinks = append(sinks, sink)
		}
	}

	if err := errors.Join(errs...); err != nil {
		CloseSinks(sinks)
		return nil, err
	}
	return sinks, nil
}

// CloseSinks closes every sink that holds a connection.
func CloseSinks(sinks []SummarySink) {
	for _, sink := range sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				zap.S().Warnw("closing summary sink", "error", err)
			}
		}
	}
}

var _ SummarySink = (*ClickhouseSummarySink)(nil)
