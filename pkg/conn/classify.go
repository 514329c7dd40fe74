package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
)

const (
	codeDeadlock          = "40P01"
	codeLockNotAvailable  = "55P03"
	codeSerialization     = "40001"
	codeAdminShutdown     = "57P01"
	codeCrashShutdown     = "57P02"
	codeCannotConnectNow  = "57P03"
	classConnectionExcept = "08"
)

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isConnReset(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsTransient reports whether retrying the statement may succeed:
// connection resets, deadlocks, lock timeouts and serialization failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if sgerror.IsTransient(err) {
		return true
	}
	switch code := sqlState(err); {
	case code == codeDeadlock, code == codeLockNotAvailable, code == codeSerialization:
		return true
	case strings.HasPrefix(code, classConnectionExcept):
		return true
	case code != "":
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	return isConnReset(err)
}

// IsFatal reports whether the connection, and likely its pool, is broken
// beyond a retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch code := sqlState(err); {
	case code == codeAdminShutdown, code == codeCrashShutdown, code == codeCannotConnectNow:
		return true
	case strings.HasPrefix(code, classConnectionExcept):
		return true
	case code != "":
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Classify wraps a driver error as QueryExecutionError, marking it
// transient when a retry may succeed.
func Classify(err error, shardID string) error {
	if err == nil {
		return nil
	}
	var sgErr *sgerror.SgError
	if errors.As(err, &sgErr) {
		return err
	}
	ret := sgerror.Wrap(sgerror.SG_QUERY_EXECUTION, err).WithShard(shardID)
	if IsTransient(err) {
		ret.MarkTransient()
	}
	return ret
}
