package data

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"backend/internal/scan"
)

// classifyExecError maps a pgx/pgconn failure onto the same scan.ErrorKind
// taxonomy the fetch/circuit-breaker path uses, so a store-layer
// caller can branch on scan.KindOf instead of re-deriving a second,
// store-specific notion of "is this transient."
func classifyExecError(err error) scan.ErrorKind {
	if err == nil {
		return scan.KindUnknown
	}

	if pgErr, ok := err.(*pgconn.PgError); ok {
		// Connection-related SQLSTATE classes:
		// 08xxx - Connection Exception
		// 57P01 - Admin Shutdown
		// 57P02 - Crash Shutdown
		// 57P03 - Cannot Connect Now
		sqlState := pgErr.Code
		if strings.HasPrefix(sqlState, "08") || sqlState == "57P01" || sqlState == "57P02" || sqlState == "57P03" {
			return scan.KindNetwork
		}
		return scan.KindUnknown
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "timeout") {
		return scan.KindTimeout
	}
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"unexpected eof",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"connection lost",
		"server closed the connection",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(errStr, keyword) {
			return scan.KindNetwork
		}
	}
	return scan.KindUnknown
}

func isConnectionKind(kind scan.ErrorKind) bool {
	return kind == scan.KindNetwork || kind == scan.KindTimeout
}

// ExecWithRetry executes a SQL statement with an exponential-backoff retry strategy.
// It is meant for transient network/database errors such as unexpected EOF.
// The function retries up to maxAttempts before giving up and returning the last error.
// A cancelled context immediately aborts further retries.
// Connection errors get extended retry attempts with longer backoff periods, and the
// final error is returned as a *scan.KindedError carrying the classification.
func ExecWithRetry(ctx context.Context, db *pgxpool.Pool, query string, args ...interface{}) (pgconn.CommandTag, error) {
	const maxAttempts = 5
	const maxConnectionAttempts = 10 // Extended attempts for connection errors
	var backoff = 500 * time.Millisecond

	var tag pgconn.CommandTag
	var err error
	var kind scan.ErrorKind

	for attempt := 1; attempt <= maxConnectionAttempts; attempt++ {
		tag, err = db.Exec(ctx, query, args...)
		if err == nil {
			return tag, nil
		}

		// Abort retries for non-transient errors such as undefined column (SQLSTATE 42703).
		if pgErr, ok := err.(*pgconn.PgError); ok {
			if pgErr.Code == "42703" {
				// Undefined column – retrying won't help.
				return tag, scan.NewKindedError(scan.KindBadPayload, "exec", err)
			}
		}

		// Abort early if the context has been cancelled.
		if ctx.Err() != nil {
			return tag, scan.NewKindedError(scan.KindAborted, "exec", ctx.Err())
		}

		kind = classifyExecError(err)
		isConnErr := isConnectionKind(kind)
		maxAttemptsForThisError := maxAttempts
		if isConnErr {
			maxAttemptsForThisError = maxConnectionAttempts
		}

		// Stop retrying if we've exceeded the limit for this error type
		if attempt >= maxAttemptsForThisError {
			break
		}

		log.Printf("Exec failed (attempt %d/%d, kind=%s): %v", attempt, maxAttemptsForThisError, kind, err)

		// Use longer backoff for connection errors
		currentBackoff := backoff
		if isConnErr && attempt > maxAttempts {
			// For connection errors beyond normal attempts, use longer backoff
			currentBackoff = backoff * 3
		}

		time.Sleep(currentBackoff)
		backoff *= 2 // exponential back-off

		// Cap backoff at reasonable maximum
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return tag, scan.NewKindedError(kind, "exec", err)
}
