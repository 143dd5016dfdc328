package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/retry"
)

// connectionLimitRetryAfter is the hint attached to "too many connections" errors, in seconds.
const connectionLimitRetryAfter = "1"

// mapError translates Postgres failures into the status codes the retry classifier reads:
// 404 missing, 429 connection pressure, 503 retryable, 409/400 rejected, 500 otherwise.
func mapError(err error, action string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("failed to %s: not found", action))
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		// driver and network failures
		return httperror.NewHTTPError(http.StatusServiceUnavailable, fmt.Sprintf("failed to %s: %v", action, err))
	}

	switch {
	case pqErr.Code == "53300":
		return httperror.NewHTTPError(http.StatusTooManyRequests, pgMessage(action, pqErr)).
			AddMetaValue(retry.MetaRetryAfter, connectionLimitRetryAfter).
			AddMetaValue("pg_code", string(pqErr.Code))
	case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57014", pqErr.Code == "57P01",
		pqErr.Code.Class() == "08":
		return pgError(http.StatusServiceUnavailable, action, pqErr)
	case pqErr.Code.Class() == "23":
		return pgError(http.StatusConflict, action, pqErr)
	case pqErr.Code.Class() == "22":
		return pgError(http.StatusBadRequest, action, pqErr)
	default:
		return pgError(http.StatusInternalServerError, action, pqErr)
	}
}

func pgError(status int, action string, pqErr *pq.Error) error {
	return httperror.NewHTTPError(status, pgMessage(action, pqErr)).AddMetaValue("pg_code", string(pqErr.Code))
}

func pgMessage(action string, pqErr *pq.Error) string {
	return fmt.Sprintf("failed to %s: %s", action, pqErr.Message)
}
