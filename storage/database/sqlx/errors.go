package sqlxrepos

import (
	"database/sql"
	"database/sql/driver"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core/billing"
)

// isUniqueViolation reports whether err is a unique constraint violation on `column`.
func isUniqueViolation(err error, column string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, column)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(liteErr.Error(), "."+column)
	}
	return false
}

// trapNoRowsErr maps "no rows" to billing.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrNotFound
	}
	return storeErr(err, msg)
}

// storeErr flags transient connection failures as billing.ErrStoreUnavailable.
func storeErr(err error, msg string) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return errors.Wrap(billing.ErrStoreUnavailable, msg+": "+err.Error())
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked) {
		return errors.Wrap(billing.ErrStoreUnavailable, msg+": "+err.Error())
	}
	return billing.StoreError(err, msg)
}
