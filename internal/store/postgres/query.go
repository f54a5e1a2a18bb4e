package postgres

import (
	"fmt"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// listQuery appends the ListOpts time window, newest-first ordering and
// paging to a SELECT that already has a WHERE clause and len(args) bound
// parameters.
func listQuery(query string, args []any, opts domain.ListOpts) (string, []any) {
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Since != nil {
		query += " AND created_at >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND created_at <= " + next(*opts.Until)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}
