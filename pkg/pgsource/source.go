// Package pgsource reads PostgreSQL tables with keyset pagination on an
// integer key column.
package pgsource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Sternrassler/queue-source/pkg/feeder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultKeyColumn is the keyset column when none is configured.
	DefaultKeyColumn = "id"
	// DefaultPageSize is used when a request carries no limit.
	DefaultPageSize = 100
)

// ErrInvalidToken is returned for tokens that are not a decimal key.
var ErrInvalidToken = errors.New("invalid postgres continuation token")

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Row is one table row keyed by column name.
type Row = map[string]any

// Source implements feeder.Client over a PostgreSQL database. Request.Target
// names the table, optionally schema qualified ("audit.events").
type Source struct {
	db        Querier
	keyColumn string
	logger    zerolog.Logger
}

// New creates a source paging on keyColumn, which must hold a unique
// integer. An empty keyColumn selects DefaultKeyColumn.
func New(db Querier, keyColumn string) *Source {
	if db == nil {
		panic("postgres querier cannot be nil")
	}
	if keyColumn == "" {
		keyColumn = DefaultKeyColumn
	}
	return &Source{
		db:        db,
		keyColumn: keyColumn,
		logger:    log.With().Str("component", "postgres-source").Logger(),
	}
}

// Scan implements feeder.Client.
func (s *Source) Scan(ctx context.Context, req feeder.Request) (feeder.Page[Row], error) {
	return s.page(ctx, req, "", nil)
}

// Query implements feeder.Client. Request.Condition is a SQL boolean
// expression whose placeholders start at $1 and bind Request.Args.
func (s *Source) Query(ctx context.Context, req feeder.Request) (feeder.Page[Row], error) {
	return s.page(ctx, req, req.Condition, req.Args)
}

func (s *Source) page(ctx context.Context, req feeder.Request, cond string, condArgs []any) (feeder.Page[Row], error) {
	after, err := parseToken(req.StartToken)
	if err != nil {
		return feeder.Page[Row]{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	sql, args, err := buildSelect(req.Target, s.keyColumn, cond, condArgs, after, limit)
	if err != nil {
		return feeder.Page[Row]{}, err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return feeder.Page[Row]{}, wrapError(req.Target, err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return feeder.Page[Row]{}, wrapError(req.Target, err)
	}

	page := feeder.Page[Row]{Items: items}
	if len(items) == limit {
		last, err := keyOf(items[len(items)-1], s.keyColumn)
		if err != nil {
			return feeder.Page[Row]{}, err
		}
		page.Next = feeder.NewToken(strconv.FormatInt(last, 10))
	}

	s.logger.Debug().
		Str("table", req.Target).
		Int("rows", len(items)).
		Bool("more", page.Next != nil).
		Msg("Fetched page")

	return page, nil
}

// buildSelect renders the keyset query. Condition placeholders keep their
// numbers; the keyset bound and limit are appended after them.
func buildSelect(table, keyColumn, cond string, condArgs []any, after *int64, limit int) (string, []any, error) {
	if table == "" {
		return "", nil, errors.New("postgres select: table is required")
	}

	key := pgx.Identifier{keyColumn}.Sanitize()
	args := append([]any(nil), condArgs...)

	var where []string
	if cond != "" {
		where = append(where, "("+cond+")")
	}
	if after != nil {
		args = append(args, *after)
		where = append(where, fmt.Sprintf("%s > $%d", key, len(args)))
	}
	args = append(args, limit)

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(pgx.Identifier(strings.Split(table, ".")).Sanitize())
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT $%d", key, len(args))

	return b.String(), args, nil
}

func parseToken(tok *feeder.Token) (*int64, error) {
	if tok == nil {
		return nil, nil
	}
	v, err := strconv.ParseInt(string(*tok), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToken, *tok)
	}
	return &v, nil
}

func keyOf(row Row, column string) (int64, error) {
	switch v := row[column].(type) {
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case nil:
		return 0, fmt.Errorf("key column %q missing from row", column)
	default:
		return 0, fmt.Errorf("key column %q has non-integer type %T", column, v)
	}
}

func wrapError(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres select %s: %s (SQLSTATE %s): %w", table, pgErr.Message, pgErr.Code, err)
	}
	return fmt.Errorf("postgres select %s: %w", table, err)
}
