// Package query runs ordered batches of named read-only queries against the
// ledger and returns their rows keyed by caller-chosen names.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kairon-os/kairon/internal/ledger"
)

// ErrInvalidBatch is wrapped by every error raised before a batch runs.
var ErrInvalidBatch = errors.New("invalid query batch")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Param is one positional argument of a named query.
type Param struct {
	Name     string
	Required bool
	Default  any
}

// Named is a registered read-only query. Args lists parameter names in
// placeholder order; a name may repeat.
type Named struct {
	SQL    string
	Params []Param
	Args   []string
}

// Request is one entry of a batch.
type Request struct {
	Key    string
	Query  string
	Params map[string]any
}

// Row maps column name to value. Byte slices are returned as strings.
type Row map[string]any

// String returns the column as a string, or "" if absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Result is the output of one request.
type Result struct {
	Rows  []Row `json:"rows"`
	Count int   `json:"count"`
}

// Results maps request key to result.
type Results map[string]Result

// BatchError reports the request that failed and every key left unexecuted.
type BatchError struct {
	Key     string
	Pending []string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("query batch failed at %q (pending: %s): %v", e.Key, strings.Join(e.Pending, ", "), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Gateway executes batches of named queries.
type Gateway struct {
	db      Querier
	dialect ledger.Dialect
	queries map[string]Named
}

// NewGateway returns a gateway with the built-in queries registered.
func NewGateway(db Querier, dialect ledger.Dialect) *Gateway {
	g := &Gateway{db: db, dialect: dialect, queries: make(map[string]Named, len(builtin))}
	for name, q := range builtin {
		g.queries[name] = q
	}
	return g
}

// Register adds or replaces a named query.
func (g *Gateway) Register(name string, q Named) {
	g.queries[name] = q
}

// Execute validates the whole batch, then runs each request strictly in
// order. Any query failure fails the batch and no results are returned.
func (g *Gateway) Execute(ctx context.Context, reqs []Request) (Results, error) {
	args, err := g.prepare(reqs)
	if err != nil {
		return nil, err
	}
	out := make(Results, len(reqs))
	for i, req := range reqs {
		q := g.queries[req.Query]
		res, err := g.run(ctx, q, args[i])
		if err != nil {
			pending := make([]string, 0, len(reqs)-i)
			for _, r := range reqs[i:] {
				pending = append(pending, r.Key)
			}
			slog.Warn("Query batch failed", "key", req.Key, "query", req.Query, "error", err)
			return nil, &BatchError{Key: req.Key, Pending: pending, Err: err}
		}
		out[req.Key] = res
	}
	return out, nil
}

// One runs a single named query.
func (g *Gateway) One(ctx context.Context, query string, params map[string]any) (Result, error) {
	res, err := g.Execute(ctx, []Request{{Key: query, Query: query, Params: params}})
	if err != nil {
		return Result{}, err
	}
	return res[query], nil
}

func (g *Gateway) prepare(reqs []Request) ([][]any, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	seen := make(map[string]bool, len(reqs))
	all := make([][]any, len(reqs))
	for i, req := range reqs {
		if req.Key == "" {
			return nil, fmt.Errorf("%w: request %d has no key", ErrInvalidBatch, i)
		}
		if seen[req.Key] {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidBatch, req.Key)
		}
		seen[req.Key] = true
		q, ok := g.queries[req.Query]
		if !ok {
			return nil, fmt.Errorf("%w: unknown query %q for key %q", ErrInvalidBatch, req.Query, req.Key)
		}
		args, err := bind(q, req.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidBatch, req.Key, err)
		}
		all[i] = args
	}
	return all, nil
}

func bind(q Named, params map[string]any) ([]any, error) {
	values := make(map[string]any, len(q.Params))
	for _, p := range q.Params {
		v, ok := params[p.Name]
		switch {
		case ok && v != nil:
			values[p.Name] = v
		case p.Required:
			return nil, fmt.Errorf("missing parameter %q", p.Name)
		default:
			values[p.Name] = p.Default
		}
	}
	for name := range params {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}
	args := make([]any, len(q.Args))
	for i, name := range q.Args {
		args[i] = values[name]
	}
	return args, nil
}

func (g *Gateway) run(ctx context.Context, q Named, args []any) (Result, error) {
	rows, err := g.db.QueryContext(ctx, g.dialect.Rebind(q.SQL), args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	res := Result{Rows: []Row{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[c] = string(v)
			case time.Time:
				row[c] = v.UTC()
			default:
				row[c] = v
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	res.Count = len(res.Rows)
	return res, nil
}
