// Package sql provides small, injection-safe SQL statement builders
// over core.IDatabase — the same shape as data/db/basic's SelectBuilder,
// extended with Insert/Update/Delete and routed through a dialect so
// LIMIT/quoting differences between sqlite/mysql/postgres don't leak
// into callers.
package sql

import (
	"context"
	"database/sql"

	core "eventsaga/data/db"
	"eventsaga/data/db/dialect"
)

// ISelectBuilder builds and optionally executes a SELECT statement.
type ISelectBuilder interface {
	From(table string) ISelectBuilder
	Where(cond string, args ...any) ISelectBuilder
	And(cond string, args ...any) ISelectBuilder
	Or(cond string, args ...any) ISelectBuilder
	GroupBy(cols ...string) ISelectBuilder
	OrderBy(expr string) ISelectBuilder
	Limit(n int) ISelectBuilder
	Offset(n int) ISelectBuilder
	ForUpdate() ISelectBuilder
	SkipLocked() ISelectBuilder
	Build() (string, []any)
	Query(ctx context.Context) (core.IRows, error)
	QueryRow(ctx context.Context) core.IRow
}

// IInsertBuilder builds and executes an INSERT statement.
type IInsertBuilder interface {
	Columns(cols ...string) IInsertBuilder
	Values(vals ...any) IInsertBuilder
	Build() (string, []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IUpdateBuilder builds and executes an UPDATE statement.
type IUpdateBuilder interface {
	Set(col string, val any) IUpdateBuilder
	SetMap(values map[string]any) IUpdateBuilder
	SetExpr(expr string, args ...any) IUpdateBuilder
	Where(cond string, args ...any) IUpdateBuilder
	Build() (string, []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IDeleteBuilder builds and executes a DELETE statement.
type IDeleteBuilder interface {
	Where(cond string, args ...any) IDeleteBuilder
	Limit(n int) IDeleteBuilder
	Build() (string, []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// NewSelect starts a SELECT builder against db, selecting cols (defaults
// to "*" when none are given).
func NewSelect(db core.IDatabase, cols ...string) ISelectBuilder {
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	return &selectBuilder{db: db, dialect: dialect.FromDatabase(db), cols: cols}
}

// NewInsert starts an INSERT builder against db targeting table.
func NewInsert(db core.IDatabase, table string) IInsertBuilder {
	return &insertBuilder{db: db, dialect: dialect.FromDatabase(db), table: table}
}

// NewUpdate starts an UPDATE builder against db targeting table.
func NewUpdate(db core.IDatabase, table string) IUpdateBuilder {
	return &updateBuilder{db: db, dialect: dialect.FromDatabase(db), table: table}
}

// NewDelete starts a DELETE builder against db targeting table.
func NewDelete(db core.IDatabase, table string) IDeleteBuilder {
	return &deleteBuilder{db: db, dialect: dialect.FromDatabase(db), table: table}
}
