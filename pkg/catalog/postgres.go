// Package catalog provides CatalogReader adapters over live databases so
// drift detection can compare snapshots against authoritative definitions.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/odvcencio/strata/pkg/drift"
	"github.com/odvcencio/strata/pkg/schema"
)

// PostgresReader reads definitions from PostgreSQL system catalogs. Table
// definitions are synthesized from information_schema plus pg_constraint;
// views, functions, indexes and triggers use the pg_get_*def helpers.
type PostgresReader struct {
	db      *sql.DB
	schemas []string
}

// OpenPostgres connects to the given DSN. With no schemas, "public" is
// tracked.
func OpenPostgres(dsn string, schemas ...string) (*PostgresReader, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	return &PostgresReader{db: db, schemas: schemas}, nil
}

func (r *PostgresReader) Close() error { return r.db.Close() }

const pgListRelations = `
SELECT n.nspname, c.relname, c.relkind::text
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = ANY($1)
  AND c.relkind IN ('r', 'v', 'm', 'i', 'S')
  AND NOT EXISTS (
    SELECT 1 FROM pg_catalog.pg_depend d
    WHERE d.objid = c.oid AND d.deptype = 'i'
  )`

const pgListRoutines = `
SELECT n.nspname, p.proname, p.prokind::text
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = ANY($1) AND p.prokind IN ('f', 'p')`

const pgListTriggers = `
SELECT n.nspname, t.tgname
FROM pg_catalog.pg_trigger t
JOIN pg_catalog.pg_class c ON c.oid = t.tgrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = ANY($1) AND NOT t.tgisinternal`

var pgRelkindToKind = map[string]schema.Kind{
	"r": schema.KindTable,
	"v": schema.KindView,
	"m": schema.KindMaterializedView,
	"i": schema.KindIndex,
	"S": schema.KindSequence,
}

func (r *PostgresReader) ListObjects(ctx context.Context) ([]drift.ObjectRef, error) {
	var refs []drift.ObjectRef

	rows, err := r.db.QueryContext(ctx, pgListRelations, r.schemas)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nsp, name, relkind string
		if err := rows.Scan(&nsp, &name, &relkind); err != nil {
			return nil, err
		}
		kind, ok := pgRelkindToKind[relkind]
		if !ok {
			continue
		}
		refs = append(refs, drift.ObjectRef{Kind: kind, Name: nsp + "." + name})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	routines, err := r.db.QueryContext(ctx, pgListRoutines, r.schemas)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer routines.Close()
	for routines.Next() {
		var nsp, name, prokind string
		if err := routines.Scan(&nsp, &name, &prokind); err != nil {
			return nil, err
		}
		kind := schema.KindFunction
		if prokind == "p" {
			kind = schema.KindProcedure
		}
		refs = append(refs, drift.ObjectRef{Kind: kind, Name: nsp + "." + name})
	}
	if err := routines.Err(); err != nil {
		return nil, err
	}

	triggers, err := r.db.QueryContext(ctx, pgListTriggers, r.schemas)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer triggers.Close()
	for triggers.Next() {
		var nsp, name string
		if err := triggers.Scan(&nsp, &name); err != nil {
			return nil, err
		}
		refs = append(refs, drift.ObjectRef{Kind: schema.KindTrigger, Name: nsp + "." + name})
	}
	return refs, triggers.Err()
}

func (r *PostgresReader) ReadDefinition(ctx context.Context, ref drift.ObjectRef) (string, error) {
	nsp, name, ok := strings.Cut(ref.Name, ".")
	if !ok {
		return "", fmt.Errorf("catalog: unqualified postgres object name %q", ref.Name)
	}
	switch ref.Kind {
	case schema.KindTable:
		return r.tableDefinition(ctx, nsp, name)
	case schema.KindView:
		return r.queryDef(ctx,
			fmt.Sprintf("create view %s.%s as ", nsp, name),
			`SELECT pg_get_viewdef(($1 || '.' || $2)::regclass, true)`, nsp, name)
	case schema.KindMaterializedView:
		return r.queryDef(ctx,
			fmt.Sprintf("create materialized view %s.%s as ", nsp, name),
			`SELECT definition FROM pg_matviews WHERE schemaname = $1 AND matviewname = $2`, nsp, name)
	case schema.KindFunction, schema.KindProcedure:
		return r.queryDef(ctx, "",
			`SELECT pg_get_functiondef(p.oid)
			 FROM pg_catalog.pg_proc p
			 JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
			 WHERE n.nspname = $1 AND p.proname = $2`, nsp, name)
	case schema.KindIndex:
		return r.queryDef(ctx, "",
			`SELECT pg_get_indexdef(($1 || '.' || $2)::regclass)`, nsp, name)
	case schema.KindSequence:
		return fmt.Sprintf("create sequence %s.%s", nsp, name), nil
	case schema.KindTrigger:
		return r.queryDef(ctx, "",
			`SELECT pg_get_triggerdef(t.oid)
			 FROM pg_catalog.pg_trigger t
			 JOIN pg_catalog.pg_class c ON c.oid = t.tgrelid
			 JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			 WHERE n.nspname = $1 AND t.tgname = $2`, nsp, name)
	}
	return "", fmt.Errorf("catalog: unsupported postgres object kind %q", ref.Kind)
}

func (r *PostgresReader) queryDef(ctx context.Context, prefix, query string, args ...any) (string, error) {
	var def string
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&def); err != nil {
		return "", fmt.Errorf("read definition: %w", err)
	}
	return prefix + def, nil
}

const pgColumns = `
SELECT column_name, data_type,
       COALESCE(character_maximum_length, 0),
       is_nullable, COALESCE(column_default, '')
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

const pgConstraints = `
SELECT pg_get_constraintdef(con.oid)
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2
ORDER BY con.conname`

// tableDefinition synthesizes a CREATE TABLE statement from the catalogs.
// The exact rendering does not matter as long as it is deterministic, since
// both sides of a drift comparison pass through normalization.
func (r *PostgresReader) tableDefinition(ctx context.Context, nsp, name string) (string, error) {
	rows, err := r.db.QueryContext(ctx, pgColumns, nsp, name)
	if err != nil {
		return "", fmt.Errorf("read columns: %w", err)
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var col, typ, nullable, def string
		var maxLen int
		if err := rows.Scan(&col, &typ, &maxLen, &nullable, &def); err != nil {
			return "", err
		}
		item := col + " " + typ
		if maxLen > 0 {
			item += fmt.Sprintf("(%d)", maxLen)
		}
		if nullable == "NO" {
			item += " not null"
		}
		if def != "" {
			item += " default " + def
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("catalog: table %s.%s has no columns", nsp, name)
	}

	cons, err := r.db.QueryContext(ctx, pgConstraints, nsp, name)
	if err != nil {
		return "", fmt.Errorf("read constraints: %w", err)
	}
	defer cons.Close()
	for cons.Next() {
		var def string
		if err := cons.Scan(&def); err != nil {
			return "", err
		}
		items = append(items, def)
	}
	if err := cons.Err(); err != nil {
		return "", err
	}

	return fmt.Sprintf("create table %s.%s (%s)", nsp, name, strings.Join(items, ", ")), nil
}
