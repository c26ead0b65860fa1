package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/odvcencio/strata/pkg/drift"
	"github.com/odvcencio/strata/pkg/schema"
)

// SQLiteReader reads definitions from sqlite_master, which stores the
// original CREATE statement for every object.
type SQLiteReader struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteReader, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) Close() error { return r.db.Close() }

var sqliteTypeToKind = map[string]schema.Kind{
	"table":   schema.KindTable,
	"view":    schema.KindView,
	"index":   schema.KindIndex,
	"trigger": schema.KindTrigger,
}

const sqliteList = `
SELECT type, name FROM sqlite_master
WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
ORDER BY name`

func (r *SQLiteReader) ListObjects(ctx context.Context) ([]drift.ObjectRef, error) {
	rows, err := r.db.QueryContext(ctx, sqliteList)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var refs []drift.ObjectRef
	for rows.Next() {
		var typ, name string
		if err := rows.Scan(&typ, &name); err != nil {
			return nil, err
		}
		kind, ok := sqliteTypeToKind[typ]
		if !ok {
			continue
		}
		refs = append(refs, drift.ObjectRef{Kind: kind, Name: name})
	}
	return refs, rows.Err()
}

func (r *SQLiteReader) ReadDefinition(ctx context.Context, ref drift.ObjectRef) (string, error) {
	var typ string
	for sqliteType, kind := range sqliteTypeToKind {
		if kind == ref.Kind {
			typ = sqliteType
			break
		}
	}
	if typ == "" {
		return "", fmt.Errorf("catalog: unsupported sqlite object kind %q", ref.Kind)
	}

	var def string
	err := r.db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = ? AND name = ?`, typ, ref.Name).Scan(&def)
	if err != nil {
		return "", fmt.Errorf("read definition %s %s: %w", typ, ref.Name, err)
	}
	return def, nil
}
