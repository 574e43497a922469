package patch

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "modernc.org/sqlite"
)

const sqliteMIME = "application/vnd.sqlite3"

// sidecars are the companion files SQLite keeps next to a database. They
// describe the old file and must not outlive it.
var sidecars = []string{"-wal", "-shm", "-journal"}

// Dump is the logical content of a database: schema, rows, and the header
// fields that are not part of the schema.
type Dump struct {
	UserVersion   int64
	ApplicationID int64
	Statements    []string
}

type schemaObject struct {
	kind, name, sql string
}

// DumpDatabase reads a database file into SQL statements that recreate it.
func DumpDatabase(ctx context.Context, file string) (*Dump, error) {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	d := &Dump{}
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&d.UserVersion); err != nil {
		return nil, fmt.Errorf("failed to read user_version: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA application_id").Scan(&d.ApplicationID); err != nil {
		return nil, fmt.Errorf("failed to read application_id: %w", err)
	}

	objects, err := schema(ctx, db)
	if err != nil {
		return nil, err
	}

	var virtual []string
	for _, o := range objects {
		if o.kind == "table" && strings.HasPrefix(strings.ToUpper(o.sql), "CREATE VIRTUAL TABLE") {
			virtual = append(virtual, o.name)
		}
	}
	shadow := func(name string) bool {
		for _, v := range virtual {
			if strings.HasPrefix(name, v+"_") {
				return true
			}
		}
		return false
	}

	var tables []string
	hasSequence := false
	for _, o := range objects {
		if o.kind != "table" {
			continue
		}
		if o.name == "sqlite_sequence" {
			hasSequence = true
			continue
		}
		if strings.HasPrefix(o.name, "sqlite_") || shadow(o.name) {
			continue
		}
		d.Statements = append(d.Statements, o.sql+";")
		tables = append(tables, o.name)
	}

	for _, t := range tables {
		rows, err := tableRows(ctx, db, t)
		if err != nil {
			return nil, err
		}
		d.Statements = append(d.Statements, rows...)
	}

	if hasSequence {
		rows, err := tableRows(ctx, db, "sqlite_sequence")
		if err != nil {
			return nil, err
		}
		d.Statements = append(d.Statements, "DELETE FROM sqlite_sequence;")
		d.Statements = append(d.Statements, rows...)
	}

	for _, o := range objects {
		if o.kind != "table" && !shadow(o.name) {
			d.Statements = append(d.Statements, o.sql+";")
		}
	}
	return d, nil
}

func schema(ctx context.Context, db *sql.DB) ([]schemaObject, error) {
	rows, err := db.QueryContext(ctx, "SELECT type, name, sql FROM sqlite_master WHERE sql IS NOT NULL ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	defer rows.Close()

	var out []schemaObject
	for rows.Next() {
		var o schemaObject
		if err := rows.Scan(&o.kind, &o.name, &o.sql); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func tableRows(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	cols, err := columns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(cols))
	selects := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		selects[i] = "quote(" + quoteIdent(c) + ")"
	}
	rows, err := db.QueryContext(ctx, "SELECT "+strings.Join(selects, ", ")+" FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	defer rows.Close()

	prefix := "INSERT INTO " + quoteIdent(table) + " (" + strings.Join(quoted, ", ") + ") VALUES ("
	values := make([]string, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	var out []string
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to read row of %s: %w", table, err)
		}
		out = append(out, prefix+strings.Join(values, ", ")+");")
	}
	return out, rows.Err()
}

func columns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// RestoreDatabase creates file from a dump and checks its integrity.
func RestoreDatabase(ctx context.Context, file string, d *Dump) error {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range d.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to replay statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", d.UserVersion)); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA application_id = %d", d.ApplicationID)); err != nil {
		return err
	}

	var status string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("integrity check failed: %s", status)
	}
	return nil
}

// PatchRelationalStore rewrites self-references in an SQLite database. The
// database is dumped to SQL, the statements are rewritten, and a fresh
// database is built from them and checked before it replaces the original.
func (p *Patcher) PatchRelationalStore(ctx context.Context, artifact string, sub *Substitution) Result {
	return p.done(string(kindRelational), p.patchRelational(ctx, artifact, sub))
}

func (p *Patcher) patchRelational(ctx context.Context, artifact string, sub *Substitution) Result {
	local, found, err := p.fetch(ctx, artifact, "db", "-wal")
	if err != nil {
		return failed(artifact, "read", "could not stage artifact", err)
	}
	if !found {
		return unchanged(artifact, "not present")
	}
	defer removeDatabase(local)

	mt, err := mimetype.DetectFile(local)
	if err != nil {
		return failed(artifact, "read", "could not inspect staged copy", err)
	}
	if !mt.Is(sqliteMIME) {
		return failed(artifact, "validate", fmt.Sprintf("not an SQLite database (detected %s)", mt.String()), nil)
	}

	dump, err := DumpDatabase(ctx, local)
	if err != nil {
		return failed(artifact, "dump", "could not read database", err)
	}
	replaced := 0
	for i, stmt := range dump.Statements {
		out, n := sub.Apply(stmt)
		dump.Statements[i] = out
		replaced += n
	}
	if replaced == 0 {
		return unchanged(artifact, "no references to rewrite")
	}

	fresh := p.area.Temp("db-patched")
	defer removeDatabase(fresh)
	if err := RestoreDatabase(ctx, fresh, dump); err != nil {
		return failed(artifact, "rebuild", "patched database failed to rebuild; original kept", err)
	}
	if err := p.commit(ctx, fresh, artifact, sidecars...); err != nil {
		return failed(artifact, "write", "could not replace artifact", err)
	}
	return Result{Artifact: artifact, Success: true, Message: fmt.Sprintf("rewrote %d references", replaced), Replaced: replaced}
}

func removeDatabase(file string) {
	os.Remove(file)
	for _, s := range sidecars {
		os.Remove(file + s)
	}
}
