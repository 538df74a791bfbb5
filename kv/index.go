package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	manifestName = "manifest.db"
	walSuffix    = "-wal"
	shmSuffix    = "-shm"

	// maxInArgs bounds the number of bound parameters in one "IN (...)" query.
	maxInArgs = 500
)

const schema = `
pragma journal_mode = wal;
pragma synchronous = normal;
create table if not exists manifest (
	key               text primary key,
	filename          text,
	size              integer,
	inline_data       blob,
	modification_time integer,
	last_access_time  integer
);
create index if not exists last_access_time_idx on manifest(last_access_time);
`

// row is a manifest row. value is nil when the row was read without inline
// data or holds a file reference.
type row struct {
	key        string
	filename   string
	size       int64
	value      []byte
	modTime    int64
	accessTime int64
}

// sample is the slice of a row the eviction scans need.
type sample struct {
	key      string
	filename string
	size     int64
}

// index is the SQLite manifest. It owns one connection and a prepared
// statement cache; it is not safe for concurrent use.
type index struct {
	path  string
	db    *sql.DB
	stmts map[string]*sql.Stmt

	// checkpoints counts successful WAL checkpoints.
	checkpoints int
}

func newIndex(path string) *index {
	return &index{path: path, stmts: make(map[string]*sql.Stmt)}
}

func (x *index) isOpen() bool { return x.db != nil }

// open opens the database and applies the schema.
func (x *index) open(ctx context.Context) error {
	if x.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", x.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", x.path, err)
	}
	// One connection: pragmas are per-connection and the store is single-owner.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	x.db = db

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// close finalises cached statements and closes the database.
func (x *index) close() error {
	if x.db == nil {
		return nil
	}
	var errs []error
	for q, st := range x.stmts {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(x.stmts, q)
	}
	errs = append(errs, x.db.Close())
	x.db = nil
	return errors.Join(errs...)
}

func (x *index) stmt(ctx context.Context, q string) (*sql.Stmt, error) {
	if x.db == nil {
		return nil, ErrInvalidated
	}
	if st, ok := x.stmts[q]; ok {
		return st, nil
	}
	st, err := x.db.PrepareContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	x.stmts[q] = st
	return st, nil
}

func (x *index) exec(ctx context.Context, q string, args ...any) error {
	st, err := x.stmt(ctx, q)
	if err != nil {
		return err
	}
	_, err = st.ExecContext(ctx, args...)
	return err
}

func (x *index) checkpoint(ctx context.Context) error {
	if x.db == nil {
		return ErrInvalidated
	}
	if _, err := x.db.ExecContext(ctx, "pragma wal_checkpoint(passive)"); err != nil {
		return err
	}
	x.checkpoints++
	return nil
}

// save upserts a row. An empty filename stores value inline; otherwise the
// inline column is NULL.
func (x *index) save(ctx context.Context, key string, value []byte, filename string, now int64) error {
	var (
		name   any
		inline any
	)
	if filename == "" {
		if value == nil {
			value = []byte{}
		}
		inline = value
	} else {
		name = filename
	}
	return x.exec(ctx,
		`insert or replace into manifest
		 (key, filename, size, inline_data, modification_time, last_access_time)
		 values (?, ?, ?, ?, ?, ?)`,
		key, name, int64(len(value)), inline, now, now)
}

const (
	selectRow  = `select key, filename, size, inline_data, modification_time, last_access_time from manifest`
	selectInfo = `select key, filename, size, null, modification_time, last_access_time from manifest`
)

func scanRow(sc interface{ Scan(...any) error }) (row, error) {
	var (
		r    row
		name sql.NullString
	)
	if err := sc.Scan(&r.key, &name, &r.size, &r.value, &r.modTime, &r.accessTime); err != nil {
		return row{}, err
	}
	r.filename = name.String
	return r, nil
}

// get returns the row for key or errNotFound.
func (x *index) get(ctx context.Context, key string, withData bool) (row, error) {
	q := selectInfo + " where key = ?"
	if withData {
		q = selectRow + " where key = ?"
	}
	st, err := x.stmt(ctx, q)
	if err != nil {
		return row{}, err
	}
	r, err := scanRow(st.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, errNotFound
	}
	return r, err
}

// getMany returns the rows present for keys, in no particular order.
func (x *index) getMany(ctx context.Context, keys []string, withData bool) ([]row, error) {
	base := selectInfo
	if withData {
		base = selectRow
	}
	var out []row
	err := x.eachChunk(keys, func(in string, args []any) error {
		rows, err := x.db.QueryContext(ctx, base+" where key in ("+in+")", args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (x *index) contains(ctx context.Context, key string) (bool, error) {
	st, err := x.stmt(ctx, "select 1 from manifest where key = ? limit 1")
	if err != nil {
		return false, err
	}
	var one int
	err = st.QueryRowContext(ctx, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// filename returns the file referenced by key's row, "" when the row is
// inline or absent.
func (x *index) filename(ctx context.Context, key string) (string, error) {
	st, err := x.stmt(ctx, "select filename from manifest where key = ?")
	if err != nil {
		return "", err
	}
	var name sql.NullString
	err = st.QueryRowContext(ctx, key).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name.String, err
}

func (x *index) filenames(ctx context.Context, keys []string) ([]string, error) {
	var out []string
	err := x.eachChunk(keys, func(in string, args []any) error {
		rows, err := x.db.QueryContext(ctx,
			"select filename from manifest where filename is not null and key in ("+in+")", args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			out = append(out, name)
		}
		return rows.Err()
	})
	return out, err
}

// allFilenames returns every filename referenced by the manifest.
func (x *index) allFilenames(ctx context.Context) (map[string]struct{}, error) {
	if x.db == nil {
		return nil, ErrInvalidated
	}
	rows, err := x.db.QueryContext(ctx, "select filename from manifest where filename is not null")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

func (x *index) touch(ctx context.Context, key string, now int64) error {
	return x.exec(ctx, "update manifest set last_access_time = ? where key = ?", now, key)
}

func (x *index) touchMany(ctx context.Context, keys []string, now int64) error {
	return x.eachChunk(keys, func(in string, args []any) error {
		_, err := x.db.ExecContext(ctx,
			"update manifest set last_access_time = ? where key in ("+in+")",
			append([]any{now}, args...)...)
		return err
	})
}

func (x *index) delete(ctx context.Context, key string) error {
	return x.exec(ctx, "delete from manifest where key = ?", key)
}

func (x *index) deleteMany(ctx context.Context, keys []string) error {
	return x.eachChunk(keys, func(in string, args []any) error {
		_, err := x.db.ExecContext(ctx, "delete from manifest where key in ("+in+")", args...)
		return err
	})
}

// totals returns the row count and the sum of sizes.
func (x *index) totals(ctx context.Context) (count int, size int64, err error) {
	st, err := x.stmt(ctx, "select count(*), coalesce(sum(size), 0) from manifest")
	if err != nil {
		return 0, 0, err
	}
	err = st.QueryRowContext(ctx).Scan(&count, &size)
	return count, size, err
}

// Eviction scans. All of them return the least recently accessed rows first.

func (x *index) oldest(ctx context.Context, limit int) ([]sample, error) {
	return x.samples(ctx,
		"select key, filename, size from manifest order by last_access_time asc limit ?", limit)
}

func (x *index) largerThan(ctx context.Context, size int64, limit int) ([]sample, error) {
	return x.samples(ctx,
		"select key, filename, size from manifest where size > ? order by last_access_time asc limit ?", size, limit)
}

func (x *index) earlierThan(ctx context.Context, t int64, limit int) ([]sample, error) {
	return x.samples(ctx,
		"select key, filename, size from manifest where last_access_time < ? order by last_access_time asc limit ?", t, limit)
}

func (x *index) samples(ctx context.Context, q string, args ...any) ([]sample, error) {
	st, err := x.stmt(ctx, q)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sample
	for rows.Next() {
		var (
			s    sample
			name sql.NullString
		)
		if err := rows.Scan(&s.key, &name, &s.size); err != nil {
			return nil, err
		}
		s.filename = name.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// eachChunk calls fn with "?,?,..." placeholders and the matching args for
// at most maxInArgs keys at a time.
func (x *index) eachChunk(keys []string, fn func(in string, args []any) error) error {
	if x.db == nil {
		return ErrInvalidated
	}
	for len(keys) > 0 {
		n := min(len(keys), maxInArgs)
		args := make([]any, n)
		for i, k := range keys[:n] {
			args[i] = k
		}
		if err := fn(strings.TrimSuffix(strings.Repeat("?,", n), ","), args); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}
