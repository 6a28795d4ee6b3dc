package demo

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// TileSink writes finished tiles to an mbtiles (sqlite3) database. It
// is a handle a caller can pass pipeline.Result's sorted output on to
// downstream of this package, rather than free functions threading a
// *sql.DB through every call site.
type TileSink struct {
	db *sql.DB
}

// OpenTileSink creates (or reopens) an mbtiles database at path with
// the standard three PRAGMAs and the standard tiles/metadata schema
// and unique indexes.
func OpenTileSink(path string) (*TileSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "demo: opening mbtiles database")
	}

	pragmas := []string{
		"PRAGMA synchronous=0",
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=DELETE",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "demo: setting %q", p)
		}
	}

	stmts := []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob)",
		"create table if not exists metadata (name text, value text)",
		"create unique index if not exists name on metadata (name)",
		"create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row)",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "demo: creating mbtiles schema")
		}
	}

	return &TileSink{db: db}, nil
}

// WriteMetadata upserts one metadata row, the free-form name/value
// pairs an mbtiles reader expects (bounds, minzoom, maxzoom, format,
// name, description...).
func (s *TileSink) WriteMetadata(name, value string) error {
	_, err := s.db.Exec("insert or replace into metadata (name, value) values (?, ?)", name, value)
	return errors.Wrapf(err, "demo: writing metadata %q", name)
}

// WriteTile inserts one finished tile's bytes, flipping the row the
// way mbtilesWriteTile does: mbtiles addresses tiles with a
// south-up Y axis, the inverse of the Z/X/Y convention tile assembly
// computes in.
func (s *TileSink) WriteTile(z, x, y int, data []byte) error {
	flippedY := (1 << uint(z)) - 1 - y
	_, err := s.db.Exec(
		"insert into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)",
		z, x, flippedY, data,
	)
	return errors.Wrap(err, "demo: writing tile")
}

// Close runs a pre-close ANALYZE and closes the database.
func (s *TileSink) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("ANALYZE"); err != nil {
		return errors.Wrap(err, "demo: analyzing mbtiles database before close")
	}
	return errors.Wrap(s.db.Close(), "demo: closing mbtiles database")
}
