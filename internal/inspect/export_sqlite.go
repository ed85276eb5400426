//go:build sqlite

package inspect

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"melvin/internal/logging"
	"melvin/internal/storage"
)

const exportSchema = `
DROP TABLE IF EXISTS nodes;
DROP TABLE IF EXISTS edges;
DROP TABLE IF EXISTS modules;
DROP TABLE IF EXISTS meta;

CREATE TABLE nodes (
	slot         INTEGER PRIMARY KEY,
	id           INTEGER NOT NULL,
	op           TEXT NOT NULL,
	flags        INTEGER NOT NULL,
	last_tick    INTEGER NOT NULL,
	in_deg       INTEGER NOT NULL,
	out_deg      INTEGER NOT NULL,
	activation   REAL NOT NULL,
	theta        REAL NOT NULL,
	memory_value REAL NOT NULL,
	memory_age   INTEGER NOT NULL,
	energy       REAL NOT NULL,
	hot          INTEGER NOT NULL
);

CREATE TABLE edges (
	slot   INTEGER PRIMARY KEY,
	src    INTEGER NOT NULL,
	dst    INTEGER NOT NULL,
	w_fast INTEGER NOT NULL,
	w_slow INTEGER NOT NULL
);

CREATE TABLE modules (
	slot       INTEGER PRIMARY KEY,
	id         INTEGER NOT NULL,
	name       TEXT NOT NULL,
	signature  INTEGER NOT NULL,
	nodes      INTEGER NOT NULL,
	edges      INTEGER NOT NULL,
	inputs     INTEGER NOT NULL,
	outputs    INTEGER NOT NULL,
	frequency  INTEGER NOT NULL,
	use_count  INTEGER NOT NULL,
	level      INTEGER NOT NULL,
	collapsed  INTEGER NOT NULL,
	proxy      INTEGER NOT NULL,
	efficiency REAL NOT NULL
);

CREATE TABLE meta (
	slot         INTEGER PRIMARY KEY,
	id           INTEGER NOT NULL,
	meta_op      TEXT NOT NULL,
	created_tick INTEGER NOT NULL,
	executions   INTEGER NOT NULL
);

CREATE INDEX idx_edges_src ON edges(src);
CREATE INDEX idx_edges_dst ON edges(dst);
`

// ExportSQLite opens the brain file read-only and writes every live
// record into a SQLite database at dbPath. Existing export tables are
// replaced.
func ExportSQLite(path, dbPath string) error {
	st, err := storage.Open(path, storage.Options{ReadOnly: true, Logger: logging.Nop()})
	if err != nil {
		return err
	}
	tables := collectTables(st)
	if err := st.Close(); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open export db: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(exportSchema); err != nil {
		return fmt.Errorf("create export schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nodeIns, err := tx.Prepare(`INSERT INTO nodes VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nodeIns.Close()
	for _, n := range tables.Nodes {
		if _, err := nodeIns.Exec(n.Slot, int64(n.ID), n.Op, n.Flags, n.LastTick, n.InDeg, n.OutDeg,
			n.Activation, n.Theta, n.MemoryValue, n.MemoryAge, n.Energy, n.Hot); err != nil {
			return fmt.Errorf("insert node %d: %w", n.Slot, err)
		}
	}

	edgeIns, err := tx.Prepare(`INSERT INTO edges VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer edgeIns.Close()
	for _, e := range tables.Edges {
		if _, err := edgeIns.Exec(e.Slot, e.Src, e.Dst, e.WFast, e.WSlow); err != nil {
			return fmt.Errorf("insert edge %d: %w", e.Slot, err)
		}
	}

	modIns, err := tx.Prepare(`INSERT INTO modules VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer modIns.Close()
	for _, m := range tables.Modules {
		if _, err := modIns.Exec(m.Slot, m.ID, m.Name, int64(m.Signature), m.Nodes, m.Edges,
			m.Inputs, m.Outputs, m.Frequency, m.UseCount, m.Level, m.Collapsed, m.Proxy,
			m.Efficiency); err != nil {
			return fmt.Errorf("insert module %d: %w", m.Slot, err)
		}
	}

	metaIns, err := tx.Prepare(`INSERT INTO meta VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer metaIns.Close()
	for _, m := range tables.Meta {
		if _, err := metaIns.Exec(m.Slot, int64(m.ID), m.MetaOp, m.CreatedTick, m.Executions); err != nil {
			return fmt.Errorf("insert meta %d: %w", m.Slot, err)
		}
	}

	return tx.Commit()
}
