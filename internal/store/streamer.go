package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Streamer buffers segment-table writes produced while a download stream
// is being consumed and flushes them in batched transactions, so the
// writer never falls far behind the network workers.
type Streamer struct {
	db      *sql.DB
	bufSize int

	insertStmt string
	updateStmt string

	inserts [][]any
	updates [][]any

	inserted int
	updated  int
	rejected int

	onRowError func(error)
}

// NewStreamer returns a Streamer writing to table. insertCols lists the
// columns of buffered inserts, updateCols the SET columns of buffered
// updates (the update WHERE key is always the pkey, passed last to
// Update). bufSize rows of either kind trigger a flush.
func NewStreamer(db *sql.DB, table, pkey string, insertCols, updateCols []string,
	bufSize int, onRowError func(error)) *Streamer {

	if bufSize <= 0 {
		bufSize = 100
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(insertCols)), ", ")
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = c + " = ?"
	}
	return &Streamer{
		db:      db,
		bufSize: bufSize,
		insertStmt: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(insertCols, ", "), ph),
		updateStmt: fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			table, strings.Join(sets, ", "), pkey),
		onRowError: onRowError,
	}
}

// Insert buffers one insert row (parallel to insertCols).
func (s *Streamer) Insert(vals ...any) error {
	s.inserts = append(s.inserts, vals)
	if len(s.inserts) >= s.bufSize {
		return s.flushInserts()
	}
	return nil
}

// Update buffers one update row: the SET values (parallel to updateCols)
// followed by the pkey value.
func (s *Streamer) Update(vals ...any) error {
	s.updates = append(s.updates, vals)
	if len(s.updates) >= s.bufSize {
		return s.flushUpdates()
	}
	return nil
}

// Flush writes out everything buffered.
func (s *Streamer) Flush() error {
	if err := s.flushInserts(); err != nil {
		return err
	}
	return s.flushUpdates()
}

// Close flushes remaining rows. The Streamer must not be used afterwards.
func (s *Streamer) Close() error { return s.Flush() }

// Inserted returns the number of rows written through insert statements.
func (s *Streamer) Inserted() int { return s.inserted }

// Updated returns the number of rows written through update statements.
func (s *Streamer) Updated() int { return s.updated }

// Rejected returns the number of rows dropped after per-row retry.
func (s *Streamer) Rejected() int { return s.rejected }

func (s *Streamer) flushInserts() error {
	n, err := s.flushBatch(s.insertStmt, s.inserts)
	s.inserts = s.inserts[:0]
	s.inserted += n
	return err
}

func (s *Streamer) flushUpdates() error {
	n, err := s.flushBatch(s.updateStmt, s.updates)
	s.updates = s.updates[:0]
	s.updated += n
	return err
}

// flushBatch writes rows in one transaction, falling back to per-row
// execution on failure so a single bad row is dropped, not the batch.
func (s *Streamer) flushBatch(stmt string, rows [][]any) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	prep, err := tx.Prepare(stmt)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	batchOK := true
	for _, vals := range rows {
		if _, err := prep.Exec(vals...); err != nil {
			batchOK = false
			break
		}
	}
	prep.Close()
	if batchOK {
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return len(rows), nil
	}
	tx.Rollback()

	prepDB, err := s.db.Prepare(stmt)
	if err != nil {
		return 0, err
	}
	defer prepDB.Close()
	n := 0
	for _, vals := range rows {
		if _, err := prepDB.Exec(vals...); err != nil {
			s.rejected++
			if s.onRowError != nil {
				s.onRowError(err)
			}
			continue
		}
		n++
	}
	return n, nil
}
