package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Spec describes how one table is synced: its columns in insert order,
// which subset forms the natural key, and which columns are refreshed
// when a row already exists. An empty UpdateCols means insert-only.
type Spec struct {
	Table      string
	PKey       string
	Columns    []string
	NaturalKey []string
	UpdateCols []string
}

func (s Spec) keyIndexes() []int {
	idx := make([]int, 0, len(s.NaturalKey))
	for _, k := range s.NaturalKey {
		for i, c := range s.Columns {
			if c == k {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

func (s Spec) colIndex(name string) int {
	for i, c := range s.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Row is one record to sync. Vals is parallel to Spec.Columns; ID is
// filled in by Sync.
type Row struct {
	ID   int64
	Vals []any
}

// SyncResult summarizes one Sync call. Rows holds every row that exists
// in the database afterwards, with IDs set.
type SyncResult struct {
	Inserted        int
	RejectedInserts int
	Updated         int
	RejectedUpdates int
	Rows            []Row
}

// Persisted is the number of rows present in the database after the sync.
func (r SyncResult) Persisted() int { return len(r.Rows) }

// keyHash folds the natural key values into a single comparable value.
func keyHash(vals []any, idx []int) uint64 {
	var b strings.Builder
	for _, i := range idx {
		b.WriteString(encodeKeyVal(vals[i]))
		b.WriteByte(0x1f)
	}
	return xxh3.HashString(b.String())
}

// encodeKeyVal renders one key component so that a value written through
// a placeholder and the same value scanned back produce identical text.
func encodeKeyVal(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Sync reconciles rows against spec.Table. Input duplicates on the
// natural key are collapsed to the first occurrence. New keys are
// inserted, existing ones get their UpdateCols refreshed. Statements run
// in one transaction per phase; if a phase fails it is rolled back and
// replayed row by row so one bad row cannot sink the batch. Rejected rows
// are reported through onRowError (may be nil) and counted.
func Sync(db *sql.DB, spec Spec, rows []Row, onRowError func(Row, error)) (SyncResult, error) {
	var res SyncResult
	if len(rows) == 0 {
		return res, nil
	}
	reject := func(r Row, err error) {
		if onRowError != nil {
			onRowError(r, err)
		}
	}

	keyIdx := spec.keyIndexes()
	if len(keyIdx) != len(spec.NaturalKey) {
		return res, fmt.Errorf("sync %s: natural key not a subset of columns", spec.Table)
	}

	seen := make(map[uint64]bool, len(rows))
	deduped := make([]Row, 0, len(rows))
	for _, r := range rows {
		h := keyHash(r.Vals, keyIdx)
		if seen[h] {
			continue
		}
		seen[h] = true
		deduped = append(deduped, r)
	}

	existing, err := loadExistingIDs(db, spec, keyIdx)
	if err != nil {
		return res, err
	}

	var toInsert, toUpdate []Row
	for _, r := range deduped {
		if id, ok := existing[keyHash(r.Vals, keyIdx)]; ok {
			r.ID = id
			toUpdate = append(toUpdate, r)
		} else {
			toInsert = append(toInsert, r)
		}
	}

	if len(toInsert) > 0 {
		inserted, rejected, err := execBatch(db, insertSQL(spec), toInsert, func(r Row) []any {
			return r.Vals
		}, true, reject)
		if err != nil {
			return res, err
		}
		res.Inserted = len(inserted)
		res.RejectedInserts = rejected
		res.Rows = append(res.Rows, inserted...)
	}

	if len(spec.UpdateCols) > 0 && len(toUpdate) > 0 {
		updIdx := make([]int, len(spec.UpdateCols))
		for i, c := range spec.UpdateCols {
			j := spec.colIndex(c)
			if j < 0 {
				return res, fmt.Errorf("sync %s: update column %s not in columns", spec.Table, c)
			}
			updIdx[i] = j
		}
		updated, rejected, err := execBatch(db, updateSQL(spec), toUpdate, func(r Row) []any {
			args := make([]any, 0, len(updIdx)+1)
			for _, j := range updIdx {
				args = append(args, r.Vals[j])
			}
			return append(args, r.ID)
		}, false, reject)
		if err != nil {
			return res, err
		}
		res.Updated = len(updated)
		res.RejectedUpdates = rejected
		res.Rows = append(res.Rows, updated...)
	} else {
		res.Rows = append(res.Rows, toUpdate...)
	}
	return res, nil
}

func insertSQL(spec Spec) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(spec.Columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Table, strings.Join(spec.Columns, ", "), ph)
}

func updateSQL(spec Spec) string {
	sets := make([]string, len(spec.UpdateCols))
	for i, c := range spec.UpdateCols {
		sets[i] = c + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		spec.Table, strings.Join(sets, ", "), spec.PKey)
}

// loadExistingIDs maps the natural key hash of every stored row to its id.
func loadExistingIDs(db *sql.DB, spec Spec, keyIdx []int) (map[uint64]int64, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s",
		spec.PKey, strings.Join(spec.NaturalKey, ", "), spec.Table)
	rows, err := db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("sync %s: load existing: %w", spec.Table, err)
	}
	defer rows.Close()

	out := make(map[uint64]int64)
	for rows.Next() {
		var id int64
		keyVals := make([]any, len(keyIdx))
		dest := make([]any, 0, len(keyIdx)+1)
		dest = append(dest, &id)
		for i := range keyVals {
			dest = append(dest, &keyVals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sync %s: scan existing: %w", spec.Table, err)
		}
		idx := make([]int, len(keyVals))
		for i := range idx {
			idx[i] = i
		}
		out[keyHash(keyVals, idx)] = id
	}
	return out, rows.Err()
}

// execBatch runs stmt for each row inside one transaction; on failure it
// rolls back and replays the rows individually, rejecting only the bad
// ones. wantID captures last-insert ids into the returned rows.
func execBatch(db *sql.DB, stmt string, rows []Row, args func(Row) []any,
	wantID bool, reject func(Row, error)) (ok []Row, rejected int, err error) {

	tx, err := db.Begin()
	if err != nil {
		return nil, 0, err
	}
	prep, err := tx.Prepare(stmt)
	if err != nil {
		tx.Rollback()
		return nil, 0, err
	}
	batchOK := true
	var done []Row
	for _, r := range rows {
		res, execErr := prep.Exec(args(r)...)
		if execErr != nil {
			batchOK = false
			break
		}
		if wantID {
			if id, idErr := res.LastInsertId(); idErr == nil {
				r.ID = id
			}
		}
		done = append(done, r)
	}
	prep.Close()
	if batchOK {
		if err := tx.Commit(); err != nil {
			return nil, 0, err
		}
		return done, 0, nil
	}
	tx.Rollback()

	// Row-isolation fallback: each row in its own implicit transaction.
	done = done[:0]
	prepDB, err := db.Prepare(stmt)
	if err != nil {
		return nil, 0, err
	}
	defer prepDB.Close()
	for _, r := range rows {
		res, execErr := prepDB.Exec(args(r)...)
		if execErr != nil {
			rejected++
			reject(r, execErr)
			continue
		}
		if wantID {
			if id, idErr := res.LastInsertId(); idErr == nil {
				r.ID = id
			}
		}
		done = append(done, r)
	}
	return done, rejected, nil
}
