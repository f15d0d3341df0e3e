package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ReplaceCollection atomically swaps the cached rows of a collection
// with the backend's current canonical rows. Rows without a usable id
// are skipped; the backend owns the schema and this cache stays opaque
// to it.
func (db *DB) ReplaceCollection(collection string, rows []map[string]any) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clear collection %s: %w", collection, err)
	}

	now := time.Now().UnixMilli()
	for _, row := range rows {
		id := recordID(row)
		if id == "" {
			continue
		}
		data, err := json.Marshal(row)
		if err != nil {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO records (collection, record_id, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, record_id) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at`,
			collection, id, string(data), now); err != nil {
			return fmt.Errorf("insert record %s/%s: %w", collection, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListCollection returns all cached rows of a collection.
func (db *DB) ListCollection(collection string) ([]map[string]any, error) {
	rows, err := db.Query(`
		SELECT data FROM records WHERE collection = ? ORDER BY record_id ASC`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []map[string]any
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountCollection returns the number of cached rows of a collection.
func (db *DB) CountCollection(collection string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// recordID extracts a stable string id from an opaque backend row.
func recordID(row map[string]any) string {
	switch v := row["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}
