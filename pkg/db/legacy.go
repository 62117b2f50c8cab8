package db

import (
	"database/sql"
	"fmt"
	"time"
)

// legacyTables maps each tenant-scoped table to the columns carried over
// from the single-tenant layout.
var legacyTables = map[string][]string{
	"oauth_client_info": {"server_id", "client_info_blob"},
	"oauth_tokens":      {"server_id", "tokens_blob"},
	"oauth_verifiers":   {"server_id", "verifier", "created_at"},
}

// parkLegacyTables renames single-tenant tables out of the way so the
// migrations can create the current layout. Returns the synthetic tenant
// the parked rows will be adopted under, or "" when the layout is current.
func parkLegacyTables(db *sql.DB) (string, error) {
	legacy := false
	for table := range legacyTables {
		exists, hasTenant, err := tableShape(db, table)
		if err != nil {
			return "", err
		}
		if !exists || hasTenant {
			continue
		}
		legacy = true
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s_legacy", table, table)); err != nil {
			return "", fmt.Errorf("parking table %s: %w", table, err)
		}
	}

	if !legacy {
		return "", nil
	}
	return "legacy-" + time.Now().UTC().Format(time.RFC3339), nil
}

// adoptLegacyRows copies parked rows into the current tables under the
// synthetic tenant, then drops the parked tables.
func adoptLegacyRows(db *sql.DB, tenant string) error {
	for table, columns := range legacyTables {
		var exists bool
		err := db.QueryRow(
			"SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?",
			table+"_legacy",
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}

		cols := ""
		for i, c := range columns {
			if i > 0 {
				cols += ", "
			}
			cols += c
		}
		query := fmt.Sprintf(
			"INSERT INTO %s (user_id, %s) SELECT ?, %s FROM %s_legacy",
			table, cols, cols, table,
		)
		if _, err := db.Exec(query, tenant); err != nil {
			return fmt.Errorf("adopting rows of %s: %w", table, err)
		}
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE %s_legacy", table)); err != nil {
			return fmt.Errorf("dropping parked table %s: %w", table, err)
		}
	}
	return nil
}

func tableShape(db *sql.DB, table string) (exists, hasTenant bool, err error) {
	err = db.QueryRow(
		"SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?",
		table,
	).Scan(&exists)
	if err != nil || !exists {
		return exists, false, err
	}

	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return true, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return true, false, err
		}
		if name == "user_id" {
			hasTenant = true
		}
	}
	return true, hasTenant, rows.Err()
}
