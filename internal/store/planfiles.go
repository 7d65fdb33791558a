package store

import "fmt"

// RecordCreatedFile implements spec.md §4.8's plan-mode bookkeeping: a file
// created by a tool call during plan mode is added to the conversation's
// created-file set, making it editable for the remainder of plan mode.
func (s *Store) RecordCreatedFile(conversationID int64, path string) error {
	return writeRetry(func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO conversation_created_files (conversation_id, path) VALUES (?, ?)`,
			conversationID, path)
		return err
	})
}

// WasCreatedInPlanMode reports whether path is in the conversation's
// created-file set. Callers in internal/toolworker treat a query error as
// "not protected" (fail-open per spec.md §7), so this only returns the
// error for logging — it deliberately does not wrap it in a sentinel.
func (s *Store) WasCreatedInPlanMode(conversationID int64, path string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM conversation_created_files WHERE conversation_id = ? AND path = ?`,
		conversationID, path).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check created file: %w", err)
	}
	return count > 0, nil
}

// ListCreatedFiles returns every path in the conversation's created-file
// set, sorted by path.
func (s *Store) ListCreatedFiles(conversationID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT path FROM conversation_created_files WHERE conversation_id = ? ORDER BY path ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list created files: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearCreatedFiles empties the created-file set, used when a conversation
// leaves plan mode and later re-enters it (spec.md §4.8: each plan-mode
// session starts with an empty set).
func (s *Store) ClearCreatedFiles(conversationID int64) error {
	return writeRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM conversation_created_files WHERE conversation_id = ?`, conversationID)
		return err
	})
}
