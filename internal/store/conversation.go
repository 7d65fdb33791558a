package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateConversation implements spec.md §4.2's createConversation.
func (s *Store) CreateConversation(title string, mode Mode, modelNickname string) (*Conversation, error) {
	now := time.Now().UTC()
	var id int64
	err := writeRetry(func() error {
		res, err := s.db.Exec(
			`INSERT INTO conversation (title, mode, model_nickname, created_at, last_activity, message_count, is_active)
			 VALUES (?, ?, ?, ?, ?, 0, 1)`,
			title, string(mode), modelNickname, now, now,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}
	return s.GetConversationByID(id)
}

func scanConversation(row interface {
	Scan(dest ...any) error
}) (*Conversation, error) {
	var c Conversation
	var mode string
	var isActive int
	if err := row.Scan(&c.ID, &c.Title, &mode, &c.ModelNickname, &c.CreatedAt, &c.LastActivity, &c.MessageCount, &isActive); err != nil {
		return nil, err
	}
	c.Mode = Mode(mode)
	c.IsActive = isActive != 0
	return &c, nil
}

const conversationColumns = "id, title, mode, model_nickname, created_at, last_activity, message_count, is_active"

// GetConversationByID implements spec.md §4.2's getConversationById.
func (s *Store) GetConversationByID(id int64) (*Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversation WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: conversation %d not found", id)
		}
		return nil, fmt.Errorf("store: get conversation %d: %w", id, err)
	}
	return c, nil
}

// ListActiveConversations implements spec.md §4.2's listActiveConversations.
func (s *Store) ListActiveConversations() ([]*Conversation, error) {
	return s.queryConversations(`SELECT ` + conversationColumns + ` FROM conversation WHERE is_active = 1 ORDER BY last_activity DESC`)
}

// ListAll implements spec.md §4.2's listAll.
func (s *Store) ListAll() ([]*Conversation, error) {
	return s.queryConversations(`SELECT ` + conversationColumns + ` FROM conversation ORDER BY last_activity DESC`)
}

func (s *Store) queryConversations(query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchConversations implements spec.md §4.2's case-insensitive
// substring-over-title, falling back to substring-over-content, ordered by
// lastActivity descending.
func (s *Store) SearchConversations(query string) ([]*Conversation, error) {
	like := "%" + query + "%"
	titleMatches, err := s.queryConversations(
		`SELECT `+conversationColumns+` FROM conversation WHERE title LIKE ? ORDER BY last_activity DESC`, like)
	if err != nil {
		return nil, err
	}
	if len(titleMatches) > 0 {
		return titleMatches, nil
	}
	return s.queryConversations(
		`SELECT DISTINCT `+prefixedColumns("c")+` FROM conversation c
		 JOIN message m ON m.conversation_id = c.id
		 WHERE m.content LIKE ? ORDER BY c.last_activity DESC`, like)
}

func prefixedColumns(alias string) string {
	cols := []string{"id", "title", "mode", "model_nickname", "created_at", "last_activity", "message_count", "is_active"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

// Archive implements spec.md §4.2's archive.
func (s *Store) Archive(id int64) error {
	return s.setActive(id, false)
}

// Unarchive implements spec.md §4.2's unarchive.
func (s *Store) Unarchive(id int64) error {
	return s.setActive(id, true)
}

func (s *Store) setActive(id int64, active bool) error {
	val := 0
	if active {
		val = 1
	}
	return writeRetry(func() error {
		_, err := s.db.Exec(`UPDATE conversation SET is_active = ? WHERE id = ?`, val, id)
		return err
	})
}

// UpdateConversationMode implements spec.md §4.2's updateConversationMode.
// Entering plan mode starts a fresh empty created-files set per §4.8.
func (s *Store) UpdateConversationMode(id int64, mode Mode) error {
	if mode == ModePlan {
		if err := s.ClearCreatedFiles(id); err != nil {
			return err
		}
	}
	return writeRetry(func() error {
		_, err := s.db.Exec(`UPDATE conversation SET mode = ? WHERE id = ?`, string(mode), id)
		return err
	})
}

// UpdateConversationModel implements spec.md §4.2's updateConversationModel.
func (s *Store) UpdateConversationModel(id int64, nickname string) error {
	return writeRetry(func() error {
		_, err := s.db.Exec(`UPDATE conversation SET model_nickname = ? WHERE id = ?`, nickname, id)
		return err
	})
}

func (s *Store) touchLastActivity(id int64) error {
	return writeRetry(func() error {
		_, err := s.db.Exec(`UPDATE conversation SET last_activity = ? WHERE id = ?`, time.Now().UTC(), id)
		return err
	})
}

// GetRecentPrompts implements spec.md §4.2's getRecentPrompts: the most
// recent `limit` user-role message contents across all conversations.
func (s *Store) GetRecentPrompts(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT content FROM message WHERE role = ? ORDER BY id DESC LIMIT ?`, string(RoleUser), limit)
	if err != nil {
		return nil, fmt.Errorf("store: get recent prompts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}
