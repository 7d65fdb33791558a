package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage implements spec.md §4.2's appendMessage. It assigns the
// next per-conversation sequence number, persists any tool calls, bumps
// conversation.messageCount for non-system roles, and touches
// lastActivity — all inside a single transaction so the invariants in
// spec.md §3 (strictly increasing sequence, messageCount matching
// non-system message count) hold even under the lock-retry path.
func (s *Store) AppendMessage(conversationID int64, msg Message) (*Message, error) {
	var inserted Message
	err := writeRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var maxSeq sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(sequence) FROM message WHERE conversation_id = ?`, conversationID).Scan(&maxSeq); err != nil {
			return err
		}
		seq := int64(1)
		if maxSeq.Valid {
			seq = maxSeq.Int64 + 1
		}

		now := time.Now().UTC()
		encrypted := 0
		if msg.ThinkingEncrypted {
			encrypted = 1
		}
		res, err := tx.Exec(
			`INSERT INTO message (conversation_id, role, content, tool_call_id, thinking, thinking_encrypted, sequence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, string(msg.Role), msg.Content, msg.ToolCallID, msg.Thinking, encrypted, seq, now,
		)
		if err != nil {
			return err
		}
		msgID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for i, tc := range msg.ToolCalls {
			if _, err := tx.Exec(
				`INSERT INTO tool_call (id, message_id, position, name, arguments) VALUES (?, ?, ?, ?, ?)`,
				tc.ID, msgID, i, tc.Name, tc.Arguments,
			); err != nil {
				return err
			}
		}

		if msg.Role != RoleSystem {
			if _, err := tx.Exec(`UPDATE conversation SET message_count = message_count + 1 WHERE id = ?`, conversationID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`UPDATE conversation SET last_activity = ? WHERE id = ?`, now, conversationID); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		inserted = msg
		inserted.ID = msgID
		inserted.ConversationID = conversationID
		inserted.Sequence = seq
		inserted.CreatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return &inserted, nil
}

// GetMessages returns every message in a conversation in sequence order,
// including their tool calls.
func (s *Store) GetMessages(conversationID int64) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, tool_call_id, thinking, thinking_encrypted, sequence, created_at
		 FROM message WHERE conversation_id = ? ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var role string
		var encrypted int
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.ToolCallID, &m.Thinking, &encrypted, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.ThinkingEncrypted = encrypted != 0
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range out {
		tcRows, err := s.db.Query(
			`SELECT id, name, arguments FROM tool_call WHERE message_id = ? ORDER BY position ASC`, m.ID)
		if err != nil {
			return nil, fmt.Errorf("store: get tool calls for message %d: %w", m.ID, err)
		}
		for tcRows.Next() {
			var tc ToolCall
			if err := tcRows.Scan(&tc.ID, &tc.Name, &tc.Arguments); err != nil {
				tcRows.Close()
				return nil, err
			}
			m.ToolCalls = append(m.ToolCalls, tc)
		}
		tcRows.Close()
	}
	return out, nil
}
