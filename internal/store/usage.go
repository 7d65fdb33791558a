package store

import (
	"fmt"
	"time"
)

// RecordTokenUsage implements spec.md §4.2's recordTokenUsage: an
// append-only row per API response. Rows are never mutated afterwards, so
// a model nickname change on the conversation does not retroactively
// rewrite past usage rows (spec.md §3's invariant).
func (s *Store) RecordTokenUsage(u TokenUsage) error {
	return writeRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO model_token_usage
			 (conversation_id, message_id, model_nickname, input_tokens, output_tokens, reasoning_tokens, input_cost, output_cost, reasoning_cost, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ConversationID, u.MessageID, u.ModelNickname,
			u.InputTokens, u.OutputTokens, u.ReasoningTokens,
			u.InputCost, u.OutputCost, u.ReasoningCost,
			timeOrNow(u.Timestamp),
		)
		return err
	})
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// GetConversationCostDetailed implements spec.md §4.2's
// getConversationCostDetailed: token/cost rows grouped by model nickname,
// plus a grand total row.
func (s *Store) GetConversationCostDetailed(conversationID int64) (*CostBreakdown, error) {
	rows, err := s.db.Query(
		`SELECT model_nickname,
		        SUM(input_tokens), SUM(output_tokens), SUM(reasoning_tokens),
		        SUM(input_cost), SUM(output_cost), SUM(reasoning_cost)
		 FROM model_token_usage
		 WHERE conversation_id = ?
		 GROUP BY model_nickname
		 ORDER BY model_nickname ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: get conversation cost: %w", err)
	}
	defer rows.Close()

	var breakdown CostBreakdown
	for rows.Next() {
		var r ModelCostRow
		if err := rows.Scan(&r.ModelNickname, &r.InputTokens, &r.OutputTokens, &r.ReasoningTokens,
			&r.InputCost, &r.OutputCost, &r.ReasoningCost); err != nil {
			return nil, err
		}
		breakdown.Rows = append(breakdown.Rows, r)
		breakdown.Total.InputTokens += r.InputTokens
		breakdown.Total.OutputTokens += r.OutputTokens
		breakdown.Total.ReasoningTokens += r.ReasoningTokens
		breakdown.Total.InputCost += r.InputCost
		breakdown.Total.OutputCost += r.OutputCost
		breakdown.Total.ReasoningCost += r.ReasoningCost
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &breakdown, nil
}

// GetSessionCostSince implements spec.md §4.2's session-cost-since-start
// query: the same per-model breakdown as GetConversationCostDetailed,
// restricted to usage rows timestamped at or after since. The `/cost`
// command reports the whole-conversation breakdown and does not call it.
func (s *Store) GetSessionCostSince(conversationID int64, since time.Time) (*CostBreakdown, error) {
	rows, err := s.db.Query(
		`SELECT model_nickname,
		        SUM(input_tokens), SUM(output_tokens), SUM(reasoning_tokens),
		        SUM(input_cost), SUM(output_cost), SUM(reasoning_cost)
		 FROM model_token_usage
		 WHERE conversation_id = ? AND timestamp >= ?
		 GROUP BY model_nickname
		 ORDER BY model_nickname ASC`, conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("store: get session cost: %w", err)
	}
	defer rows.Close()

	var breakdown CostBreakdown
	for rows.Next() {
		var r ModelCostRow
		if err := rows.Scan(&r.ModelNickname, &r.InputTokens, &r.OutputTokens, &r.ReasoningTokens,
			&r.InputCost, &r.OutputCost, &r.ReasoningCost); err != nil {
			return nil, err
		}
		breakdown.Rows = append(breakdown.Rows, r)
		breakdown.Total.InputTokens += r.InputTokens
		breakdown.Total.OutputTokens += r.OutputTokens
		breakdown.Total.ReasoningTokens += r.ReasoningTokens
		breakdown.Total.InputCost += r.InputCost
		breakdown.Total.OutputCost += r.OutputCost
		breakdown.Total.ReasoningCost += r.ReasoningCost
	}
	return &breakdown, rows.Err()
}
