package repo

import (
	"context"
	"database/sql"

	"draftline/internal/domain"
)

func (r Repo) InsertConversation(ctx context.Context, c domain.Conversation) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertConversationTx(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertConversationTx(ctx context.Context, tx *sql.Tx, c domain.Conversation) error {
	if err := r.EnsureUser(ctx, tx, c.UserID, c.CreatedAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO conversations(id, project_id, user_id, created_at) VALUES (?,?,?,?)`,
		c.ID, c.ProjectID, c.UserID, c.CreatedAt)
	return err
}

func (r Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var c domain.Conversation
	err := r.DB.QueryRowContext(ctx, `SELECT id, project_id, user_id, created_at FROM conversations WHERE id=?`, id).
		Scan(&c.ID, &c.ProjectID, &c.UserID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id, conversation_id, role, content, agent_variant, created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ConversationID, m.Role, m.Content, nullableStringPtr(m.AgentVariant), m.CreatedAt)
	return err
}

func (r Repo) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id=?`, conversationID).Scan(&n)
	return n, err
}

// RecentMessages returns the last n messages in chronological order.
func (r Repo) RecentMessages(ctx context.Context, conversationID string, n int) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, conversation_id, role, content, agent_variant, created_at
FROM messages WHERE conversation_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var variant sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &variant, &m.CreatedAt); err != nil {
			return nil, err
		}
		if variant.Valid {
			v := variant.String
			m.AgentVariant = &v
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (r Repo) ListConversations(ctx context.Context, projectID, userID string) ([]domain.Conversation, error) {
	query := `SELECT id, project_id, user_id, created_at FROM conversations WHERE project_id=?`
	args := []any{projectID}
	if userID != "" {
		query += " AND user_id=?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
