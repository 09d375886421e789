package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// UpsertChat сохраняет чат пользователя; пара (user_id, chat_id) уникальна.
func (p *Postgres) UpsertChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO chats (user_id, chat_id, chat_type, title, url, can_post)
VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)
ON CONFLICT (user_id, chat_id) DO UPDATE SET
  chat_type = EXCLUDED.chat_type, title = EXCLUDED.title,
  url = EXCLUDED.url, can_post = EXCLUDED.can_post
RETURNING id, added_at
`, chat.UserID, chat.ChatID, chat.ChatType, chat.Title, chat.URL, chat.CanPost).Scan(&chat.ID, &chat.AddedAt)
	metrics.ObserveNetworkRequest("postgres", "upsert", "chats", start, err)
	if err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

// ListUserChats возвращает чаты пользователя.
func (p *Postgres) ListUserChats(ctx context.Context, userID int64) ([]domain.Chat, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, chat_id, chat_type, title, COALESCE(url,''), can_post, added_at
FROM chats WHERE user_id = $1 ORDER BY added_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		var chat domain.Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.ChatID, &chat.ChatType, &chat.Title, &chat.URL, &chat.CanPost, &chat.AddedAt); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// DeleteChat удаляет чат пользователя.
func (p *Postgres) DeleteChat(ctx context.Context, id, userID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateGroup создаёт группу чатов; пара (user_id, name) уникальна.
func (p *Postgres) CreateGroup(ctx context.Context, group domain.ChatGroup) (domain.ChatGroup, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO chat_groups (user_id, name) VALUES ($1, $2) RETURNING id, created_at
`, group.UserID, group.Name).Scan(&group.ID, &group.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "insert", "chat_groups", start, err)
	if err != nil {
		return domain.ChatGroup{}, err
	}
	return group, nil
}

// GetGroup возвращает группу пользователя с участниками.
func (p *Postgres) GetGroup(ctx context.Context, id, userID int64) (domain.ChatGroup, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var group domain.ChatGroup
	err := p.pool.QueryRow(ctx, `
SELECT id, user_id, name, created_at FROM chat_groups WHERE id = $1 AND user_id = $2
`, id, userID).Scan(&group.ID, &group.UserID, &group.Name, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChatGroup{}, domain.ErrNotFound
		}
		return domain.ChatGroup{}, err
	}
	members, err := p.listMembers(ctx, group.ID)
	if err != nil {
		return domain.ChatGroup{}, fmt.Errorf("участники группы: %w", err)
	}
	group.Members = members
	return group, nil
}

// ListUserGroups возвращает группы пользователя с участниками.
func (p *Postgres) ListUserGroups(ctx context.Context, userID int64) ([]domain.ChatGroup, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, name, created_at FROM chat_groups
WHERE user_id = $1 ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.ChatGroup
	for rows.Next() {
		var group domain.ChatGroup
		if err := rows.Scan(&group.ID, &group.UserID, &group.Name, &group.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		members, err := p.listMembers(ctx, groups[i].ID)
		if err != nil {
			return nil, fmt.Errorf("участники группы: %w", err)
		}
		groups[i].Members = members
	}
	return groups, nil
}

// DeleteGroup удаляет группу; участники уходят каскадом.
func (p *Postgres) DeleteGroup(ctx context.Context, id, userID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `DELETE FROM chat_groups WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddMember добавляет чат в группу; пара (group_id, chat_id) уникальна.
func (p *Postgres) AddMember(ctx context.Context, member domain.GroupMember) (domain.GroupMember, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO group_members (group_id, chat_id, language) VALUES ($1, $2, $3) RETURNING id
`, member.GroupID, member.ChatID, member.Language).Scan(&member.ID)
	metrics.ObserveNetworkRequest("postgres", "insert", "group_members", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.GroupMember{}, domain.ErrDuplicateMember
		}
		return domain.GroupMember{}, err
	}
	return member, nil
}

// RemoveMember убирает чат из группы.
func (p *Postgres) RemoveMember(ctx context.Context, groupID, chatID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1 AND chat_id = $2`, groupID, chatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) listMembers(ctx context.Context, groupID int64) ([]domain.GroupMember, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, group_id, chat_id, language FROM group_members WHERE group_id = $1 ORDER BY id
`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.GroupMember
	for rows.Next() {
		var m domain.GroupMember
		if err := rows.Scan(&m.ID, &m.GroupID, &m.ChatID, &m.Language); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
