package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.PostRepo = (*Postgres)(nil)
var _ domain.ChatRepo = (*Postgres)(nil)
var _ domain.GroupRepo = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// CreatePost сохраняет пост и связи с чатами и группами в одной транзакции.
func (p *Postgres) CreatePost(ctx context.Context, post domain.Post, targetIDs, groupIDs []int64) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "posts", start, err)
	if err != nil {
		return domain.Post{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
INSERT INTO posts (user_id, content, html, button_text, button_url, schedule_time, status)
VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), $6, $7)
RETURNING id, created_at
`, post.UserID, post.Content, post.HTML, post.ButtonText, post.ButtonURL, post.ScheduleTime, domain.PostStatusPending).
		Scan(&post.ID, &post.CreatedAt)
	if err != nil {
		return domain.Post{}, fmt.Errorf("вставка поста: %w", err)
	}
	post.Status = domain.PostStatusPending

	for _, chatID := range targetIDs {
		if _, err := tx.Exec(ctx, `
INSERT INTO post_targets (post_id, chat_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
`, post.ID, chatID); err != nil {
			return domain.Post{}, fmt.Errorf("привязка чата: %w", err)
		}
	}
	for _, groupID := range groupIDs {
		if _, err := tx.Exec(ctx, `
INSERT INTO post_groups (post_id, group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
`, post.ID, groupID); err != nil {
			return domain.Post{}, fmt.Errorf("привязка группы: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Post{}, fmt.Errorf("фиксация транзакции: %w", err)
	}
	return post, nil
}

func scanPost(row pgx.Row) (domain.Post, error) {
	var (
		post       domain.Post
		buttonText sql.NullString
		buttonURL  sql.NullString
		errMsg     sql.NullString
	)
	err := row.Scan(&post.ID, &post.UserID, &post.Content, &post.HTML, &buttonText, &buttonURL,
		&post.ScheduleTime, &post.Status, &errMsg, &post.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Post{}, domain.ErrNotFound
		}
		return domain.Post{}, err
	}
	post.ButtonText = buttonText.String
	post.ButtonURL = buttonURL.String
	post.ErrorMessage = errMsg.String
	return post, nil
}

const postColumns = `id, user_id, content, html, button_text, button_url, schedule_time, status, error_message, created_at`

// GetPost возвращает пост со связанными вложениями, чатами и группами.
func (p *Postgres) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "select", "posts", start, err)
	if err != nil {
		return domain.Post{}, err
	}
	return p.loadPostRelations(ctx, post)
}

// GetUserPost возвращает пост, только если он принадлежит пользователю.
func (p *Postgres) GetUserPost(ctx context.Context, id, userID int64) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	post, err := scanPost(p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		return domain.Post{}, err
	}
	return p.loadPostRelations(ctx, post)
}

func (p *Postgres) loadPostRelations(ctx context.Context, post domain.Post) (domain.Post, error) {
	atts, err := p.listAttachments(ctx, post.ID)
	if err != nil {
		return domain.Post{}, fmt.Errorf("вложения поста: %w", err)
	}
	post.Attachments = atts

	rows, err := p.pool.Query(ctx, `
SELECT c.id, c.user_id, c.chat_id, c.chat_type, c.title, COALESCE(c.url,''), c.can_post, c.added_at
FROM post_targets pt JOIN chats c ON c.id = pt.chat_id
WHERE pt.post_id = $1
ORDER BY c.id
`, post.ID)
	if err != nil {
		return domain.Post{}, fmt.Errorf("чаты поста: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var chat domain.Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.ChatID, &chat.ChatType, &chat.Title, &chat.URL, &chat.CanPost, &chat.AddedAt); err != nil {
			return domain.Post{}, err
		}
		post.Targets = append(post.Targets, chat)
	}
	if err := rows.Err(); err != nil {
		return domain.Post{}, err
	}

	groupRows, err := p.pool.Query(ctx, `
SELECT g.id, g.user_id, g.name, g.created_at
FROM post_groups pg JOIN chat_groups g ON g.id = pg.group_id
WHERE pg.post_id = $1
ORDER BY g.id
`, post.ID)
	if err != nil {
		return domain.Post{}, fmt.Errorf("группы поста: %w", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		var group domain.ChatGroup
		if err := groupRows.Scan(&group.ID, &group.UserID, &group.Name, &group.CreatedAt); err != nil {
			return domain.Post{}, err
		}
		post.Groups = append(post.Groups, group)
	}
	if err := groupRows.Err(); err != nil {
		return domain.Post{}, err
	}

	for i := range post.Groups {
		members, err := p.listMembers(ctx, post.Groups[i].ID)
		if err != nil {
			return domain.Post{}, fmt.Errorf("участники группы: %w", err)
		}
		post.Groups[i].Members = members
	}
	return post, nil
}

// ListUserPosts возвращает страницу постов пользователя и общее число.
func (p *Postgres) ListUserPosts(ctx context.Context, userID int64, query string, limit, offset int) ([]domain.Post, int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	pattern := "%" + strings.TrimSpace(query) + "%"
	var total int
	if err := p.pool.QueryRow(ctx, `
SELECT count(*) FROM posts WHERE user_id = $1 AND content ILIKE $2
`, userID, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("подсчёт постов: %w", err)
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+` FROM posts
WHERE user_id = $1 AND content ILIKE $2
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`, userID, pattern, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "select", "posts", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("выборка постов: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, 0, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}

// ListDue возвращает pending-посты, чьё время отправки уже наступило.
func (p *Postgres) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+` FROM posts
WHERE status = $1 AND schedule_time <= $2
ORDER BY schedule_time
LIMIT $3
`, domain.PostStatusPending, now, limit)
	metrics.ObserveNetworkRequest("postgres", "select", "posts_due", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка просроченных постов: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// AcquireDispatch идемпотентно фиксирует постановку поста в очередь.
// Повторный вызов для той же пары возвращает false без ошибки.
func (p *Postgres) AcquireDispatch(ctx context.Context, postID int64, scheduledFor time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO post_dispatches (post_id, scheduled_for) VALUES ($1, $2)
ON CONFLICT (post_id, scheduled_for) DO NOTHING
`, postID, scheduledFor)
	metrics.ObserveNetworkRequest("postgres", "insert", "post_dispatches", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSending атомарно переводит pending → sending.
func (p *Postgres) MarkSending(ctx context.Context, id int64) (bool, error) {
	return p.casStatus(ctx, id, domain.PostStatusPending, domain.PostStatusSending, "")
}

// MarkSent переводит sending → sent и стирает текст ошибки.
func (p *Postgres) MarkSent(ctx context.Context, id int64) error {
	_, err := p.casStatus(ctx, id, domain.PostStatusSending, domain.PostStatusSent, "")
	return err
}

// MarkFailed переводит sending → failed с текстом ошибки.
func (p *Postgres) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := p.casStatus(ctx, id, domain.PostStatusSending, domain.PostStatusFailed, reason)
	return err
}

// casStatus — единственная точка записи статуса. Сравнение и запись
// выполняются одним UPDATE, поэтому конкурирующие переходы не могут
// победить одновременно, а повторный вход по терминальному посту — no-op.
func (p *Postgres) casStatus(ctx context.Context, id int64, from, to domain.PostStatus, reason string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE posts SET status = $1, error_message = NULLIF($2,'') WHERE id = $3 AND status = $4
`, to, reason, id, from)
	metrics.ObserveNetworkRequest("postgres", "update", "posts_status", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelPending атомарно отменяет pending-пост пользователя.
func (p *Postgres) CancelPending(ctx context.Context, id, userID int64, reason string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE posts SET status = $1, error_message = $2
WHERE id = $3 AND user_id = $4 AND status = $5
`, domain.PostStatusFailed, reason, id, userID, domain.PostStatusPending)
	metrics.ObserveNetworkRequest("postgres", "update", "posts_status", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeletePost удаляет пост; вложения и связи уходят каскадом.
func (p *Postgres) DeletePost(ctx context.Context, id, userID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddAttachment сохраняет вложение поста.
func (p *Postgres) AddAttachment(ctx context.Context, att domain.Attachment) (domain.Attachment, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO attachments (post_id, original_name, storage_key, kind, size)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at
`, att.PostID, att.OriginalName, att.StorageKey, att.Kind, att.Size).Scan(&att.ID, &att.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "insert", "attachments", start, err)
	if err != nil {
		return domain.Attachment{}, err
	}
	return att, nil
}

// GetAttachment возвращает вложение, принадлежащее посту пользователя.
func (p *Postgres) GetAttachment(ctx context.Context, id, userID int64) (domain.Attachment, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var att domain.Attachment
	err := p.pool.QueryRow(ctx, `
SELECT a.id, a.post_id, a.original_name, a.storage_key, a.kind, a.size, a.created_at
FROM attachments a JOIN posts p ON p.id = a.post_id
WHERE a.id = $1 AND p.user_id = $2
`, id, userID).Scan(&att.ID, &att.PostID, &att.OriginalName, &att.StorageKey, &att.Kind, &att.Size, &att.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Attachment{}, domain.ErrNotFound
		}
		return domain.Attachment{}, err
	}
	return att, nil
}

func (p *Postgres) listAttachments(ctx context.Context, postID int64) ([]domain.Attachment, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, post_id, original_name, storage_key, kind, size, created_at
FROM attachments WHERE post_id = $1 ORDER BY id
`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []domain.Attachment
	for rows.Next() {
		var att domain.Attachment
		if err := rows.Scan(&att.ID, &att.PostID, &att.OriginalName, &att.StorageKey, &att.Kind, &att.Size, &att.CreatedAt); err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	return atts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
