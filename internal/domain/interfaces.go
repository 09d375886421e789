package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound возвращается репозиториями, когда запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// ErrDuplicateMember возвращается при повторном chat_id в одной группе.
var ErrDuplicateMember = errors.New("чат уже состоит в группе")

// PostRepo управляет постами и их статусами.
type PostRepo interface {
	// CreatePost сохраняет пост и связывает его с чатами и группами
	// по их идентификаторам.
	CreatePost(ctx context.Context, post Post, targetIDs, groupIDs []int64) (Post, error)
	// GetPost возвращает пост с вложениями, целями и группами.
	GetPost(ctx context.Context, id int64) (Post, error)
	GetUserPost(ctx context.Context, id, userID int64) (Post, error)
	ListUserPosts(ctx context.Context, userID int64, query string, limit, offset int) ([]Post, int, error)
	// ListDue возвращает pending-посты, чьё время отправки наступило.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Post, error)
	// AcquireDispatch идемпотентно помечает пост поставленным в очередь
	// и возвращает true, если запись была создана впервые.
	AcquireDispatch(ctx context.Context, postID int64, scheduledFor time.Time) (bool, error)
	// MarkSending атомарно переводит pending → sending. Возвращает false,
	// если пост уже не pending (отменён, доставлен или доставляется).
	MarkSending(ctx context.Context, id int64) (bool, error)
	// MarkSent переводит sending → sent и стирает текст ошибки.
	MarkSent(ctx context.Context, id int64) error
	// MarkFailed переводит sending → failed с текстом ошибки.
	MarkFailed(ctx context.Context, id int64, reason string) error
	// CancelPending атомарно отменяет pending-пост пользователя.
	CancelPending(ctx context.Context, id, userID int64, reason string) (bool, error)
	DeletePost(ctx context.Context, id, userID int64) error
	AddAttachment(ctx context.Context, att Attachment) (Attachment, error)
	GetAttachment(ctx context.Context, id, userID int64) (Attachment, error)
}

// ChatRepo управляет чатами пользователя.
type ChatRepo interface {
	UpsertChat(ctx context.Context, chat Chat) (Chat, error)
	ListUserChats(ctx context.Context, userID int64) ([]Chat, error)
	DeleteChat(ctx context.Context, id, userID int64) error
}

// GroupRepo управляет группами чатов и их участниками.
type GroupRepo interface {
	CreateGroup(ctx context.Context, group ChatGroup) (ChatGroup, error)
	GetGroup(ctx context.Context, id, userID int64) (ChatGroup, error)
	ListUserGroups(ctx context.Context, userID int64) ([]ChatGroup, error)
	DeleteGroup(ctx context.Context, id, userID int64) error
	// AddMember добавляет чат в группу. Повторный chat_id в той же группе
	// возвращает ErrDuplicateMember.
	AddMember(ctx context.Context, member GroupMember) (GroupMember, error)
	RemoveMember(ctx context.Context, groupID, chatID int64) error
}

// BlobStore — хранилище содержимого вложений. Сохранённый объект можно
// открывать многократно, каждый раз получая свежий поток с начала файла.
type BlobStore interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Translator переводит текст на указанный язык.
type Translator interface {
	Translate(ctx context.Context, text, lang string) (string, error)
}

// Button описывает inline-кнопку со ссылкой.
type Button struct {
	Label string
	URL   string
}

// TextMessage — текстовое сообщение для отправки в чат.
type TextMessage struct {
	ChatID int64
	Text   string
	HTML   bool
	Button *Button
}

// MediaItem — один элемент медиа-отправки. Data читается однократно.
type MediaItem struct {
	Kind    MediaKind
	Name    string
	Data    io.Reader
	Caption string
	HTML    bool
}

// MediaMessage — одиночное медиа-сообщение с подписью.
type MediaMessage struct {
	ChatID int64
	Item   MediaItem
	Button *Button
}

// Transport доставляет сообщения в Telegram. Групповые отправки не несут
// inline-кнопок: Bot API не принимает клавиатуру у sendMediaGroup.
type Transport interface {
	SendText(ctx context.Context, msg TextMessage) error
	SendMedia(ctx context.Context, msg MediaMessage) error
	SendMediaGroup(ctx context.Context, chatID int64, items []MediaItem) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
