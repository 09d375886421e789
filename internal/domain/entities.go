package domain

import "time"

// PostStatus описывает состояние отложенного поста.
type PostStatus string

const (
	// PostStatusPending — пост ожидает отправки.
	PostStatusPending PostStatus = "pending"
	// PostStatusSending — доставка поста выполняется прямо сейчас.
	PostStatusSending PostStatus = "sending"
	// PostStatusSent — пост доставлен.
	PostStatusSent PostStatus = "sent"
	// PostStatusFailed — доставка завершилась ошибкой или пост отменён.
	PostStatusFailed PostStatus = "failed"
)

// Post представляет отложенную публикацию пользователя.
type Post struct {
	ID           int64
	UserID       int64
	Content      string
	HTML         bool
	ButtonText   string
	ButtonURL    string
	ScheduleTime time.Time
	Status       PostStatus
	ErrorMessage string
	CreatedAt    time.Time

	Attachments []Attachment
	Targets     []Chat
	Groups      []ChatGroup
}

// HasButton сообщает, настроена ли у поста inline-кнопка.
func (p Post) HasButton() bool {
	return p.ButtonText != "" && p.ButtonURL != ""
}

// Attachment описывает файл, прикреплённый к посту. Порядок вложений
// внутри поста значим и совпадает с порядком загрузки.
type Attachment struct {
	ID           int64
	PostID       int64
	OriginalName string
	StorageKey   string
	Kind         MediaKind
	Size         int64
	CreatedAt    time.Time
}

// Chat представляет чат или канал Telegram, добавленный пользователем.
type Chat struct {
	ID       int64
	UserID   int64
	ChatID   int64
	ChatType string
	Title    string
	URL      string
	CanPost  bool
	AddedAt  time.Time
}

// ChatGroup — именованная подборка чатов с языком для каждого участника.
type ChatGroup struct {
	ID        int64
	UserID    int64
	Name      string
	CreatedAt time.Time
	Members   []GroupMember
}

// GroupMember — чат внутри группы. Один chat_id встречается в группе
// не более одного раза.
type GroupMember struct {
	ID       int64
	GroupID  int64
	ChatID   int64
	Language string
}

// Recipient — развёрнутый получатель с уже локализованным содержимым.
// Строится заново при каждой попытке доставки и нигде не хранится.
type Recipient struct {
	ChatID      int64
	Text        string
	ButtonLabel string
}

// SendMode определяет транспортную стратегию доставки поста.
type SendMode string

const (
	// SendModeText — обычное текстовое сообщение.
	SendModeText SendMode = "text"
	// SendModeSingleMedia — единственное вложение отдельным сообщением.
	SendModeSingleMedia SendMode = "single_media"
	// SendModeMediaGroup — однородный альбом из фото/видео/аудио.
	SendModeMediaGroup SendMode = "media_group"
	// SendModeDocGroup — смешанный набор, отправляемый документами.
	SendModeDocGroup SendMode = "doc_group"
)
