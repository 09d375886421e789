package posts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// ErrPastSchedule возвращается при времени отправки не в будущем.
var ErrPastSchedule = errors.New("время отправки должно быть в будущем")

// ErrNoRecipients возвращается, если не выбран ни один чат и ни одна группа.
var ErrNoRecipients = errors.New("нужно выбрать хотя бы один чат или группу")

// ErrNotPending возвращается при действии над постом, который уже
// отправлен, отправляется или отменён.
var ErrNotPending = errors.New("пост уже отправлен или не может быть изменён")

// CancelReason записывается в текст ошибки отменённого поста.
const CancelReason = "пост отменён пользователем"

// FileUpload — загружаемое вложение.
type FileUpload struct {
	Name string
	Size int64
	Data io.Reader
}

// CreateInput — параметры создания поста.
type CreateInput struct {
	UserID       int64
	Content      string
	HTML         bool
	ButtonText   string
	ButtonURL    string
	ScheduleTime time.Time
	TargetIDs    []int64
	GroupIDs     []int64
	Files        []FileUpload
}

// Service отвечает за жизненный цикл постов до момента доставки.
type Service struct {
	posts     domain.PostRepo
	blobs     domain.BlobStore
	queue     domain.DeliveryQueue
	sizeLimit int64
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт сервис постов. sizeLimit — порог, выше которого
// вложение понижается до документа.
func NewService(posts domain.PostRepo, blobs domain.BlobStore, queue domain.DeliveryQueue, sizeLimit int64, log zerolog.Logger) *Service {
	return &Service{posts: posts, blobs: blobs, queue: queue, sizeLimit: sizeLimit, log: log, now: time.Now}
}

// Create валидирует и сохраняет пост вместе с вложениями. Валидация
// отсекает прошлое время отправки и пустой список получателей до того,
// как пост попадёт в планировщик.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Post, error) {
	if !in.ScheduleTime.After(s.now()) {
		return domain.Post{}, ErrPastSchedule
	}
	if len(in.TargetIDs) == 0 && len(in.GroupIDs) == 0 {
		return domain.Post{}, ErrNoRecipients
	}

	post := domain.Post{
		UserID:       in.UserID,
		Content:      in.Content,
		HTML:         in.HTML,
		ButtonText:   in.ButtonText,
		ButtonURL:    in.ButtonURL,
		ScheduleTime: in.ScheduleTime,
		Status:       domain.PostStatusPending,
	}
	created, err := s.posts.CreatePost(ctx, post, in.TargetIDs, in.GroupIDs)
	if err != nil {
		return domain.Post{}, fmt.Errorf("сохранение поста: %w", err)
	}

	for _, file := range in.Files {
		att, err := s.saveAttachment(ctx, created.ID, file)
		if err != nil {
			s.discardCreated(ctx, created)
			return domain.Post{}, err
		}
		created.Attachments = append(created.Attachments, att)
	}

	s.log.Info().Int64("post_id", created.ID).
		Time("schedule_time", created.ScheduleTime).
		Int("attachments", len(created.Attachments)).
		Msg("пост создан")
	return created, nil
}

// discardCreated компенсирует пост, у которого не сохранились все
// вложения. Без отката он остался бы pending и ушёл в доставку с
// неполным набором файлов, хотя пользователь получил ошибку.
func (s *Service) discardCreated(ctx context.Context, post domain.Post) {
	for _, att := range post.Attachments {
		if err := s.blobs.Delete(ctx, att.StorageKey); err != nil {
			s.log.Warn().Err(err).Str("key", att.StorageKey).Msg("не удалось удалить блоб вложения")
		}
	}
	if err := s.posts.DeletePost(ctx, post.ID, post.UserID); err != nil {
		s.log.Warn().Err(err).Int64("post_id", post.ID).Msg("не удалось удалить недосозданный пост")
	}
}

func (s *Service) saveAttachment(ctx context.Context, postID int64, file FileUpload) (domain.Attachment, error) {
	key := uuid.NewString()
	size, err := s.blobs.Save(ctx, key, file.Data)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("сохранение файла %s: %w", file.Name, err)
	}

	att := domain.Attachment{
		PostID:       postID,
		OriginalName: file.Name,
		StorageKey:   key,
		Kind:         domain.DetectMediaKind(file.Name, size, s.sizeLimit),
		Size:         size,
	}
	saved, err := s.posts.AddAttachment(ctx, att)
	if err != nil {
		_ = s.blobs.Delete(ctx, key)
		return domain.Attachment{}, fmt.Errorf("сохранение вложения %s: %w", file.Name, err)
	}
	return saved, nil
}

// SendNow ставит pending-пост в очередь немедленной доставки. Гонку с
// плановым срабатыванием разрешает CAS pending → sending на стороне
// воркера: побеждает ровно один вызов.
func (s *Service) SendNow(ctx context.Context, id, userID int64) error {
	post, err := s.posts.GetUserPost(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("получение поста: %w", err)
	}
	if post.Status != domain.PostStatusPending {
		return ErrNotPending
	}

	job := domain.DeliveryJob{
		ID:          uuid.NewString(),
		PostID:      post.ID,
		Cause:       domain.DeliveryCauseManual,
		RequestedAt: s.now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("постановка в очередь: %w", err)
	}
	metrics.PostsQueued.WithLabelValues(string(domain.DeliveryCauseManual)).Inc()
	return nil
}

// Cancel отменяет pending-пост. Отмена и доставка защищены одним
// атомарным сравнением статуса: уже начатую доставку отменить нельзя.
func (s *Service) Cancel(ctx context.Context, id, userID int64) error {
	ok, err := s.posts.CancelPending(ctx, id, userID, CancelReason)
	if err != nil {
		return fmt.Errorf("отмена поста: %w", err)
	}
	if !ok {
		return ErrNotPending
	}
	s.log.Info().Int64("post_id", id).Msg("пост отменён")
	return nil
}

// Delete удаляет пост вместе с содержимым вложений.
func (s *Service) Delete(ctx context.Context, id, userID int64) error {
	post, err := s.posts.GetUserPost(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("получение поста: %w", err)
	}
	for _, att := range post.Attachments {
		if err := s.blobs.Delete(ctx, att.StorageKey); err != nil {
			s.log.Warn().Err(err).Str("key", att.StorageKey).Msg("не удалось удалить блоб вложения")
		}
	}
	if err := s.posts.DeletePost(ctx, id, userID); err != nil {
		return fmt.Errorf("удаление поста: %w", err)
	}
	return nil
}

// Get возвращает пост пользователя со связанными сущностями.
func (s *Service) Get(ctx context.Context, id, userID int64) (domain.Post, error) {
	return s.posts.GetUserPost(ctx, id, userID)
}

// List возвращает страницу постов пользователя с поиском по тексту.
func (s *Service) List(ctx context.Context, userID int64, query string, limit, offset int) ([]domain.Post, int, error) {
	return s.posts.ListUserPosts(ctx, userID, query, limit, offset)
}

// OpenAttachment отдаёт вложение пользователя и свежий поток содержимого.
func (s *Service) OpenAttachment(ctx context.Context, id, userID int64) (domain.Attachment, io.ReadCloser, error) {
	att, err := s.posts.GetAttachment(ctx, id, userID)
	if err != nil {
		return domain.Attachment{}, nil, fmt.Errorf("получение вложения: %w", err)
	}
	body, err := s.blobs.Open(ctx, att.StorageKey)
	if err != nil {
		return domain.Attachment{}, nil, fmt.Errorf("чтение вложения: %w", err)
	}
	return att, body, nil
}
