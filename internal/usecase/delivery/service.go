package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// ErrAlreadyTaken возвращается, когда пост уже не pending: его успел
// забрать другой воркер, он отменён или доставлен.
var ErrAlreadyTaken = errors.New("пост уже обработан или обрабатывается")

// Service реализует движок доставки отложенных постов: развёртывание
// получателей, локализацию, выбор режима, отправку и фиксацию статуса.
type Service struct {
	posts     domain.PostRepo
	localizer *Localizer
	executor  *Executor
	log       zerolog.Logger
}

// NewService создаёт движок доставки.
func NewService(posts domain.PostRepo, localizer *Localizer, executor *Executor, log zerolog.Logger) *Service {
	return &Service{posts: posts, localizer: localizer, executor: executor, log: log}
}

// Deliver выполняет одну попытку доставки поста и записывает терминальный
// статус. Исчезнувший пост — не ошибка: задача молча завершается.
// Повторный вызов для уже терминального поста ничего не перезаписывает.
func (s *Service) Deliver(ctx context.Context, postID int64) error {
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Info().Int64("post_id", postID).Msg("пост удалён до доставки")
			return nil
		}
		return fmt.Errorf("получение поста: %w", err)
	}

	taken, err := s.posts.MarkSending(ctx, post.ID)
	if err != nil {
		return fmt.Errorf("захват поста: %w", err)
	}
	if !taken {
		s.log.Info().Int64("post_id", post.ID).
			Str("status", string(post.Status)).
			Msg("пост уже не pending, доставка пропущена")
		return ErrAlreadyTaken
	}

	errs := s.deliverResolved(ctx, post)
	return s.trackStatus(ctx, post.ID, errs)
}

// deliverResolved прогоняет пост через резолвер, локализатор,
// классификатор и исполнитель.
func (s *Service) deliverResolved(ctx context.Context, post domain.Post) []error {
	targets := resolveTargets(post)
	if len(targets) == 0 {
		return nil
	}

	recipients := make([]domain.Recipient, 0, len(targets))
	for _, target := range targets {
		recipients = append(recipients, s.localizer.Localize(ctx, post, target))
	}

	mode := classifyMode(post.Attachments)
	s.log.Info().Int64("post_id", post.ID).
		Str("mode", string(mode)).
		Int("recipients", len(recipients)).
		Msg("начинаем доставку поста")

	return s.executor.Execute(ctx, post, mode, recipients)
}

// trackStatus записывает терминальный статус одним атомарным обновлением.
// Запись защищена условием status = sending, поэтому повторный вход по
// терминальному посту — no-op. Любой сбой получателя помечает пост
// failed, при этом все получатели уже были опробованы, а текст ошибки
// агрегирует сбои по чатам.
func (s *Service) trackStatus(ctx context.Context, postID int64, errs []error) error {
	if len(errs) == 0 {
		metrics.PostsDelivered.WithLabelValues("sent").Inc()
		if err := s.posts.MarkSent(ctx, postID); err != nil {
			return fmt.Errorf("фиксация статуса sent: %w", err)
		}
		return nil
	}

	metrics.PostsDelivered.WithLabelValues("failed").Inc()
	if err := s.posts.MarkFailed(ctx, postID, joinErrors(errs)); err != nil {
		return fmt.Errorf("фиксация статуса failed: %w", err)
	}
	return nil
}
