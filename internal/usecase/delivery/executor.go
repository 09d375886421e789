package delivery

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// Позиция подписи в групповых отправках унаследована от исходной
// системы и закреплена тестами: альбом несёт подпись на первом
// элементе, группа документов — на последнем.
const (
	albumCaptionOnFirst   = true
	docGroupCaptionOnLast = true
	fallbackCaptionOnLast = true
)

// Executor собирает исходящие сообщения по выбранному режиму и
// отправляет их через транспорт. Сбой одного получателя не мешает
// попыткам доставки остальным.
type Executor struct {
	transport domain.Transport
	blobs     domain.BlobStore
	log       zerolog.Logger
}

// NewExecutor создаёт исполнитель доставки.
func NewExecutor(transport domain.Transport, blobs domain.BlobStore, log zerolog.Logger) *Executor {
	return &Executor{transport: transport, blobs: blobs, log: log}
}

// recipientError хранит ошибку доставки одному получателю.
type recipientError struct {
	chatID int64
	err    error
}

// Execute доставляет пост всем получателям и возвращает агрегированный
// список ошибок. Пустой список означает полную доставку (в том числе
// вырожденный случай без получателей).
func (e *Executor) Execute(ctx context.Context, post domain.Post, mode domain.SendMode, recipients []domain.Recipient) []error {
	var failures []recipientError
	for _, rcpt := range recipients {
		if err := e.deliverOne(ctx, post, mode, rcpt); err != nil {
			metrics.RecipientSends.WithLabelValues("error").Inc()
			e.log.Error().Err(err).
				Int64("post_id", post.ID).
				Int64("chat_id", rcpt.ChatID).
				Msg("доставка получателю не удалась")
			failures = append(failures, recipientError{chatID: rcpt.ChatID, err: err})
			continue
		}
		metrics.RecipientSends.WithLabelValues("ok").Inc()
	}

	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, fmt.Errorf("чат %d: %w", f.chatID, f.err))
	}
	return errs
}

func (e *Executor) deliverOne(ctx context.Context, post domain.Post, mode domain.SendMode, rcpt domain.Recipient) error {
	switch mode {
	case domain.SendModeText:
		return e.sendText(ctx, post, rcpt)
	case domain.SendModeSingleMedia:
		return e.sendSingleMedia(ctx, post, rcpt)
	case domain.SendModeMediaGroup, domain.SendModeDocGroup:
		return e.sendGroup(ctx, post, mode, rcpt)
	default:
		return fmt.Errorf("неизвестный режим отправки %q", mode)
	}
}

func (e *Executor) sendText(ctx context.Context, post domain.Post, rcpt domain.Recipient) error {
	msg := domain.TextMessage{
		ChatID: rcpt.ChatID,
		Text:   rcpt.Text,
		HTML:   post.HTML,
		Button: e.button(post, rcpt),
	}
	if err := e.transport.SendText(ctx, msg); err != nil {
		return fmt.Errorf("отправка текста: %w", err)
	}
	return nil
}

func (e *Executor) sendSingleMedia(ctx context.Context, post domain.Post, rcpt domain.Recipient) error {
	att := post.Attachments[0]
	body, err := e.blobs.Open(ctx, att.StorageKey)
	if err != nil {
		return fmt.Errorf("чтение вложения %s: %w", att.OriginalName, err)
	}
	defer body.Close()

	msg := domain.MediaMessage{
		ChatID: rcpt.ChatID,
		Item: domain.MediaItem{
			Kind:    att.Kind,
			Name:    att.OriginalName,
			Data:    body,
			Caption: rcpt.Text,
			HTML:    post.HTML,
		},
		Button: e.button(post, rcpt),
	}
	if err := e.transport.SendMedia(ctx, msg); err != nil {
		return fmt.Errorf("отправка вложения %s: %w", att.OriginalName, err)
	}
	return nil
}

// sendGroup отправляет все вложения одним пакетом. Пост с настроенной
// кнопкой сразу идёт по пути одиночных документов: sendMediaGroup не
// принимает inline-клавиатуру, а кнопка обязана дойти до получателя.
func (e *Executor) sendGroup(ctx context.Context, post domain.Post, mode domain.SendMode, rcpt domain.Recipient) error {
	if post.HasButton() {
		return e.sendAsDocuments(ctx, post, rcpt)
	}

	items, closers, err := e.openGroupItems(ctx, post, mode, rcpt)
	if err != nil {
		return err
	}

	err = e.transport.SendMediaGroup(ctx, rcpt.ChatID, items)
	closeAll(closers)
	if err != nil {
		metrics.MediaGroupFallbacks.Inc()
		e.log.Warn().Err(err).
			Int64("post_id", post.ID).
			Int64("chat_id", rcpt.ChatID).
			Msg("пакетная отправка отклонена, переходим на одиночные документы")
		return e.sendAsDocuments(ctx, post, rcpt)
	}
	return nil
}

// openGroupItems открывает свежие потоки всех вложений и расставляет
// подпись по позиции, зависящей от режима.
func (e *Executor) openGroupItems(ctx context.Context, post domain.Post, mode domain.SendMode, rcpt domain.Recipient) ([]domain.MediaItem, []io.Closer, error) {
	captionIdx := 0
	if mode == domain.SendModeDocGroup && docGroupCaptionOnLast {
		captionIdx = len(post.Attachments) - 1
	}

	items := make([]domain.MediaItem, 0, len(post.Attachments))
	closers := make([]io.Closer, 0, len(post.Attachments))
	for i, att := range post.Attachments {
		body, err := e.blobs.Open(ctx, att.StorageKey)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("чтение вложения %s: %w", att.OriginalName, err)
		}
		closers = append(closers, body)

		kind := att.Kind
		if mode == domain.SendModeDocGroup {
			kind = domain.MediaKindDocument
		}
		item := domain.MediaItem{Kind: kind, Name: att.OriginalName, Data: body}
		if i == captionIdx {
			item.Caption = rcpt.Text
			item.HTML = post.HTML
		}
		items = append(items, item)
	}
	return items, closers, nil
}

// sendAsDocuments отправляет вложения по одному документом. Подпись и
// кнопка достаются только последнему сообщению последовательности.
func (e *Executor) sendAsDocuments(ctx context.Context, post domain.Post, rcpt domain.Recipient) error {
	last := len(post.Attachments) - 1
	for i, att := range post.Attachments {
		body, err := e.blobs.Open(ctx, att.StorageKey)
		if err != nil {
			return fmt.Errorf("чтение вложения %s: %w", att.OriginalName, err)
		}

		msg := domain.MediaMessage{
			ChatID: rcpt.ChatID,
			Item:   domain.MediaItem{Kind: domain.MediaKindDocument, Name: att.OriginalName, Data: body},
		}
		if i == last {
			msg.Item.Caption = rcpt.Text
			msg.Item.HTML = post.HTML
			msg.Button = e.button(post, rcpt)
		}

		err = e.transport.SendMedia(ctx, msg)
		body.Close()
		if err != nil {
			return fmt.Errorf("отправка документа %s: %w", att.OriginalName, err)
		}
	}
	return nil
}

func (e *Executor) button(post domain.Post, rcpt domain.Recipient) *domain.Button {
	if !post.HasButton() {
		return nil
	}
	label := rcpt.ButtonLabel
	if label == "" {
		label = post.ButtonText
	}
	return &domain.Button{Label: label, URL: post.ButtonURL}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}

// joinErrors собирает агрегированное описание сбоев для статуса поста.
func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
