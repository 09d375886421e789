package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// Лимиты Bot API: около 30 сообщений в секунду суммарно и не чаще
// одного сообщения в секунду в один чат.
const (
	globalSendRate  = 30
	perChatSendRate = 1
)

// Sender реализует domain.Transport поверх Bot API. Отправки проходят
// через глобальный и початовый rate limiter и circuit breaker: серия
// отказов Telegram ненадолго размыкает отправку целиком.
type Sender struct {
	bot     *tgbotapi.BotAPI
	log     zerolog.Logger
	global  *rate.Limiter
	mu      sync.Mutex
	perChat map[int64]*rate.Limiter
	breaker *gobreaker.CircuitBreaker[*tgbotapi.APIResponse]
}

var _ domain.Transport = (*Sender)(nil)

// NewSender создаёт транспорт.
func NewSender(bot *tgbotapi.BotAPI, log zerolog.Logger) *Sender {
	settings := gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
	return &Sender{
		bot:     bot,
		log:     log,
		global:  rate.NewLimiter(rate.Limit(globalSendRate), globalSendRate),
		perChat: make(map[int64]*rate.Limiter),
		breaker: gobreaker.NewCircuitBreaker[*tgbotapi.APIResponse](settings),
	}
}

// SendText отправляет текстовое сообщение. Текст длиннее лимита
// уходит несколькими сообщениями, кнопка достаётся последнему.
func (s *Sender) SendText(ctx context.Context, msg domain.TextMessage) error {
	parts := SplitMessage(msg.Text)
	if len(parts) == 0 {
		parts = []string{msg.Text}
	}
	for i, part := range parts {
		cfg := tgbotapi.NewMessage(msg.ChatID, part)
		if msg.HTML {
			cfg.ParseMode = tgbotapi.ModeHTML
		}
		if msg.Button != nil && i == len(parts)-1 {
			cfg.ReplyMarkup = buttonMarkup(*msg.Button)
		}
		if err := s.request(ctx, msg.ChatID, "send_message", cfg); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia отправляет одно вложение методом, соответствующим категории.
func (s *Sender) SendMedia(ctx context.Context, msg domain.MediaMessage) error {
	file := tgbotapi.FileReader{Name: msg.Item.Name, Reader: msg.Item.Data}

	var (
		cfg       tgbotapi.Chattable
		operation string
	)
	switch msg.Item.Kind {
	case domain.MediaKindImage:
		photo := tgbotapi.NewPhoto(msg.ChatID, file)
		photo.Caption = msg.Item.Caption
		photo.ParseMode = parseMode(msg.Item.HTML)
		photo.ReplyMarkup = optionalMarkup(msg.Button)
		cfg, operation = photo, "send_photo"
	case domain.MediaKindVideo:
		video := tgbotapi.NewVideo(msg.ChatID, file)
		video.Caption = msg.Item.Caption
		video.ParseMode = parseMode(msg.Item.HTML)
		video.ReplyMarkup = optionalMarkup(msg.Button)
		cfg, operation = video, "send_video"
	case domain.MediaKindAudio:
		audio := tgbotapi.NewAudio(msg.ChatID, file)
		audio.Caption = msg.Item.Caption
		audio.ParseMode = parseMode(msg.Item.HTML)
		audio.ReplyMarkup = optionalMarkup(msg.Button)
		cfg, operation = audio, "send_audio"
	default:
		doc := tgbotapi.NewDocument(msg.ChatID, file)
		doc.Caption = msg.Item.Caption
		doc.ParseMode = parseMode(msg.Item.HTML)
		doc.ReplyMarkup = optionalMarkup(msg.Button)
		cfg, operation = doc, "send_document"
	}
	return s.request(ctx, msg.ChatID, operation, cfg)
}

// SendMediaGroup отправляет альбом одним вызовом sendMediaGroup.
func (s *Sender) SendMediaGroup(ctx context.Context, chatID int64, items []domain.MediaItem) error {
	media := make([]interface{}, 0, len(items))
	for _, item := range items {
		media = append(media, inputMedia(item))
	}
	cfg := tgbotapi.NewMediaGroup(chatID, media)
	return s.request(ctx, chatID, "send_media_group", cfg)
}

func inputMedia(item domain.MediaItem) interface{} {
	file := tgbotapi.FileReader{Name: item.Name, Reader: item.Data}
	switch item.Kind {
	case domain.MediaKindImage:
		m := tgbotapi.NewInputMediaPhoto(file)
		m.Caption = item.Caption
		m.ParseMode = parseMode(item.HTML)
		return m
	case domain.MediaKindVideo:
		m := tgbotapi.NewInputMediaVideo(file)
		m.Caption = item.Caption
		m.ParseMode = parseMode(item.HTML)
		return m
	case domain.MediaKindAudio:
		m := tgbotapi.NewInputMediaAudio(file)
		m.Caption = item.Caption
		m.ParseMode = parseMode(item.HTML)
		return m
	default:
		m := tgbotapi.NewInputMediaDocument(file)
		m.Caption = item.Caption
		m.ParseMode = parseMode(item.HTML)
		return m
	}
}

func (s *Sender) request(ctx context.Context, chatID int64, operation string, cfg tgbotapi.Chattable) error {
	if err := s.global.Wait(ctx); err != nil {
		return fmt.Errorf("глобальный лимит отправки: %w", err)
	}
	if err := s.chatLimiter(chatID).Wait(ctx); err != nil {
		return fmt.Errorf("лимит отправки в чат: %w", err)
	}

	start := time.Now()
	_, err := s.breaker.Execute(func() (*tgbotapi.APIResponse, error) {
		return s.bot.Request(cfg)
	})
	metrics.ObserveNetworkRequest("telegram", operation, "bot_api", start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}

func (s *Sender) chatLimiter(chatID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.perChat[chatID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(perChatSendRate), 1)
		s.perChat[chatID] = limiter
	}
	return limiter
}

func parseMode(html bool) string {
	if html {
		return tgbotapi.ModeHTML
	}
	return ""
}

func buttonMarkup(button domain.Button) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(button.Label, button.URL),
		),
	)
}

func optionalMarkup(button *domain.Button) interface{} {
	if button == nil {
		return nil
	}
	return buttonMarkup(*button)
}
