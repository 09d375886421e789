package delivery

import (
	"context"

	"github.com/rs/zerolog"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// Localizer готовит локализованное содержимое для каждого получателя.
type Localizer struct {
	translator domain.Translator
	log        zerolog.Logger
}

// NewLocalizer создаёт локализатор.
func NewLocalizer(translator domain.Translator, log zerolog.Logger) *Localizer {
	return &Localizer{translator: translator, log: log}
}

// Localize переводит текст поста и подпись кнопки на язык получателя.
// Получатель без языка получает оригинал без обращения к переводчику.
// Ошибка перевода не срывает доставку: получатель получает оригинальный
// текст, а откат фиксируется в логе и метриках. URL кнопки перевод
// не затрагивает никогда.
func (l *Localizer) Localize(ctx context.Context, post domain.Post, target Target) domain.Recipient {
	rcpt := domain.Recipient{
		ChatID:      target.ChatID,
		Text:        post.Content,
		ButtonLabel: post.ButtonText,
	}
	if target.Language == "" || l.translator == nil {
		return rcpt
	}

	translated, err := l.translator.Translate(ctx, post.Content, target.Language)
	if err != nil {
		metrics.TranslationFallbacks.Inc()
		l.log.Warn().Err(err).
			Int64("chat_id", target.ChatID).
			Str("lang", target.Language).
			Msg("перевод текста не удался, отправляем оригинал")
	} else {
		rcpt.Text = translated
	}

	if post.HasButton() {
		label, err := l.translator.Translate(ctx, post.ButtonText, target.Language)
		if err != nil {
			metrics.TranslationFallbacks.Inc()
			l.log.Warn().Err(err).
				Int64("chat_id", target.ChatID).
				Str("lang", target.Language).
				Msg("перевод кнопки не удался, отправляем оригинал")
		} else {
			rcpt.ButtonLabel = label
		}
	}

	return rcpt
}
