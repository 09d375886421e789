package delivery

import "tg-postman/internal/domain"

// classifyMode выбирает транспортную стратегию по составу вложений.
// Решение принимается один раз на пост и действует для всех получателей.
func classifyMode(attachments []domain.Attachment) domain.SendMode {
	if len(attachments) == 0 {
		return domain.SendModeText
	}
	// Единственное вложение уходит отдельным сообщением: транспортный
	// метод выбирается по категории, включая документ.
	if len(attachments) == 1 {
		return domain.SendModeSingleMedia
	}

	albumOnly := true
	for _, att := range attachments {
		switch att.Kind {
		case domain.MediaKindImage, domain.MediaKindVideo, domain.MediaKindAudio:
		default:
			albumOnly = false
		}
	}

	if albumOnly {
		return domain.SendModeMediaGroup
	}
	return domain.SendModeDocGroup
}
