package delivery

import "tg-postman/internal/domain"

// Target — развёрнутый получатель до локализации. Пустой язык означает,
// что чат выбран напрямую и получает текст поста без перевода.
type Target struct {
	ChatID   int64
	Language string
}

// resolveTargets разворачивает группы и индивидуальные чаты поста в
// плоский список получателей. Дубликаты по chat_id схлопываются: группы
// обходятся первыми, поэтому групповая запись с её языком имеет
// приоритет над индивидуальной. Порядок первого появления сохраняется.
func resolveTargets(post domain.Post) []Target {
	seen := make(map[int64]struct{})
	var targets []Target

	for _, group := range post.Groups {
		for _, member := range group.Members {
			if _, ok := seen[member.ChatID]; ok {
				continue
			}
			seen[member.ChatID] = struct{}{}
			targets = append(targets, Target{ChatID: member.ChatID, Language: member.Language})
		}
	}

	for _, chat := range post.Targets {
		if _, ok := seen[chat.ChatID]; ok {
			continue
		}
		seen[chat.ChatID] = struct{}{}
		targets = append(targets, Target{ChatID: chat.ChatID})
	}

	return targets
}
