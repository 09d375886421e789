package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tg-postman/internal/domain"
)

var (
	// ErrEmptyName возвращается при пустом имени группы.
	ErrEmptyName = errors.New("имя группы не может быть пустым")
	// ErrEmptyLanguage возвращается при участнике без языка.
	ErrEmptyLanguage = errors.New("для чата в группе нужно указать язык")
	// ErrDuplicateMember возвращается, когда chat_id уже есть в группе.
	ErrDuplicateMember = errors.New("чат уже добавлен в эту группу")
)

// Service управляет чатами пользователя и группами чатов.
type Service struct {
	chats  domain.ChatRepo
	groups domain.GroupRepo
}

// NewService создаёт сервис групп.
func NewService(chats domain.ChatRepo, groups domain.GroupRepo) *Service {
	return &Service{chats: chats, groups: groups}
}

// AddChat регистрирует чат пользователя.
func (s *Service) AddChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	saved, err := s.chats.UpsertChat(ctx, chat)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("сохранение чата: %w", err)
	}
	return saved, nil
}

// ListChats возвращает чаты пользователя.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]domain.Chat, error) {
	return s.chats.ListUserChats(ctx, userID)
}

// DeleteChat удаляет чат пользователя.
func (s *Service) DeleteChat(ctx context.Context, id, userID int64) error {
	return s.chats.DeleteChat(ctx, id, userID)
}

// CreateGroup создаёт именованную группу чатов.
func (s *Service) CreateGroup(ctx context.Context, userID int64, name string) (domain.ChatGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ChatGroup{}, ErrEmptyName
	}
	group, err := s.groups.CreateGroup(ctx, domain.ChatGroup{UserID: userID, Name: name})
	if err != nil {
		return domain.ChatGroup{}, fmt.Errorf("создание группы: %w", err)
	}
	return group, nil
}

// ListGroups возвращает группы пользователя с участниками.
func (s *Service) ListGroups(ctx context.Context, userID int64) ([]domain.ChatGroup, error) {
	return s.groups.ListUserGroups(ctx, userID)
}

// DeleteGroup удаляет группу вместе с участниками.
func (s *Service) DeleteGroup(ctx context.Context, id, userID int64) error {
	return s.groups.DeleteGroup(ctx, id, userID)
}

// AddMember добавляет чат в группу пользователя. Один chat_id может
// встречаться в группе только один раз.
func (s *Service) AddMember(ctx context.Context, userID, groupID, chatID int64, language string) (domain.GroupMember, error) {
	language = strings.TrimSpace(language)
	if language == "" {
		return domain.GroupMember{}, ErrEmptyLanguage
	}
	group, err := s.groups.GetGroup(ctx, groupID, userID)
	if err != nil {
		return domain.GroupMember{}, fmt.Errorf("получение группы: %w", err)
	}
	member, err := s.groups.AddMember(ctx, domain.GroupMember{GroupID: group.ID, ChatID: chatID, Language: language})
	if err != nil {
		// Уникальность обеспечивает БД: проверка по выборке проиграла бы
		// гонку двух одновременных добавлений одного чата.
		if errors.Is(err, domain.ErrDuplicateMember) {
			return domain.GroupMember{}, ErrDuplicateMember
		}
		return domain.GroupMember{}, fmt.Errorf("добавление участника: %w", err)
	}
	return member, nil
}

// RemoveMember убирает чат из группы пользователя.
func (s *Service) RemoveMember(ctx context.Context, userID, groupID, chatID int64) error {
	if _, err := s.groups.GetGroup(ctx, groupID, userID); err != nil {
		return fmt.Errorf("получение группы: %w", err)
	}
	if err := s.groups.RemoveMember(ctx, groupID, chatID); err != nil {
		return fmt.Errorf("удаление участника: %w", err)
	}
	return nil
}
