package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-postman/internal/domain"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// fakeTranslator переводит добавлением префикса "[lang] " и умеет
// падать для выбранных языков.
type fakeTranslator struct {
	failLangs map[string]bool
	calls     int
}

func (t *fakeTranslator) Translate(_ context.Context, text, lang string) (string, error) {
	t.calls++
	if t.failLangs[lang] {
		return "", errors.New("translate: service unavailable")
	}
	return fmt.Sprintf("[%s] %s", lang, text), nil
}

// sentMessage фиксирует один вызов транспорта.
type sentMessage struct {
	kind    string // "text", "media", "group"
	chatID  int64
	text    string
	button  *domain.Button
	media   domain.MediaKind
	name    string
	caption string
	items   []capturedItem
	body    string
}

type capturedItem struct {
	kind    domain.MediaKind
	name    string
	caption string
	body    string
}

// fakeTransport записывает отправки и умеет отклонять вызовы.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	failChats map[int64]bool
	failGroup bool
	failMedia map[string]bool // по имени файла
}

func (t *fakeTransport) SendText(_ context.Context, msg domain.TextMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failChats[msg.ChatID] {
		return errors.New("transport: chat rejected")
	}
	t.sent = append(t.sent, sentMessage{kind: "text", chatID: msg.ChatID, text: msg.Text, button: msg.Button})
	return nil
}

func (t *fakeTransport) SendMedia(_ context.Context, msg domain.MediaMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failChats[msg.ChatID] {
		return errors.New("transport: chat rejected")
	}
	if t.failMedia[msg.Item.Name] {
		return errors.New("transport: media rejected")
	}
	body, _ := io.ReadAll(msg.Item.Data)
	t.sent = append(t.sent, sentMessage{
		kind:    "media",
		chatID:  msg.ChatID,
		media:   msg.Item.Kind,
		name:    msg.Item.Name,
		caption: msg.Item.Caption,
		button:  msg.Button,
		body:    string(body),
	})
	return nil
}

func (t *fakeTransport) SendMediaGroup(_ context.Context, chatID int64, items []domain.MediaItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failGroup || t.failChats[chatID] {
		return errors.New("transport: group rejected")
	}
	msg := sentMessage{kind: "group", chatID: chatID}
	for _, item := range items {
		body, _ := io.ReadAll(item.Data)
		msg.items = append(msg.items, capturedItem{kind: item.Kind, name: item.Name, caption: item.Caption, body: string(body)})
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) byKind(kind string) []sentMessage {
	var out []sentMessage
	for _, m := range t.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeBlobs хранит содержимое в памяти и считает открытия.
type fakeBlobs struct {
	data  map[string][]byte
	opens map[string]int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: make(map[string][]byte), opens: make(map[string]int)}
}

func (b *fakeBlobs) Save(_ context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.data[key] = data
	return int64(len(data)), nil
}

func (b *fakeBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	b.opens[key]++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) Delete(_ context.Context, key string) error {
	delete(b.data, key)
	return nil
}

func (b *fakeBlobs) totalOpens() int {
	total := 0
	for _, n := range b.opens {
		total += n
	}
	return total
}

// stubPosts реализует domain.PostRepo поверх карты в памяти.
type stubPosts struct {
	mu       sync.Mutex
	posts    map[int64]*domain.Post
	markSent []int64
	markFail []string
}

func newStubPosts(posts ...domain.Post) *stubPosts {
	s := &stubPosts{posts: make(map[int64]*domain.Post)}
	for i := range posts {
		p := posts[i]
		s.posts[p.ID] = &p
	}
	return s
}

func (s *stubPosts) CreatePost(_ context.Context, post domain.Post, _, _ []int64) (domain.Post, error) {
	s.posts[post.ID] = &post
	return post, nil
}

func (s *stubPosts) GetPost(_ context.Context, id int64) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *stubPosts) GetUserPost(ctx context.Context, id, _ int64) (domain.Post, error) {
	return s.GetPost(ctx, id)
}

func (s *stubPosts) ListUserPosts(context.Context, int64, string, int, int) ([]domain.Post, int, error) {
	return nil, 0, nil
}

func (s *stubPosts) ListDue(context.Context, time.Time, int) ([]domain.Post, error) {
	return nil, nil
}

func (s *stubPosts) AcquireDispatch(context.Context, int64, time.Time) (bool, error) {
	return true, nil
}

func (s *stubPosts) MarkSending(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status != domain.PostStatusPending {
		return false, nil
	}
	p.Status = domain.PostStatusSending
	return true, nil
}

func (s *stubPosts) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status != domain.PostStatusSending {
		return nil
	}
	p.Status = domain.PostStatusSent
	p.ErrorMessage = ""
	s.markSent = append(s.markSent, id)
	return nil
}

func (s *stubPosts) MarkFailed(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status != domain.PostStatusSending {
		return nil
	}
	p.Status = domain.PostStatusFailed
	p.ErrorMessage = reason
	s.markFail = append(s.markFail, reason)
	return nil
}

func (s *stubPosts) CancelPending(_ context.Context, id, _ int64, reason string) (bool, error) {
	p, ok := s.posts[id]
	if !ok || p.Status != domain.PostStatusPending {
		return false, nil
	}
	p.Status = domain.PostStatusFailed
	p.ErrorMessage = reason
	return true, nil
}

func (s *stubPosts) DeletePost(_ context.Context, id, _ int64) error {
	delete(s.posts, id)
	return nil
}

func (s *stubPosts) AddAttachment(_ context.Context, att domain.Attachment) (domain.Attachment, error) {
	return att, nil
}

func (s *stubPosts) GetAttachment(context.Context, int64, int64) (domain.Attachment, error) {
	return domain.Attachment{}, domain.ErrNotFound
}

var _ domain.PostRepo = (*stubPosts)(nil)
var _ domain.Transport = (*fakeTransport)(nil)
var _ domain.BlobStore = (*fakeBlobs)(nil)
var _ domain.Translator = (*fakeTranslator)(nil)
