package delivery

import (
	"context"
	"testing"

	"tg-postman/internal/domain"
)

func mediaPost(kinds ...domain.MediaKind) domain.Post {
	post := domain.Post{ID: 1, Content: "текст", HTML: true}
	for i, k := range kinds {
		post.Attachments = append(post.Attachments, domain.Attachment{
			ID:           int64(i + 1),
			Kind:         k,
			OriginalName: string(rune('a'+i)) + ".bin",
			StorageKey:   string(rune('a' + i)),
		})
	}
	return post
}

func seedBlobs(post domain.Post) *fakeBlobs {
	blobs := newFakeBlobs()
	for _, att := range post.Attachments {
		blobs.data[att.StorageKey] = []byte("данные " + att.StorageKey)
	}
	return blobs
}

func rcpt(chatID int64) domain.Recipient {
	return domain.Recipient{ChatID: chatID, Text: "текст", ButtonLabel: ""}
}

func TestExecuteTextMode(t *testing.T) {
	transport := &fakeTransport{}
	blobs := newFakeBlobs()
	ex := NewExecutor(transport, blobs, testLogger())
	post := domain.Post{ID: 1, Content: "текст", ButtonText: "Открыть", ButtonURL: "https://tgpost.ru"}

	errs := ex.Execute(context.Background(), post, domain.SendModeText, []domain.Recipient{
		{ChatID: 7, Text: "localized", ButtonLabel: "Open"},
	})
	if len(errs) != 0 {
		t.Fatalf("не ожидали ошибок: %v", errs)
	}
	if len(transport.sent) != 1 || transport.sent[0].kind != "text" {
		t.Fatalf("ожидали одно текстовое сообщение: %+v", transport.sent)
	}
	msg := transport.sent[0]
	if msg.text != "localized" {
		t.Fatalf("текст должен быть локализованным, получили %q", msg.text)
	}
	if msg.button == nil || msg.button.Label != "Open" || msg.button.URL != "https://tgpost.ru" {
		t.Fatalf("кнопка собрана неверно: %+v", msg.button)
	}
	if blobs.totalOpens() != 0 {
		t.Fatalf("текстовый режим не должен трогать хранилище, было %d открытий", blobs.totalOpens())
	}
}

func TestExecuteSingleMediaUsesKindTransport(t *testing.T) {
	post := mediaPost(domain.MediaKindImage)
	transport := &fakeTransport{}
	blobs := seedBlobs(post)
	ex := NewExecutor(transport, blobs, testLogger())

	errs := ex.Execute(context.Background(), post, domain.SendModeSingleMedia, []domain.Recipient{rcpt(7)})
	if len(errs) != 0 {
		t.Fatalf("не ожидали ошибок: %v", errs)
	}
	medias := transport.byKind("media")
	if len(medias) != 1 {
		t.Fatalf("ожидали одно медиа-сообщение, получили %d", len(medias))
	}
	if medias[0].media != domain.MediaKindImage {
		t.Fatalf("фото должно уходить фото-транспортом, получили %s", medias[0].media)
	}
	if medias[0].caption != "текст" {
		t.Fatalf("подпись должна совпадать с текстом получателя, получили %q", medias[0].caption)
	}
}

func TestExecuteMediaGroupCaptionOnFirst(t *testing.T) {
	post := mediaPost(domain.MediaKindImage, domain.MediaKindVideo, domain.MediaKindImage)
	transport := &fakeTransport{}
	ex := NewExecutor(transport, seedBlobs(post), testLogger())

	errs := ex.Execute(context.Background(), post, domain.SendModeMediaGroup, []domain.Recipient{rcpt(7)})
	if len(errs) != 0 {
		t.Fatalf("не ожидали ошибок: %v", errs)
	}
	groups := transport.byKind("group")
	if len(groups) != 1 || len(groups[0].items) != 3 {
		t.Fatalf("ожидали один альбом из 3 элементов: %+v", groups)
	}
	if groups[0].items[0].caption != "текст" {
		t.Fatalf("подпись альбома должна быть на первом элементе")
	}
	if groups[0].items[1].caption != "" || groups[0].items[2].caption != "" {
		t.Fatalf("остальные элементы альбома не должны нести подпись: %+v", groups[0].items)
	}
}

func TestExecuteDocGroupCaptionOnLast(t *testing.T) {
	post := mediaPost(domain.MediaKindImage, domain.MediaKindDocument)
	transport := &fakeTransport{}
	ex := NewExecutor(transport, seedBlobs(post), testLogger())

	errs := ex.Execute(context.Background(), post, domain.SendModeDocGroup, []domain.Recipient{rcpt(7)})
	if len(errs) != 0 {
		t.Fatalf("не ожидали ошибок: %v", errs)
	}
	groups := transport.byKind("group")
	if len(groups) != 1 {
		t.Fatalf("ожидали один пакет, получили %d", len(groups))
	}
	items := groups[0].items
	if items[0].caption != "" || items[1].caption != "текст" {
		t.Fatalf("подпись группы документов должна быть на последнем элементе: %+v", items)
	}
	for _, item := range items {
		if item.kind != domain.MediaKindDocument {
			t.Fatalf("в группе документов все элементы уходят документами: %+v", item)
		}
	}
}

func TestExecuteGroupFallbackToDocuments(t *testing.T) {
	post := mediaPost(domain.MediaKindImage, domain.MediaKindVideo, domain.MediaKindAudio)
	transport := &fakeTransport{failGroup: true}
	blobs := seedBlobs(post)
	ex := NewExecutor(transport, blobs, testLogger())

	errs := ex.Execute(context.Background(), post, domain.SendModeMediaGroup, []domain.Recipient{rcpt(7)})
	if len(errs) != 0 {
		t.Fatalf("откат должен спасти доставку: %v", errs)
	}
	medias := transport.byKind("media")
	if len(medias) != 3 {
		t.Fatalf("ожидали 3 одиночных документа, получили %d", len(medias))
	}
	for i, m := range medias {
		if m.media != domain.MediaKindDocument {
			t.Fatalf("откат отправляет документами, элемент %d: %s", i, m.media)
		}
		wantCaption := ""
		if i == len(medias)-1 {
			wantCaption = "текст"
		}
		if m.caption != wantCaption {
			t.Fatalf("подпись отката должна быть только на последнем: %d=%q", i, m.caption)
		}
	}
	// Свежая вычитка: пакет плюс откат — по два открытия каждого блоба.
	for key, n := range blobs.opens {
		if n != 2 {
			t.Fatalf("блоб %s должен открываться заново для отката, открытий %d", key, n)
		}
	}
}

func TestExecuteGroupWithButtonGoesDocumentPath(t *testing.T) {
	post := mediaPost(domain.MediaKindImage, domain.MediaKindVideo)
	post.ButtonText = "Открыть"
	post.ButtonURL = "https://tgpost.ru"
	transport := &fakeTransport{}
	ex := NewExecutor(transport, seedBlobs(post), testLogger())

	errs := ex.Execute(context.Background(), post, domain.SendModeMediaGroup, []domain.Recipient{
		{ChatID: 7, Text: "текст", ButtonLabel: "Open"},
	})
	if len(errs) != 0 {
		t.Fatalf("не ожидали ошибок: %v", errs)
	}
	if len(transport.byKind("group")) != 0 {
		t.Fatalf("пост с кнопкой не должен уходить пакетом")
	}
	medias := transport.byKind("media")
	if len(medias) != 2 {
		t.Fatalf("ожидали 2 одиночных документа, получили %d", len(medias))
	}
	if medias[0].button != nil {
		t.Fatalf("кнопка не должна быть на промежуточных сообщениях")
	}
	last := medias[len(medias)-1]
	if last.button == nil || last.button.Label != "Open" {
		t.Fatalf("кнопка должна быть на последнем сообщении: %+v", last.button)
	}
}

func TestExecuteIsolatesRecipientFailures(t *testing.T) {
	transport := &fakeTransport{failChats: map[int64]bool{100: true}}
	ex := NewExecutor(transport, newFakeBlobs(), testLogger())
	post := domain.Post{ID: 1, Content: "текст"}

	errs := ex.Execute(context.Background(), post, domain.SendModeText, []domain.Recipient{
		{ChatID: 100, Text: "a"},
		{ChatID: 200, Text: "b"},
		{ChatID: 300, Text: "c"},
	})
	if len(errs) != 1 {
		t.Fatalf("ожидали одну ошибку, получили %d: %v", len(errs), errs)
	}
	if len(transport.byKind("text")) != 2 {
		t.Fatalf("остальные получатели должны быть опробованы, дошло %d", len(transport.byKind("text")))
	}
}

func TestExecuteReadsBlobsFreshPerRecipient(t *testing.T) {
	post := mediaPost(domain.MediaKindImage)
	transport := &fakeTransport{}
	blobs := seedBlobs(post)
	ex := NewExecutor(transport, blobs, testLogger())

	errs := ex.Execute(context.Background(), post, domain.SendModeSingleMedia, []domain.Recipient{rcpt(1), rcpt(2)})
	if len(errs) != 0 {
		t.Fatalf("не ожидали ошибок: %v", errs)
	}
	if blobs.opens["a"] != 2 {
		t.Fatalf("каждый получатель читает блоб заново, открытий %d", blobs.opens["a"])
	}
	medias := transport.byKind("media")
	if medias[0].body != "данные a" || medias[1].body != "данные a" {
		t.Fatalf("оба получателя должны получить полное содержимое: %+v", medias)
	}
}
