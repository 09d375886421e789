package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"tg-postman/internal/domain"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	ctx := context.Background()

	size, err := store.Save(ctx, "abc", strings.NewReader("содержимое"))
	if err != nil {
		t.Fatalf("сохранение: %v", err)
	}
	if size != int64(len("содержимое")) {
		t.Fatalf("неверный размер: %d", size)
	}

	// Два независимых открытия читают с начала файла.
	for i := 0; i < 2; i++ {
		body, err := store.Open(ctx, "abc")
		if err != nil {
			t.Fatalf("открытие %d: %v", i, err)
		}
		data, _ := io.ReadAll(body)
		body.Close()
		if string(data) != "содержимое" {
			t.Fatalf("открытие %d вернуло %q", i, data)
		}
	}

	if err := store.Delete(ctx, "abc"); err != nil {
		t.Fatalf("удаление: %v", err)
	}
	if _, err := store.Open(ctx, "abc"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("после удаления ожидали ErrNotFound, получили %v", err)
	}
}

func TestLocalStoreRejectsPathKeys(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	if _, err := store.Save(context.Background(), "../escape", strings.NewReader("x")); err == nil {
		t.Fatalf("ключ с разделителем пути должен быть отвергнут")
	}
}

func TestLocalStoreDeleteMissing(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	if err := store.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("удаление отсутствующего ключа не ошибка: %v", err)
	}
}
