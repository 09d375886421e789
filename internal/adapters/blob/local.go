package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"tg-postman/internal/domain"
)

// LocalStore хранит содержимое вложений в каталоге на диске. Ключ —
// непрозрачный идентификатор без разделителей пути; объект можно
// открывать многократно, каждое открытие даёт поток с начала файла.
type LocalStore struct {
	dir string
}

var _ domain.BlobStore = (*LocalStore)(nil)

// NewLocalStore создаёт хранилище в указанном каталоге.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога хранилища: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("недопустимый ключ хранилища %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Save записывает содержимое и возвращает его размер.
func (s *LocalStore) Save(_ context.Context, key string, r io.Reader) (int64, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("создание файла: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("запись файла: %w", err)
	}
	return size, nil
}

// Open возвращает свежий поток содержимого с начала файла.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("открытие файла: %w", err)
	}
	return f, nil
}

// Delete удаляет содержимое; отсутствующий ключ — не ошибка.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("удаление файла: %w", err)
	}
	return nil
}
