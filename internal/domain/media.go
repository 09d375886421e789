package domain

import (
	"path/filepath"
	"strings"
)

// MediaKind — категория вложения, выведенная из расширения файла.
type MediaKind string

const (
	// MediaKindImage — изображение.
	MediaKindImage MediaKind = "image"
	// MediaKindVideo — видеозапись.
	MediaKindVideo MediaKind = "video"
	// MediaKindAudio — аудиозапись.
	MediaKindAudio MediaKind = "audio"
	// MediaKindDocument — любой другой файл.
	MediaKindDocument MediaKind = "document"
)

var kindByExt = map[string]MediaKind{
	".jpg":  MediaKindImage,
	".jpeg": MediaKindImage,
	".png":  MediaKindImage,
	".webp": MediaKindImage,
	".bmp":  MediaKindImage,
	".mp4":  MediaKindVideo,
	".mov":  MediaKindVideo,
	".avi":  MediaKindVideo,
	".mkv":  MediaKindVideo,
	".webm": MediaKindVideo,
	".mp3":  MediaKindAudio,
	".m4a":  MediaKindAudio,
	".ogg":  MediaKindAudio,
	".flac": MediaKindAudio,
	".wav":  MediaKindAudio,
}

// DetectMediaKind определяет категорию вложения по расширению имени файла.
// Файл крупнее sizeLimit понижается до документа независимо от расширения:
// Telegram не принимает такие файлы специализированными методами.
// Нулевой sizeLimit отключает понижение.
func DetectMediaKind(filename string, size, sizeLimit int64) MediaKind {
	if sizeLimit > 0 && size > sizeLimit {
		return MediaKindDocument
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if kind, ok := kindByExt[ext]; ok {
		return kind
	}
	return MediaKindDocument
}
