package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-postman/internal/domain"
	"tg-postman/internal/infra/metrics"
)

// Client переводит тексты через LibreTranslate-совместимый сервис.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

var _ domain.Translator = (*Client)(nil)

// NewClient создаёт клиента перевода.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

// Translate переводит текст на указанный язык. Исходный язык сервис
// определяет сам.
func (c *Client) Translate(ctx context.Context, text, lang string) (string, error) {
	body, err := json.Marshal(translateRequest{
		Q:      text,
		Source: "auto",
		Target: lang,
		Format: "text",
		APIKey: c.apiKey,
	})
	if err != nil {
		return "", fmt.Errorf("кодирование запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("translate", "translate", lang, start, err)
	if err != nil {
		return "", fmt.Errorf("запрос перевода: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("перевод отклонён: статус %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("декодирование ответа: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("перевод отклонён: %s", parsed.Error)
	}
	if parsed.TranslatedText == "" {
		return "", fmt.Errorf("пустой перевод для языка %s", lang)
	}
	return parsed.TranslatedText, nil
}
