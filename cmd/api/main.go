package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tg-postman/internal/adapters/blob"
	"tg-postman/internal/adapters/repo"
	"tg-postman/internal/domain"
	"tg-postman/internal/infra/cache"
	"tg-postman/internal/infra/config"
	"tg-postman/internal/infra/db"
	httpinfra "tg-postman/internal/infra/http"
	applog "tg-postman/internal/infra/log"
	"tg-postman/internal/infra/metrics"
	"tg-postman/internal/infra/queue"
	groupsusecase "tg-postman/internal/usecase/groups"
	postsusecase "tg-postman/internal/usecase/posts"
)

const maxUploadBytes = 256 << 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("api: ошибка конфигурации")
	}
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	blobs, err := blob.NewLocalStore(cfg.StorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: недоступно хранилище вложений")
	}

	deliveryQueue, closeQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: недоступна очередь доставки")
	}
	defer closeQueue()

	postsService := postsusecase.NewService(repoAdapter, blobs, deliveryQueue, cfg.AttachmentLimitBytes(), logger.With().Str("component", "posts").Logger())
	groupsService := groupsusecase.NewService(repoAdapter, repoAdapter)

	srv := httpinfra.NewServer(logger)
	h := &handlers{posts: postsService, groups: groupsService, log: logger}

	srv.Router.Group(func(r chi.Router) {
		r.Use(userAuth)

		r.Post("/api/v1/posts", h.createPost)
		r.Get("/api/v1/posts", h.listPosts)
		r.Get("/api/v1/posts/{id}", h.getPost)
		r.Post("/api/v1/posts/{id}/send", h.sendPostNow)
		r.Post("/api/v1/posts/{id}/cancel", h.cancelPost)
		r.Delete("/api/v1/posts/{id}", h.deletePost)
		r.Get("/api/v1/attachments/{id}", h.downloadAttachment)

		r.Post("/api/v1/chats", h.addChat)
		r.Get("/api/v1/chats", h.listChats)
		r.Delete("/api/v1/chats/{id}", h.deleteChat)

		r.Post("/api/v1/groups", h.createGroup)
		r.Get("/api/v1/groups", h.listGroups)
		r.Delete("/api/v1/groups/{id}", h.deleteGroup)
		r.Post("/api/v1/groups/{id}/members", h.addGroupMember)
		r.Delete("/api/v1/groups/{id}/members/{chatID}", h.removeGroupMember)
	})

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":"+cfg.MetricsPort)
	go func() {
		if err := srv.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildQueue выбирает брокер очереди: RabbitMQ при заданном AMQP_URL,
// иначе Redis.
func buildQueue(cfg *config.AppConfig) (domain.DeliveryQueue, func(), error) {
	if cfg.AMQPURL != "" {
		q, err := queue.NewRabbitDeliveryQueue(cfg.AMQPURL, cfg.DeliveryQueue)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	}
	client, err := cache.NewClient(cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewRedisDeliveryQueue(client, cfg.DeliveryQueue), func() { _ = client.Close() }, nil
}

type ctxKey string

const userIDKey ctxKey = "user_id"

// userAuth извлекает идентификатор пользователя из заголовка X-User-ID.
// Внешняя аутентификация выполняется шлюзом перед этим сервисом.
func userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			writeError(w, http.StatusUnauthorized, "требуется заголовок X-User-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

type handlers struct {
	posts  *postsusecase.Service
	groups *groupsusecase.Service
	log    zerolog.Logger
}

func (h *handlers) createPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "ожидается multipart/form-data")
		return
	}
	scheduleTime, err := time.Parse(time.RFC3339, r.FormValue("schedule_time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "schedule_time должен быть в формате RFC3339")
		return
	}
	targetIDs, err := parseIDList(r.FormValue("target_ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "target_ids должен быть списком чисел")
		return
	}
	groupIDs, err := parseIDList(r.FormValue("group_ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "group_ids должен быть списком чисел")
		return
	}

	in := postsusecase.CreateInput{
		UserID:       userFrom(r),
		Content:      r.FormValue("content"),
		HTML:         r.FormValue("html") == "true",
		ButtonText:   r.FormValue("button_text"),
		ButtonURL:    r.FormValue("button_url"),
		ScheduleTime: scheduleTime,
		TargetIDs:    targetIDs,
		GroupIDs:     groupIDs,
	}
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			file, err := header.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, "не удалось прочитать вложение")
				return
			}
			defer file.Close()
			in.Files = append(in.Files, postsusecase.FileUpload{
				Name: header.Filename,
				Size: header.Size,
				Data: file,
			})
		}
	}

	post, err := h.posts.Create(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, postsusecase.ErrPastSchedule), errors.Is(err, postsusecase.ErrNoRecipients):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error().Err(err).Msg("api: создание поста")
			writeError(w, http.StatusInternalServerError, "не удалось создать пост")
		}
		return
	}
	writeJSONStatus(w, http.StatusCreated, postView(post))
}

func (h *handlers) listPosts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	posts, total, err := h.posts.List(r.Context(), userFrom(r), r.URL.Query().Get("query"), limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("api: список постов")
		writeError(w, http.StatusInternalServerError, "не удалось получить посты")
		return
	}
	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		items = append(items, postView(post))
	}
	writeJSON(w, map[string]any{"items": items, "total": total})
}

func (h *handlers) getPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	post, err := h.posts.Get(r.Context(), id, userFrom(r))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "пост не найден")
			return
		}
		h.log.Error().Err(err).Msg("api: получение поста")
		writeError(w, http.StatusInternalServerError, "не удалось получить пост")
		return
	}
	writeJSON(w, postView(post))
}

func (h *handlers) sendPostNow(w http.ResponseWriter, r *http.Request) {
	h.postAction(w, r, h.posts.SendNow, "api: немедленная отправка")
}

func (h *handlers) cancelPost(w http.ResponseWriter, r *http.Request) {
	h.postAction(w, r, h.posts.Cancel, "api: отмена поста")
}

func (h *handlers) deletePost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	if err := h.posts.Delete(r.Context(), id, userFrom(r)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "пост не найден")
			return
		}
		h.log.Error().Err(err).Msg("api: удаление поста")
		writeError(w, http.StatusInternalServerError, "не удалось удалить пост")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) postAction(w http.ResponseWriter, r *http.Request, action func(context.Context, int64, int64) error, logMsg string) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	if err := action(r.Context(), id, userFrom(r)); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "пост не найден")
		case errors.Is(err, postsusecase.ErrNotPending):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error().Err(err).Msg(logMsg)
			writeError(w, http.StatusInternalServerError, "операция не выполнена")
		}
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	att, body, err := h.posts.OpenAttachment(r.Context(), id, userFrom(r))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "вложение не найдено")
			return
		}
		h.log.Error().Err(err).Msg("api: скачивание вложения")
		writeError(w, http.StatusInternalServerError, "не удалось отдать вложение")
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+att.OriginalName+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	_, _ = io.Copy(w, body)
}

type addChatRequest struct {
	ChatID   int64  `json:"chat_id"`
	ChatType string `json:"chat_type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	CanPost  bool   `json:"can_post"`
}

func (h *handlers) addChat(w http.ResponseWriter, r *http.Request) {
	var req addChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "chat_id обязателен")
		return
	}
	chat, err := h.groups.AddChat(r.Context(), domain.Chat{
		UserID:   userFrom(r),
		ChatID:   req.ChatID,
		ChatType: req.ChatType,
		Title:    req.Title,
		URL:      req.URL,
		CanPost:  req.CanPost,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("api: добавление чата")
		writeError(w, http.StatusInternalServerError, "не удалось сохранить чат")
		return
	}
	writeJSONStatus(w, http.StatusCreated, chatView(chat))
}

func (h *handlers) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.groups.ListChats(r.Context(), userFrom(r))
	if err != nil {
		h.log.Error().Err(err).Msg("api: список чатов")
		writeError(w, http.StatusInternalServerError, "не удалось получить чаты")
		return
	}
	items := make([]map[string]any, 0, len(chats))
	for _, chat := range chats {
		items = append(items, chatView(chat))
	}
	writeJSON(w, items)
}

func (h *handlers) deleteChat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	if err := h.groups.DeleteChat(r.Context(), id, userFrom(r)); err != nil {
		h.log.Error().Err(err).Msg("api: удаление чата")
		writeError(w, http.StatusInternalServerError, "не удалось удалить чат")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	group, err := h.groups.CreateGroup(r.Context(), userFrom(r), req.Name)
	if err != nil {
		if errors.Is(err, groupsusecase.ErrEmptyName) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("api: создание группы")
		writeError(w, http.StatusInternalServerError, "не удалось создать группу")
		return
	}
	writeJSONStatus(w, http.StatusCreated, groupView(group))
}

func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.groups.ListGroups(r.Context(), userFrom(r))
	if err != nil {
		h.log.Error().Err(err).Msg("api: список групп")
		writeError(w, http.StatusInternalServerError, "не удалось получить группы")
		return
	}
	items := make([]map[string]any, 0, len(groups))
	for _, group := range groups {
		items = append(items, groupView(group))
	}
	writeJSON(w, items)
}

func (h *handlers) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	if err := h.groups.DeleteGroup(r.Context(), id, userFrom(r)); err != nil {
		h.log.Error().Err(err).Msg("api: удаление группы")
		writeError(w, http.StatusInternalServerError, "не удалось удалить группу")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) addGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	var req struct {
		ChatID   int64  `json:"chat_id"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	member, err := h.groups.AddMember(r.Context(), userFrom(r), groupID, req.ChatID, req.Language)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "группа не найдена")
		case errors.Is(err, groupsusecase.ErrEmptyLanguage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, groupsusecase.ErrDuplicateMember):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error().Err(err).Msg("api: добавление участника")
			writeError(w, http.StatusInternalServerError, "не удалось добавить чат в группу")
		}
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"id":       member.ID,
		"group_id": member.GroupID,
		"chat_id":  member.ChatID,
		"language": member.Language,
	})
}

func (h *handlers) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор чата")
		return
	}
	if err := h.groups.RemoveMember(r.Context(), userFrom(r), groupID, chatID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "группа не найдена")
			return
		}
		h.log.Error().Err(err).Msg("api: удаление участника")
		writeError(w, http.StatusInternalServerError, "не удалось убрать чат из группы")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func postView(post domain.Post) map[string]any {
	attachments := make([]map[string]any, 0, len(post.Attachments))
	for _, att := range post.Attachments {
		attachments = append(attachments, map[string]any{
			"id":   att.ID,
			"name": att.OriginalName,
			"kind": att.Kind,
			"size": att.Size,
		})
	}
	targets := make([]map[string]any, 0, len(post.Targets))
	for _, chat := range post.Targets {
		targets = append(targets, chatView(chat))
	}
	groups := make([]map[string]any, 0, len(post.Groups))
	for _, group := range post.Groups {
		groups = append(groups, groupView(group))
	}
	return map[string]any{
		"id":            post.ID,
		"content":       post.Content,
		"html":          post.HTML,
		"button_text":   post.ButtonText,
		"button_url":    post.ButtonURL,
		"schedule_time": post.ScheduleTime.Format(time.RFC3339),
		"status":        post.Status,
		"error_message": post.ErrorMessage,
		"created_at":    post.CreatedAt.Format(time.RFC3339),
		"attachments":   attachments,
		"targets":       targets,
		"groups":        groups,
	}
}

func chatView(chat domain.Chat) map[string]any {
	return map[string]any{
		"id":        chat.ID,
		"chat_id":   chat.ChatID,
		"chat_type": chat.ChatType,
		"title":     chat.Title,
		"url":       chat.URL,
		"can_post":  chat.CanPost,
	}
}

func groupView(group domain.ChatGroup) map[string]any {
	members := make([]map[string]any, 0, len(group.Members))
	for _, member := range group.Members {
		members = append(members, map[string]any{
			"chat_id":  member.ChatID,
			"language": member.Language,
		})
	}
	return map[string]any{
		"id":      group.ID,
		"name":    group.Name,
		"members": members,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func parseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
