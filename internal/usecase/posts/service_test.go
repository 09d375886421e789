package posts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-postman/internal/domain"
)

type memRepo struct {
	mu     sync.Mutex
	nextID int64
	posts  map[int64]*domain.Post
	atts   map[int64]domain.Attachment
}

func newMemRepo() *memRepo {
	return &memRepo{nextID: 1, posts: make(map[int64]*domain.Post), atts: make(map[int64]domain.Attachment)}
}

func (r *memRepo) CreatePost(_ context.Context, post domain.Post, _, _ []int64) (domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	post.ID = r.nextID
	r.nextID++
	r.posts[post.ID] = &post
	return post, nil
}

func (r *memRepo) GetPost(_ context.Context, id int64) (domain.Post, error) {
	p, ok := r.posts[id]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return *p, nil
}

func (r *memRepo) GetUserPost(ctx context.Context, id, _ int64) (domain.Post, error) {
	return r.GetPost(ctx, id)
}

func (r *memRepo) ListUserPosts(context.Context, int64, string, int, int) ([]domain.Post, int, error) {
	return nil, 0, nil
}

func (r *memRepo) ListDue(context.Context, time.Time, int) ([]domain.Post, error) { return nil, nil }

func (r *memRepo) AcquireDispatch(context.Context, int64, time.Time) (bool, error) {
	return true, nil
}

func (r *memRepo) MarkSending(_ context.Context, id int64) (bool, error) {
	p, ok := r.posts[id]
	if !ok || p.Status != domain.PostStatusPending {
		return false, nil
	}
	p.Status = domain.PostStatusSending
	return true, nil
}

func (r *memRepo) MarkSent(context.Context, int64) error { return nil }

func (r *memRepo) MarkFailed(context.Context, int64, string) error { return nil }

func (r *memRepo) CancelPending(_ context.Context, id, _ int64, reason string) (bool, error) {
	p, ok := r.posts[id]
	if !ok || p.Status != domain.PostStatusPending {
		return false, nil
	}
	p.Status = domain.PostStatusFailed
	p.ErrorMessage = reason
	return true, nil
}

func (r *memRepo) DeletePost(_ context.Context, id, _ int64) error {
	delete(r.posts, id)
	return nil
}

func (r *memRepo) AddAttachment(_ context.Context, att domain.Attachment) (domain.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	att.ID = r.nextID
	r.nextID++
	r.atts[att.ID] = att
	if p, ok := r.posts[att.PostID]; ok {
		p.Attachments = append(p.Attachments, att)
	}
	return att, nil
}

func (r *memRepo) GetAttachment(_ context.Context, id, _ int64) (domain.Attachment, error) {
	att, ok := r.atts[id]
	if !ok {
		return domain.Attachment{}, domain.ErrNotFound
	}
	return att, nil
}

type memBlobs struct {
	data map[string][]byte
}

func (b *memBlobs) Save(_ context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.data[key] = data
	return int64(len(data)), nil
}

func (b *memBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := b.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	delete(b.data, key)
	return nil
}

type memQueue struct {
	jobs []domain.DeliveryJob
}

func (q *memQueue) Enqueue(_ context.Context, job domain.DeliveryJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Pop(context.Context) (domain.DeliveryJob, error) {
	return domain.DeliveryJob{}, errors.New("пусто")
}

func newTestService(repo *memRepo, queue *memQueue) *Service {
	svc := NewService(repo, &memBlobs{data: make(map[string][]byte)}, queue, 1<<20, zerolog.New(io.Discard))
	svc.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func validInput() CreateInput {
	return CreateInput{
		UserID:       1,
		Content:      "Привет",
		ScheduleTime: time.Date(2026, 9, 1, 12, 30, 0, 0, time.UTC),
		TargetIDs:    []int64{5},
	}
}

func TestCreatePost(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &memQueue{})

	in := validInput()
	in.Files = []FileUpload{{Name: "photo.jpg", Data: strings.NewReader("jpegdata")}}
	post, err := service.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if post.Status != domain.PostStatusPending {
		t.Fatalf("новый пост должен быть pending, получили %s", post.Status)
	}
	if len(post.Attachments) != 1 || post.Attachments[0].Kind != domain.MediaKindImage {
		t.Fatalf("вложение классифицировано неверно: %+v", post.Attachments)
	}
	if post.Attachments[0].OriginalName != "photo.jpg" {
		t.Fatalf("оригинальное имя должно сохраняться: %+v", post.Attachments[0])
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("обрыв чтения") }

func TestCreateRollsBackOnAttachmentFailure(t *testing.T) {
	repo := newMemRepo()
	blobs := &memBlobs{data: make(map[string][]byte)}
	service := NewService(repo, blobs, &memQueue{}, 1<<20, zerolog.New(io.Discard))
	service.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }

	in := validInput()
	in.Files = []FileUpload{
		{Name: "photo.jpg", Data: strings.NewReader("jpegdata")},
		{Name: "broken.png", Data: brokenReader{}},
	}
	if _, err := service.Create(context.Background(), in); err == nil {
		t.Fatal("ожидали ошибку сохранения вложения")
	}
	if len(repo.posts) != 0 {
		t.Fatalf("недосозданный пост должен удаляться, осталось %d", len(repo.posts))
	}
	if len(blobs.data) != 0 {
		t.Fatalf("блобы недосозданного поста должны удаляться, осталось %d", len(blobs.data))
	}
}

func TestCreateRejectsPastSchedule(t *testing.T) {
	service := newTestService(newMemRepo(), &memQueue{})

	in := validInput()
	in.ScheduleTime = time.Date(2026, 9, 1, 11, 59, 59, 0, time.UTC)
	if _, err := service.Create(context.Background(), in); !errors.Is(err, ErrPastSchedule) {
		t.Fatalf("ожидали ErrPastSchedule, получили %v", err)
	}
}

func TestCreateRejectsEmptyRecipients(t *testing.T) {
	service := newTestService(newMemRepo(), &memQueue{})

	in := validInput()
	in.TargetIDs = nil
	in.GroupIDs = nil
	if _, err := service.Create(context.Background(), in); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("ожидали ErrNoRecipients, получили %v", err)
	}
}

func TestCreateDemotesOversizeToDocument(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &memQueue{})
	service.sizeLimit = 4

	in := validInput()
	in.Files = []FileUpload{{Name: "big.png", Data: strings.NewReader("больше лимита")}}
	post, err := service.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if post.Attachments[0].Kind != domain.MediaKindDocument {
		t.Fatalf("крупный файл должен стать документом, получили %s", post.Attachments[0].Kind)
	}
}

func TestSendNowEnqueuesPending(t *testing.T) {
	repo := newMemRepo()
	queue := &memQueue{}
	service := newTestService(repo, queue)

	post, _ := service.Create(context.Background(), validInput())
	if err := service.SendNow(context.Background(), post.ID, 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].PostID != post.ID {
		t.Fatalf("задача не попала в очередь: %+v", queue.jobs)
	}
	if queue.jobs[0].Cause != domain.DeliveryCauseManual {
		t.Fatalf("причина должна быть manual, получили %s", queue.jobs[0].Cause)
	}
}

func TestSendNowRejectsTerminal(t *testing.T) {
	repo := newMemRepo()
	queue := &memQueue{}
	service := newTestService(repo, queue)

	post, _ := service.Create(context.Background(), validInput())
	repo.posts[post.ID].Status = domain.PostStatusSent
	if err := service.SendNow(context.Background(), post.ID, 1); !errors.Is(err, ErrNotPending) {
		t.Fatalf("ожидали ErrNotPending, получили %v", err)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("терминальный пост не должен попадать в очередь")
	}
}

func TestCancelPendingWinsOnce(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &memQueue{})

	post, _ := service.Create(context.Background(), validInput())
	if err := service.Cancel(context.Background(), post.ID, 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got, _ := repo.GetPost(context.Background(), post.ID)
	if got.Status != domain.PostStatusFailed || got.ErrorMessage != CancelReason {
		t.Fatalf("отменённый пост должен быть failed с причиной: %+v", got)
	}
	if err := service.Cancel(context.Background(), post.ID, 1); !errors.Is(err, ErrNotPending) {
		t.Fatalf("повторная отмена должна вернуть ErrNotPending, получили %v", err)
	}
}

func TestCancelLosesToInflightDelivery(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &memQueue{})

	post, _ := service.Create(context.Background(), validInput())
	taken, _ := repo.MarkSending(context.Background(), post.ID)
	if !taken {
		t.Fatalf("доставка должна была захватить пост")
	}
	if err := service.Cancel(context.Background(), post.ID, 1); !errors.Is(err, ErrNotPending) {
		t.Fatalf("начатую доставку нельзя отменить, получили %v", err)
	}
}
