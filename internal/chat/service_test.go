package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/tripchat/internal/model"
	"github.com/hitoshi/tripchat/internal/security"
)

// --- モック定義 ---

type mockMessageRepo struct {
	createFn func(ctx context.Context, msg *model.ChatMessage) error
	created  []*model.ChatMessage
}

func (m *mockMessageRepo) Create(ctx context.Context, msg *model.ChatMessage) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, msg); err != nil {
			return err
		}
	}
	m.created = append(m.created, msg)
	return nil
}

func newTestService(repo *mockMessageRepo, maxLength int) *Service {
	svc := NewService(repo, security.NewContentSanitizer(), maxLength)
	svc.now = func() time.Time {
		return time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("JST", 9*60*60))
	}
	return svc
}

var testSender = &model.User{ID: "11111111-1111-1111-1111-111111111111", FirstName: "Hanako", LastName: "Sato"}

func TestRecordMessage_Success(t *testing.T) {
	repo := &mockMessageRepo{}
	svc := newTestService(repo, 0)

	msg, err := svc.RecordMessage(context.Background(), "trip-1", testSender, "  hi  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.ID == "" {
		t.Error("ID should be assigned")
	}
	if msg.Content != "hi" {
		t.Errorf("Content = %q, want %q", msg.Content, "hi")
	}
	if msg.TripID != "trip-1" || msg.Sender != testSender {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt should be UTC, got %v", msg.CreatedAt.Location())
	}
	if len(repo.created) != 1 || repo.created[0] != msg {
		t.Errorf("message was not persisted: %v", repo.created)
	}
}

func TestRecordMessage_StripsMarkup(t *testing.T) {
	repo := &mockMessageRepo{}
	svc := newTestService(repo, 0)

	msg, err := svc.RecordMessage(context.Background(), "trip-1", testSender, "<script>x()</script>hello <b>there</b>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "hello there" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello there")
	}
}

func TestRecordMessage_InvalidContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"空文字列", ""},
		{"空白のみ", "   \n\t"},
		{"タグのみ", "<p></p>"},
		{"最大文字数超過", strings.Repeat("あ", 11)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockMessageRepo{}
			svc := newTestService(repo, 10)

			_, err := svc.RecordMessage(context.Background(), "trip-1", testSender, tt.content)
			if !errors.Is(err, model.ErrInvalidContent) {
				t.Fatalf("expected ErrInvalidContent, got %v", err)
			}
			if len(repo.created) != 0 {
				t.Error("invalid message must not be persisted")
			}
		})
	}
}

func TestRecordMessage_MaxLengthCountsRunes(t *testing.T) {
	repo := &mockMessageRepo{}
	svc := newTestService(repo, 10)

	// 10文字（30バイト）はちょうど上限
	if _, err := svc.RecordMessage(context.Background(), "trip-1", testSender, strings.Repeat("あ", 10)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRecordMessage_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	repo := &mockMessageRepo{
		createFn: func(ctx context.Context, msg *model.ChatMessage) error {
			return storeErr
		},
	}
	svc := newTestService(repo, 0)

	msg, err := svc.RecordMessage(context.Background(), "trip-1", testSender, "hi")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error to be wrapped, got %v", err)
	}
	if msg != nil {
		t.Error("message should be nil on failure")
	}
}

func TestRecordMessage_NilSender(t *testing.T) {
	svc := newTestService(&mockMessageRepo{}, 0)
	if _, err := svc.RecordMessage(context.Background(), "trip-1", nil, "hi"); !errors.Is(err, ErrMissingSender) {
		t.Errorf("error = %v, want ErrMissingSender", err)
	}
}
