package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"memome/pkg/domain"
	"memome/pkg/pipeline"
	"memome/pkg/seal"
	"memome/pkg/staging"
	"memome/pkg/storage"
	"memome/pkg/store"
	"memome/services/messaging/internal/otp"
)

const testTextKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

type harness struct {
	app     *App
	store   *store.GormStore
	objects *storage.MemoryStore
	redis   *miniredis.Miniredis
	mailer  *recordingMailer
}

type recordingMailer struct {
	sent []string
}

func (m *recordingMailer) SendOTP(_ context.Context, email, code string, _ time.Duration) error {
	m.sent = append(m.sent, email+":"+code)
	return nil
}

// failingCommits breaks record writes after staging succeeded.
type failingCommits struct {
	store.Store
}

func (failingCommits) CreateMessage(context.Context, domain.Message) error {
	return errors.New("db down")
}

func (failingCommits) CreatePoll(context.Context, domain.Poll, float64) error {
	return errors.New("db down")
}

func newHarness(t *testing.T, production bool, wrap func(store.Store) store.Store) *harness {
	t.Helper()
	db, err := store.NewGormStore("sqlite::memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	otpStore, err := otp.NewStore(otp.Config{Client: client})
	if err != nil {
		t.Fatalf("otp store: %v", err)
	}
	sealer, err := seal.New(testTextKey)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	objects := storage.NewMemoryStore("https://cdn.example.com")
	mailer := &recordingMailer{}
	var st store.Store = db
	if wrap != nil {
		st = wrap(db)
	}
	a, err := New(Config{
		Store:         st,
		Objects:       objects,
		Sealer:        sealer,
		OTP:           otpStore,
		Mailer:        mailer,
		Production:    production,
		MessageLimits: staging.Limits{MaxCount: 4, MaxBytesEach: 1 << 10},
		PollLimits:    staging.Limits{MaxCount: 2, MaxBytesEach: 1 << 10, AllowedExtensions: []string{"jpg", "png", "mp4"}},
		ShareBaseURL:  "https://memome.one/",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &harness{app: a, store: db, objects: objects, redis: mr, mailer: mailer}
}

func (h *harness) seed(t *testing.T, id, username string, settings domain.Settings) {
	t.Helper()
	u := domain.User{ID: id, Username: username, Email: username + "@example.com"}
	if err := h.store.SaveUser(context.Background(), u, settings); err != nil {
		t.Fatalf("save user: %v", err)
	}
}

var openInbox = domain.Settings{AllowFiles: true, AllowTexts: true}

func TestSendMessageStoresSealedTextAndFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)

	msg, err := h.app.SendMessage(ctx, SendMessageInput{
		Username: "alice",
		Text:     "  hi <b>there</b> & bye ",
		Files:    []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.Text != "hi there & bye" {
		t.Fatalf("unexpected text: %q", msg.Text)
	}
	if len(msg.Attachments) != 1 || !strings.HasPrefix(msg.Attachments[0].StorageKey, "message/u1/"+msg.ID+"/") {
		t.Fatalf("unexpected attachments: %+v", msg.Attachments)
	}

	raw, err := h.store.GetMessageForOwner(ctx, "u1", msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if raw.Text == msg.Text || raw.Text == "" {
		t.Fatalf("expected sealed text at rest, got %q", raw.Text)
	}

	listed, err := h.app.ListMessages(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(listed) != 1 || listed[0].Text != "hi there & bye" {
		t.Fatalf("unexpected inbox: %+v", listed)
	}
}

func TestSendMessageUnknownRecipient(t *testing.T) {
	h := newHarness(t, false, nil)
	_, err := h.app.SendMessage(context.Background(), SendMessageInput{Username: "ghost", Text: "hi"})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSendMessageDisabledAccountIsForbidden(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)
	if err := h.store.SetAccountDisabled(ctx, "u1", true); err != nil {
		t.Fatalf("disable: %v", err)
	}

	_, err := h.app.SendMessage(ctx, SendMessageInput{
		Username: "alice",
		Text:     "hi",
		Files:    []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	var perm *pipeline.PermissionError
	if !errors.As(err, &perm) || perm.Unauthenticated {
		t.Fatalf("expected forbidden permission error, got %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected no uploads for a rejected message, got %d", h.objects.Len())
	}
}

func TestSendMessageRespectsInboxSettings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "textonly", domain.Settings{AllowFiles: false, AllowTexts: true})
	h.seed(t, "u2", "filesonly", domain.Settings{AllowFiles: true, AllowTexts: false})

	msg, err := h.app.SendMessage(ctx, SendMessageInput{
		Username: "textonly",
		Text:     "hello",
		Files:    []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	if err != nil {
		t.Fatalf("send to text-only inbox: %v", err)
	}
	if len(msg.Attachments) != 0 || h.objects.Len() != 0 {
		t.Fatalf("expected files to be dropped, got %+v", msg.Attachments)
	}

	_, err = h.app.SendMessage(ctx, SendMessageInput{Username: "filesonly", Text: "hello"})
	var verr *pipeline.ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrBlankContent) {
		t.Fatalf("expected blank content once text is dropped, got %v", err)
	}
}

func TestSendMessageBlankMarkupIsRejected(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)
	_, err := h.app.SendMessage(context.Background(), SendMessageInput{Username: "alice", Text: " <p> </p> "})
	if !errors.Is(err, ErrBlankContent) {
		t.Fatalf("expected ErrBlankContent, got %v", err)
	}
}

func TestSendMessageCommitFailureRemovesBlobs(t *testing.T) {
	h := newHarness(t, false, func(s store.Store) store.Store { return failingCommits{s} })
	h.seed(t, "u1", "alice", openInbox)

	_, err := h.app.SendMessage(context.Background(), SendMessageInput{
		Username: "alice",
		Files: []staging.RawFile{
			staging.FromBytes("a.png", pngBytes),
			staging.FromBytes("b.png", pngBytes),
		},
	})
	var commitErr *pipeline.CommitError
	if !errors.As(err, &commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected staged blobs to be removed, %d remain", h.objects.Len())
	}
}

func TestSendMessageTooManyFiles(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)
	files := make([]staging.RawFile, 5)
	for i := range files {
		files[i] = staging.FromBytes("a.png", pngBytes)
	}
	_, err := h.app.SendMessage(context.Background(), SendMessageInput{Username: "alice", Files: files})
	if !errors.Is(err, staging.ErrTooManyFiles) {
		t.Fatalf("expected ErrTooManyFiles, got %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected nothing uploaded, got %d", h.objects.Len())
	}
}

func TestDeleteMessageRemovesRecordAndBlobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)
	h.seed(t, "u2", "bob", openInbox)
	msg, err := h.app.SendMessage(ctx, SendMessageInput{
		Username: "alice",
		Files:    []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := h.app.DeleteMessage(ctx, "u2", msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other owners to get ErrNotFound, got %v", err)
	}
	report, err := h.app.DeleteMessage(ctx, "u1", msg.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if report.Attachments != 1 || report.BlobErr != nil {
		t.Fatalf("unexpected report: %+v", report)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected blobs deleted, %d remain", h.objects.Len())
	}
	if _, err := h.app.DeleteMessage(ctx, "u1", msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to miss, got %v", err)
	}
}

func TestCreatePollFiltersOptionsAndCreditsPoints(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)

	res, err := h.app.CreatePoll(ctx, "u1", CreatePollInput{
		Title:   " Lunch? ",
		Options: []string{" pizza ", "", "  ", "<i>sushi</i>"},
		Files:   []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if res.Poll.Title != "Lunch?" || len(res.Poll.Options) != 2 || res.Poll.Options[1].Text != "sushi" {
		t.Fatalf("unexpected poll: %+v", res.Poll)
	}
	if want := "https://memome.one/poll/u1/" + res.Poll.ID; res.ShareURL != want {
		t.Fatalf("share url = %q, want %q", res.ShareURL, want)
	}

	if _, err := h.app.CreatePoll(ctx, "u1", CreatePollInput{Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("create poll without files: %v", err)
	}
	profile, err := h.store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if diff := profile.PollPoints - 1.2; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("poll points = %v, want 1.2", profile.PollPoints)
	}

	polls, err := h.app.ListPolls(ctx, "u1", 10)
	if err != nil || len(polls) != 2 {
		t.Fatalf("list polls: %v (%d)", err, len(polls))
	}
}

func TestCreatePollNeedsTwoOptions(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)
	_, err := h.app.CreatePoll(context.Background(), "u1", CreatePollInput{
		Options: []string{"only", " ", ""},
		Files:   []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	if !errors.Is(err, ErrInsufficientOptions) {
		t.Fatalf("expected ErrInsufficientOptions, got %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected no uploads, got %d", h.objects.Len())
	}
	polls, err := h.app.ListPolls(context.Background(), "u1", 0)
	if err != nil || len(polls) != 0 {
		t.Fatalf("expected no poll rows, got %d (%v)", len(polls), err)
	}
}

func TestCreatePollUnknownOwnerIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)

	_, err := h.app.CreatePoll(ctx, "gone", CreatePollInput{
		Options: []string{"a", "b"},
		Files:   []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected no uploads, got %d", h.objects.Len())
	}
	profile, err := h.store.GetProfile(ctx, "gone")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.PollPoints != 0 {
		t.Fatalf("expected no points credited, got %v", profile.PollPoints)
	}
}

func TestCreatePollRejectsUnsupportedType(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)
	_, err := h.app.CreatePoll(context.Background(), "u1", CreatePollInput{
		Options: []string{"a", "b"},
		Files:   []staging.RawFile{staging.FromBytes("notes.txt", []byte("plain text"))},
	})
	if !errors.Is(err, staging.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestCreatePollCommitFailureLeavesNoProfilePoints(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, func(s store.Store) store.Store { return failingCommits{s} })
	h.seed(t, "u1", "alice", openInbox)

	_, err := h.app.CreatePoll(ctx, "u1", CreatePollInput{
		Options: []string{"a", "b"},
		Files:   []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	var commitErr *pipeline.CommitError
	if !errors.As(err, &commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected staged blobs to be removed, %d remain", h.objects.Len())
	}
	profile, err := h.store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.PollPoints != 0 {
		t.Fatalf("expected no points credited, got %v", profile.PollPoints)
	}
}

func TestDeletePoll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)
	h.seed(t, "u1", "alice", openInbox)
	res, err := h.app.CreatePoll(ctx, "u1", CreatePollInput{
		Options: []string{"a", "b"},
		Files:   []staging.RawFile{staging.FromBytes("a.png", pngBytes)},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if _, err := h.app.DeletePoll(ctx, "u1", res.Poll.ID); err != nil {
		t.Fatalf("delete poll: %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("expected blobs deleted, %d remain", h.objects.Len())
	}
	if _, err := h.app.DeletePoll(ctx, "u1", res.Poll.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIssueOTPFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, nil)
	h.seed(t, "u1", "alice", openInbox)

	if err := h.app.IssueOTP(ctx, "  Alice@Example.com "); err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	if len(h.mailer.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(h.mailer.sent))
	}
	email, code, _ := strings.Cut(h.mailer.sent[0], ":")
	if email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", email)
	}

	if err := h.app.IssueOTP(ctx, "alice@example.com"); !errors.Is(err, ErrOTPCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	if err := h.app.VerifyOTP(ctx, "alice@example.com", "000000x"); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected invalid code, got %v", err)
	}
	if err := h.app.VerifyOTP(ctx, "alice@example.com", code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := h.app.VerifyOTP(ctx, "alice@example.com", code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected consumed code to fail, got %v", err)
	}
}

func TestIssueOTPErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)

	var verr *pipeline.ValidationError
	if err := h.app.IssueOTP(ctx, "not-an-email"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := h.app.IssueOTP(ctx, "nobody@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	h.seed(t, "u1", "alice", openInbox)
	if err := h.app.IssueOTP(ctx, "alice@example.com"); err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	if len(h.mailer.sent) != 0 {
		t.Fatalf("expected no mail outside production, got %v", h.mailer.sent)
	}
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "a***e@example.com",
		"al@example.com":    "a***@example.com",
		"broken":            "***",
	}
	for in, want := range cases {
		if got := maskEmail(in); got != want {
			t.Fatalf("maskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
