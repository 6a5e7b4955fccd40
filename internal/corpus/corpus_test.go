package corpus

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/store"
	"github.com/BTreeMap/CorpusPipe/internal/testutil"
)

// flakyRepo serves a fixed rule list and can be switched to fail.
type flakyRepo struct {
	*store.InMemoryStore
	mu    sync.Mutex
	rules []models.Rule
	err   error
	calls int
}

func (r *flakyRepo) FindAllActive(ctx context.Context) ([]models.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]models.Rule, len(r.rules))
	copy(out, r.rules)
	return out, nil
}

func rule(id int64, scene models.Scene, keyword models.Message, reply models.Message) models.Rule {
	return models.Rule{ID: id, UserID: "owner", Keyword: keyword, Reply: reply, Mode: models.ModeExact, Scene: scene}
}

func mustLearn(t *testing.T, repo store.RuleRepo, r models.Rule) {
	t.Helper()
	if _, err := repo.Create(context.Background(), r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func TestMatchIsReflexive(t *testing.T) {
	keywords := []models.Message{
		{models.Text("hi")},
		{models.Face("14")},
		{models.Text("早上好"), models.Face("4"), models.Text("!")},
	}
	repo := store.NewInMemoryStore()
	for i, kw := range keywords {
		mustLearn(t, repo, rule(0, models.SceneAll, kw, models.Message{models.Text(string(rune('a' + i)))}))
	}
	rs := NewRuleStore(repo)
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	m := NewMatcher(rs, testutil.NewMockService())

	for i, kw := range keywords {
		got := m.Match(kw.Clone(), models.ChatTypePrivate)
		want := []models.Message{{models.Text(string(rune('a' + i)))}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Match(%s) mismatch (-want +got):\n%s", kw.PlainText(), diff)
		}
	}
}

func TestMatchRejects(t *testing.T) {
	kw := models.Message{models.Text("hi"), models.Face("1")}
	tests := []struct {
		name string
		msg  models.Message
	}{
		{"shorter", models.Message{models.Text("hi")}},
		{"longer", models.Message{models.Text("hi"), models.Face("1"), models.Text("!")}},
		{"different text", models.Message{models.Text("Hi"), models.Face("1")}},
		{"different face", models.Message{models.Text("hi"), models.Face("2")}},
		{"kind mismatch", models.Message{models.Text("hi"), models.RemoteImage("x")}},
		{"empty", models.Message{}},
	}
	r := rule(1, models.SceneAll, kw, models.Message{models.Text("ok")})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Fires(r, tt.msg, models.ChatTypeGroup) {
				t.Errorf("rule fired for %s", tt.msg.PlainText())
			}
		})
	}
}

func TestSceneGate(t *testing.T) {
	kw := models.Message{models.Text("hi")}
	tests := []struct {
		scene       models.Scene
		wantPrivate bool
		wantGroup   bool
	}{
		{models.SceneAll, true, true},
		{models.ScenePrivate, true, false},
		{models.SceneGroup, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.scene), func(t *testing.T) {
			r := rule(1, tt.scene, kw, kw)
			if got := Fires(r, kw, models.ChatTypePrivate); got != tt.wantPrivate {
				t.Errorf("private: fired = %v, want %v", got, tt.wantPrivate)
			}
			if got := Fires(r, kw, models.ChatTypeGroup); got != tt.wantGroup {
				t.Errorf("group: fired = %v, want %v", got, tt.wantGroup)
			}
		})
	}
}

func TestFuzzyModeMatchesExactly(t *testing.T) {
	r := rule(1, models.SceneAll, models.Message{models.Text("hello")}, models.Message{models.Text("x")})
	r.Mode = models.ModeFuzzy
	if Fires(r, models.Message{models.Text("hello world")}, models.ChatTypePrivate) {
		t.Error("fuzzy rule must not match a different text")
	}
	if !Fires(r, models.Message{models.Text("hello")}, models.ChatTypePrivate) {
		t.Error("fuzzy rule must match its own keyword")
	}
}

func TestAllFiringRulesReply(t *testing.T) {
	kw := models.Message{models.Text("ping")}
	repo := &flakyRepo{InMemoryStore: store.NewInMemoryStore(), rules: []models.Rule{
		rule(1, models.SceneAll, kw, models.Message{models.Text("pong")}),
		rule(2, models.SceneGroup, kw, models.Message{models.Text("group pong")}),
		rule(3, models.SceneAll, models.Message{models.Text("other")}, models.Message{models.Text("no")}),
		rule(4, models.SceneAll, kw, models.Message{models.Text("pong again")}),
	}}
	rs := NewRuleStore(repo)
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	got := NewMatcher(rs, nil).Match(kw, models.ChatTypeGroup)
	want := []models.Message{
		{models.Text("pong")},
		{models.Text("group pong")},
		{models.Text("pong again")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Match mismatch (-want +got):\n%s", diff)
	}
}

func TestReloadIsIdempotent(t *testing.T) {
	repo := store.NewInMemoryStore()
	mustLearn(t, repo, rule(0, models.SceneAll, models.Message{models.Text("a")}, models.Message{models.Text("b")}))
	mustLearn(t, repo, rule(0, models.ScenePrivate, models.Message{models.Face("3")}, models.Message{models.Image("/tmp/x.png")}))

	rs := NewRuleStore(repo)
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("first Reload failed: %v", err)
	}
	first := rs.All()
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("second Reload failed: %v", err)
	}
	if diff := cmp.Diff(first, rs.All()); diff != "" {
		t.Errorf("snapshots differ (-first +second):\n%s", diff)
	}
	if len(first) != 2 {
		t.Errorf("snapshot has %d rules, want 2", len(first))
	}
}

func TestReloadFailsOpen(t *testing.T) {
	kw := models.Message{models.Text("hi")}
	repo := &flakyRepo{InMemoryStore: store.NewInMemoryStore(), rules: []models.Rule{
		rule(1, models.SceneAll, kw, models.Message{models.Text("hello")}),
	}}
	rs := NewRuleStore(repo)
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cause := errors.New("connection refused")
	repo.mu.Lock()
	repo.err = cause
	repo.mu.Unlock()

	err := rs.Reload(context.Background())
	var se *models.StorageError
	if !errors.As(err, &se) || !errors.Is(err, cause) {
		t.Fatalf("Reload error = %v, want StorageError wrapping the cause", err)
	}
	if len(rs.All()) != 1 {
		t.Errorf("snapshot has %d rules after failed reload, want previous 1", len(rs.All()))
	}
}

// gatedRepo holds its first FindAllActive call after the read until release
// is closed.
type gatedRepo struct {
	*store.InMemoryStore
	once     sync.Once
	read     chan struct{}
	release  chan struct{}
	mu       sync.Mutex
	readErrs []error
}

func newGatedRepo() *gatedRepo {
	return &gatedRepo{InMemoryStore: store.NewInMemoryStore(), read: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedRepo) FindAllActive(ctx context.Context) ([]models.Rule, error) {
	rules, err := r.InMemoryStore.FindAllActive(ctx)
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.read)
		<-r.release
	}
	r.mu.Lock()
	r.readErrs = append(r.readErrs, ctx.Err())
	r.mu.Unlock()
	return rules, err
}

func TestReloadAfterWriteSeesWrite(t *testing.T) {
	repo := newGatedRepo()
	rs := NewRuleStore(repo)

	stale := make(chan error, 1)
	go func() { stale <- rs.Reload(context.Background()) }()
	<-repo.read

	mustLearn(t, repo, rule(0, models.SceneAll, models.Message{models.Text("hi")}, models.Message{models.Text("hello")}))
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n := len(rs.All()); n != 1 {
		t.Fatalf("rules visible after Reload returned = %d, want 1", n)
	}

	close(repo.release)
	if err := <-stale; err != nil {
		t.Fatalf("earlier Reload failed: %v", err)
	}
	if n := len(rs.All()); n != 1 {
		t.Errorf("earlier read overwrote the newer snapshot: %d rules, want 1", n)
	}
}

func TestReloadCancelledCallerLeavesReadRunning(t *testing.T) {
	repo := newGatedRepo()
	mustLearn(t, repo, rule(0, models.SceneAll, models.Message{models.Text("hi")}, models.Message{models.Text("hello")}))
	rs := NewRuleStore(repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Reload(ctx) }()
	<-repo.read
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Reload error = %v, want context.Canceled", err)
	}
	close(repo.release)

	deadline := time.Now().Add(5 * time.Second)
	for len(rs.All()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("shared read was not published after its caller left")
		}
		time.Sleep(5 * time.Millisecond)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, err := range repo.readErrs {
		if err != nil {
			t.Errorf("storage read saw cancelled context: %v", err)
		}
	}
}

func TestEmptyStoreHasEmptySnapshot(t *testing.T) {
	rs := NewRuleStore(store.NewInMemoryStore())
	if rs.All() == nil || len(rs.All()) != 0 {
		t.Errorf("All() = %#v, want empty slice", rs.All())
	}
	if got := NewMatcher(rs, nil).Match(models.Message{models.Text("x")}, models.ChatTypePrivate); len(got) != 0 {
		t.Errorf("Match on empty store = %v", got)
	}
}

func TestRenderInlinesExistingImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.png")
	if err := os.WriteFile(path, []byte("meow"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	reply := models.Message{models.Text("look"), models.Image(path)}

	got := Render(reply)
	want := models.Message{models.Text("look"), models.Image(models.Base64Prefix + base64.StdEncoding.EncodeToString([]byte("meow")))}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Render mismatch (-want +got):\n%s", diff)
	}
	if reply[1].Data.File != path {
		t.Error("Render must not modify the stored reply")
	}
}

func TestMatchSendsReplyWhenImageIsMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.png")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	repo := store.NewInMemoryStore()
	reply := models.Message{models.Text("here"), models.Image(path)}
	mustLearn(t, repo, rule(0, models.SceneAll, models.Message{models.Text("pic")}, reply))
	rs := NewRuleStore(repo)
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	svc := testutil.NewMockService()
	m := NewMatcher(rs, svc)
	handled, err := m.HandleEvent(context.Background(), testutil.TextEvent("u2", "pic"))
	if err != nil || !handled {
		t.Fatalf("HandleEvent = %v, %v; want true, nil", handled, err)
	}
	sent := svc.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if diff := cmp.Diff(reply, sent[0].Message); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleEventIgnoresUnmatched(t *testing.T) {
	rs := NewRuleStore(store.NewInMemoryStore())
	svc := testutil.NewMockService()
	handled, err := NewMatcher(rs, svc).HandleEvent(context.Background(), testutil.TextEvent("u1", "hello"))
	if err != nil || handled {
		t.Errorf("HandleEvent = %v, %v; want false, nil", handled, err)
	}
	if len(svc.Sent()) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestHandleEventContinuesAfterSendFailure(t *testing.T) {
	kw := models.Message{models.Text("ping")}
	repo := &flakyRepo{InMemoryStore: store.NewInMemoryStore(), rules: []models.Rule{
		rule(1, models.SceneAll, kw, models.Message{models.Text("one")}),
		rule(2, models.SceneAll, kw, models.Message{models.Text("two")}),
	}}
	rs := NewRuleStore(repo)
	if err := rs.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	svc := &countingSender{fail: 1}
	handled, err := NewMatcher(rs, svc).HandleEvent(context.Background(), testutil.TextEvent("u1", "ping"))
	if err != nil || !handled {
		t.Fatalf("HandleEvent = %v, %v", handled, err)
	}
	if svc.attempts != 2 {
		t.Errorf("attempted %d sends, want 2", svc.attempts)
	}
}

type countingSender struct {
	attempts int
	fail     int
}

func (c *countingSender) SendMessage(ctx context.Context, chat models.ChatRef, msg models.Message) error {
	c.attempts++
	if c.attempts <= c.fail {
		return errors.New("send failed")
	}
	return nil
}
