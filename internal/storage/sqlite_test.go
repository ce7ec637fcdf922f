package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplyInOrder(t *testing.T) {
	s := openTestStore(t)
	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("applied migrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("no migrations applied")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("migrations out of order: %v", versions)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := openTestStore(t)
	before, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("applied migrations: %v", err)
	}
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	after, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("applied migrations: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("re-running migrate changed versions: %v vs %v", before, after)
	}
}

func TestPendingQuestionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	q := PendingQuestion{
		ID:         "ab12cd34",
		ClientJID:  "5531999990000@s.whatsapp.net",
		ClientName: "Ana",
		Question:   "Qual o horário das aulas?",
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.SavePendingQuestion(q); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetPendingQuestion("ab12cd34")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Question != q.Question || got.ClientJID != q.ClientJID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}

	if _, err := s.GetPendingQuestion("nope0000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id: got %v, want ErrNotFound", err)
	}
}

func TestListPendingSkipsAnswered(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"q1000000", "q2000000", "q3000000"} {
		err := s.SavePendingQuestion(PendingQuestion{
			ID:        id,
			ClientJID: "5531988880000@s.whatsapp.net",
			Question:  "pergunta " + id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := s.MarkPendingAnswered("q2000000"); err != nil {
		t.Fatalf("mark answered: %v", err)
	}

	list, err := s.ListPendingQuestions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(list))
	}
	if list[0].ID != "q1000000" || list[1].ID != "q3000000" {
		t.Fatalf("wrong order or contents: %q, %q", list[0].ID, list[1].ID)
	}

	if err := s.MarkPendingAnswered("missing1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("answering missing id: got %v, want ErrNotFound", err)
	}
}

func TestMarkPendingAnsweredIsOneShot(t *testing.T) {
	s := openTestStore(t)

	err := s.SavePendingQuestion(PendingQuestion{
		ID:        "q1000000",
		ClientJID: "5531988880000@s.whatsapp.net",
		Question:  "Tem turma de manhã?",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.MarkPendingAnswered("q1000000"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	// The second resolver must lose: the status guard is what keeps two
	// admins from both delivering the same answer.
	if err := s.MarkPendingAnswered("q1000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second mark: got %v, want ErrNotFound", err)
	}
}

func TestGetPendingByClientReturnsOldest(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	jid := "5531977770000@s.whatsapp.net"
	s.SavePendingQuestion(PendingQuestion{ID: "new00000", ClientJID: jid, Question: "b", CreatedAt: now})
	s.SavePendingQuestion(PendingQuestion{ID: "old00000", ClientJID: jid, Question: "a", CreatedAt: now.Add(-time.Hour)})

	got, err := s.GetPendingByClient(jid)
	if err != nil {
		t.Fatalf("get by client: %v", err)
	}
	if got.ID != "old00000" {
		t.Fatalf("expected oldest entry, got %q", got.ID)
	}

	if _, err := s.GetPendingByClient("other@s.whatsapp.net"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown client: got %v, want ErrNotFound", err)
	}
}

func TestLearnedResponseUpsert(t *testing.T) {
	s := openTestStore(t)

	first := LearnedResponse{
		ID:           "lr100000",
		Question:     "Qual o valor da mensalidade?",
		QuestionNorm: "qual o valor da mensalidade",
		Answer:       "R$ 150.",
		Keywords:     `["valor","mensalidade"]`,
		Source:       "admin",
		LearnedAt:    time.Now().UTC(),
	}
	if err := s.UpsertLearnedResponse(first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	second := first
	second.ID = "lr200000"
	second.Answer = "R$ 160 a partir de março."
	if err := s.UpsertLearnedResponse(second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetLearnedByQuestion("qual o valor da mensalidade")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Answer != second.Answer {
		t.Fatalf("answer not replaced: %q", got.Answer)
	}
	if got.ID != "lr100000" {
		t.Fatalf("conflict update must keep the original id, got %q", got.ID)
	}

	all, err := s.ListLearnedResponses()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single row after upsert, got %d", len(all))
	}
}

func TestLearnedResponseUpdateDelete(t *testing.T) {
	s := openTestStore(t)

	lr := LearnedResponse{
		ID:           "lr300000",
		Question:     "Tem simulado?",
		QuestionNorm: "tem simulado",
		Answer:       "Sim.",
		Keywords:     `["simulado"]`,
		Source:       "manual",
		LearnedAt:    time.Now().UTC(),
	}
	if err := s.UpsertLearnedResponse(lr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateLearnedAnswer("lr300000", "Sim, todo sábado."); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetLearnedByQuestion("tem simulado")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Answer != "Sim, todo sábado." {
		t.Fatalf("answer = %q", got.Answer)
	}

	if err := s.DeleteLearnedResponse("lr300000"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteLearnedResponse("lr300000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestUserUpsertAndTouch(t *testing.T) {
	s := openTestStore(t)

	u := User{Phone: "5531966660000", Name: "Carlos", WhatsAppName: "Carlão"}
	if err := s.SaveUser(u); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetUser("5531966660000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Carlos" || got.WhatsAppName != "Carlão" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.ConfirmedAt.IsZero() {
		t.Fatal("confirmed_at should default to now")
	}

	u.Name = "Carlos Silva"
	if err := s.SaveUser(u); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetUser("5531966660000")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Name != "Carlos Silva" {
		t.Fatalf("name not updated: %q", got.Name)
	}

	if err := s.TouchUser("5531966660000"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if _, err := s.GetUser("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: got %v, want ErrNotFound", err)
	}
}

func TestDeleteInactiveUsers(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	s.SaveUser(User{Phone: "1", Name: "Antiga", LastInteraction: now.Add(-40 * 24 * time.Hour)})
	s.SaveUser(User{Phone: "2", Name: "Recente", LastInteraction: now})

	n, err := s.DeleteInactiveUsers(now.Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("delete inactive: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d users, want 1", n)
	}
	if _, err := s.GetUser("1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("inactive user should be gone")
	}
	if _, err := s.GetUser("2"); err != nil {
		t.Fatalf("active user should remain: %v", err)
	}
}

func TestJobClaimLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-1", Type: "knowledge_import", PayloadJSON: `{"url":"x"}`}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j, err := s.ClaimNextJob([]string{"knowledge_import"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j == nil || j.ID != "job-1" {
		t.Fatalf("claimed %+v, want job-1", j)
	}
	if j.Status != "running" {
		t.Fatalf("status = %q, want running", j.Status)
	}

	// A claimed job must not be handed out twice.
	again, err := s.ClaimNextJob([]string{"knowledge_import"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("job handed out twice: %+v", again)
	}

	if err := s.CompleteJob("job-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestJobFailRetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-2", Type: "knowledge_import", MaxAttempts: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := s.ClaimNextJob([]string{"knowledge_import"})
	if err != nil || j == nil {
		t.Fatalf("claim: %v %v", j, err)
	}

	if err := s.FailJob("job-2", "fetch timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// First failure reschedules into the future, so nothing is claimable now.
	j, err = s.ClaimNextJob([]string{"knowledge_import"})
	if err != nil {
		t.Fatalf("claim after fail: %v", err)
	}
	if j != nil {
		t.Fatalf("backoff not applied, claimed %+v", j)
	}

	// Exhausting attempts marks the job failed for good.
	if err := s.FailJob("job-2", "fetch timeout"); err != nil {
		t.Fatalf("final fail: %v", err)
	}
	var status string
	if err := s.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-2'`).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "failed" {
		t.Fatalf("status = %q, want failed", status)
	}
}

func TestClaimRespectsJobType(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-3", Type: "knowledge_import"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := s.ClaimNextJob([]string{"other_type"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j != nil {
		t.Fatalf("claimed a job of the wrong type: %+v", j)
	}
}
