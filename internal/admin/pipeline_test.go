package admin

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/silfer/silferbot/internal/learning"
	"github.com/silfer/silferbot/internal/menu"
	"github.com/silfer/silferbot/internal/storage"
	"github.com/silfer/silferbot/internal/transport"
)

type sentMessage struct {
	To   string
	Text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (f *fakeSender) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, sentMessage{To: to, Text: text})
	return nil
}

func (f *fakeSender) all() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeSender) sentTo(jid string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.To == jid {
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeModel struct{ reply string }

func (f *fakeModel) Generate(context.Context, string) (string, error) {
	return f.reply, nil
}

const (
	adminGroup = "1203630000000000@g.us"
	clientJID  = "5531999990000@s.whatsapp.net"
)

func testPipeline(t *testing.T, model Completer) (*Pipeline, *learning.Service, *fakeSender) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := learning.NewService(store, logger)
	sender := &fakeSender{}
	p := NewPipeline(svc, sender, model, adminGroup, nil, logger)
	return p, svc, sender
}

func TestIsAdminChat(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := learning.NewService(store, logger)
	p := NewPipeline(svc, &fakeSender{}, nil, adminGroup, []string{"5531911110000@s.whatsapp.net"}, logger)

	if !p.IsAdminChat(transport.Message{ChatJID: adminGroup}) {
		t.Fatal("admin group should be recognized")
	}
	if !p.IsAdminChat(transport.Message{ChatJID: "5531911110000@s.whatsapp.net"}) {
		t.Fatal("admin number should be recognized")
	}
	if p.IsAdminChat(transport.Message{ChatJID: clientJID}) {
		t.Fatal("client chat must not be admin")
	}
}

func TestHashAnswerFlow(t *testing.T) {
	p, svc, sender := testPipeline(t, nil)

	pq, err := svc.RegisterPending(clientJID, "Ana", "Qual o horário das aulas?")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	handled := p.Handle(context.Background(), transport.Message{
		ChatJID: adminGroup,
		Text:    "#" + pq.ID + " Seg a sex, das 19h às 22h.",
	})
	if !handled {
		t.Fatal("answer message should be handled")
	}

	// Without a model the raw answer goes out with the fixed menu hint.
	toClient := sender.sentTo(clientJID)
	want := "Seg a sex, das 19h às 22h.\n\n" + menu.Hint
	if len(toClient) != 1 || toClient[0] != want {
		t.Fatalf("client messages = %v, want %q", toClient, want)
	}
	confirmations := sender.sentTo(adminGroup)
	if len(confirmations) != 1 || !strings.Contains(confirmations[0], "Ana") {
		t.Fatalf("admin confirmation = %v", confirmations)
	}

	// The question is resolved and the delivered text learned.
	list, _ := svc.PendingList()
	if len(list) != 0 {
		t.Fatalf("question still pending: %+v", list)
	}
	lr, ok, _ := svc.Find("qual o horario das aulas?")
	if !ok || lr.Answer != want {
		t.Fatalf("learned = %+v ok=%v, want answer %q", lr, ok, want)
	}
}

func TestAnswerDeliveredOnlyOnce(t *testing.T) {
	p, svc, sender := testPipeline(t, nil)

	pq, err := svc.RegisterPending(clientJID, "Ana", "Tem aula de redação?")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := transport.Message{ChatJID: adminGroup, Text: "#" + pq.ID + " Sim, às quartas."}
	p.Handle(context.Background(), msg)
	p.Handle(context.Background(), msg)

	if got := sender.sentTo(clientJID); len(got) != 1 {
		t.Fatalf("client received %d messages, want 1", len(got))
	}
	warnings := sender.sentTo(adminGroup)
	if len(warnings) != 2 || !strings.Contains(warnings[1], "já foi respondida") {
		t.Fatalf("second attempt should warn the admin: %v", warnings)
	}
}

func TestUnknownIDWarnsAdmin(t *testing.T) {
	p, _, sender := testPipeline(t, nil)

	p.Handle(context.Background(), transport.Message{ChatJID: adminGroup, Text: "#zzzzzzzz resposta qualquer"})
	got := sender.sentTo(adminGroup)
	if len(got) != 1 || !strings.Contains(got[0], "zzzzzzzz") {
		t.Fatalf("expected unknown-id warning, got %v", got)
	}
}

func TestQuotedReplyAnswers(t *testing.T) {
	p, svc, sender := testPipeline(t, nil)

	pq, err := svc.RegisterPending(clientJID, "Bruno", "Qual o valor da mensalidade?")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.NotifyNewQuestion(context.Background(), pq); err != nil {
		t.Fatalf("notify: %v", err)
	}
	forwarded := sender.sentTo(adminGroup)
	if len(forwarded) != 1 {
		t.Fatalf("forwarded = %v", forwarded)
	}

	handled := p.Handle(context.Background(), transport.Message{
		ChatJID:    adminGroup,
		Text:       "R$ 150 por mês.",
		QuotedText: forwarded[0],
	})
	if !handled {
		t.Fatal("quoted reply should be handled")
	}
	if got := sender.sentTo(clientJID); len(got) != 1 || got[0] != "R$ 150 por mês.\n\n"+menu.Hint {
		t.Fatalf("client messages = %v", got)
	}
}

func TestAnswerIsPolishedByModel(t *testing.T) {
	const polished = "Olá Ana! As aulas vão de segunda a sexta, das 19h às 22h. 😊"
	p, svc, sender := testPipeline(t, &fakeModel{reply: polished})

	pq, _ := svc.RegisterPending(clientJID, "Ana", "Qual o horário?")
	p.Handle(context.Background(), transport.Message{ChatJID: adminGroup, Text: "#" + pq.ID + " 19h as 22h"})

	got := sender.sentTo(clientJID)
	if len(got) != 1 || got[0] != polished {
		t.Fatalf("polished answer not sent: %v", got)
	}
	// The memory keeps the polished text, not the admin's shorthand: the
	// next time this question arrives the bot repeats what was sent.
	lr, ok, _ := svc.Find("qual o horario?")
	if !ok || lr.Answer != polished {
		t.Fatalf("learned = %+v ok=%v, want answer %q", lr, ok, polished)
	}
}

func TestPlainChatterIsIgnored(t *testing.T) {
	p, _, sender := testPipeline(t, nil)
	handled := p.Handle(context.Background(), transport.Message{ChatJID: adminGroup, Text: "bom dia pessoal"})
	if handled {
		t.Fatal("plain group chatter must not be handled")
	}
	if len(sender.all()) != 0 {
		t.Fatalf("nothing should be sent, got %v", sender.all())
	}
}

func TestMemoryCommands(t *testing.T) {
	p, svc, sender := testPipeline(t, nil)
	ctx := context.Background()

	p.Handle(ctx, transport.Message{ChatJID: adminGroup, Text: "!aprender Tem simulado? | Sim, todo sábado às 9h."})
	all, err := svc.List()
	if err != nil || len(all) != 1 {
		t.Fatalf("learned list = %v, %v", all, err)
	}
	id := all[0].ID

	p.Handle(ctx, transport.Message{ChatJID: adminGroup, Text: "!listar"})
	p.Handle(ctx, transport.Message{ChatJID: adminGroup, Text: "!ver " + id})
	p.Handle(ctx, transport.Message{ChatJID: adminGroup, Text: "!corrigir " + id + " Sim, sábados às 8h."})

	lr, err := svc.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lr.Answer != "Sim, sábados às 8h." {
		t.Fatalf("answer = %q", lr.Answer)
	}

	p.Handle(ctx, transport.Message{ChatJID: adminGroup, Text: "!apagar " + id})
	if all, _ := svc.List(); len(all) != 0 {
		t.Fatalf("memory should be empty, got %v", all)
	}

	p.Handle(ctx, transport.Message{ChatJID: adminGroup, Text: "!pendentes"})
	replies := sender.sentTo(adminGroup)
	last := replies[len(replies)-1]
	if !strings.Contains(last, "Nenhuma pergunta pendente") {
		t.Fatalf("last reply = %q", last)
	}
}

func TestNotifyFansOutWithoutGroup(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := learning.NewService(store, logger)
	sender := &fakeSender{}
	admins := []string{"5531911110000@s.whatsapp.net", "5531922220000@s.whatsapp.net"}
	p := NewPipeline(svc, sender, nil, "", admins, logger)

	pq, _ := svc.RegisterPending(clientJID, "Ana", "Tem desconto?")
	if err := p.NotifyNewQuestion(context.Background(), pq); err != nil {
		t.Fatalf("notify: %v", err)
	}
	for _, jid := range admins {
		if len(sender.sentTo(jid)) != 1 {
			t.Fatalf("admin %s did not receive the forward", jid)
		}
	}
}

func TestAnswerWithoutGroupNotifiesOtherAdmins(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := learning.NewService(store, logger)
	sender := &fakeSender{}
	admins := []string{"5531911110000@s.whatsapp.net", "5531922220000@s.whatsapp.net"}
	p := NewPipeline(svc, sender, nil, "", admins, logger)

	pq, _ := svc.RegisterPending(clientJID, "Ana", "Tem desconto para grupos?")
	p.Handle(context.Background(), transport.Message{
		ChatJID: admins[0],
		Text:    "#" + pq.ID + " Sim, 10% acima de 3 pessoas.",
	})

	// The responder gets the confirmation, everyone else the handled notice.
	first := sender.sentTo(admins[0])
	if len(first) != 1 || !strings.Contains(first[0], "Resposta enviada") {
		t.Fatalf("responder messages = %v", first)
	}
	second := sender.sentTo(admins[1])
	if len(second) != 1 || !strings.Contains(second[0], "Outra pessoa já respondeu") {
		t.Fatalf("other admin messages = %v", second)
	}
}

func TestInadequateAnswerAlertGoesToFirstAdmin(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := learning.NewService(store, logger)
	sender := &fakeSender{}
	admins := []string{"5531911110000@s.whatsapp.net", "5531922220000@s.whatsapp.net"}
	p := NewPipeline(svc, sender, nil, adminGroup, admins, logger)

	lr, err := svc.Learn("Qual o valor?", "R$ 150.", "admin")
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	err = p.NotifyInadequateAnswer(context.Background(), "Qual o valor para menores?", lr, "A resposta não cobre menores de idade.")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	got := sender.sentTo(admins[0])
	if len(got) != 1 || !strings.Contains(got[0], lr.ID) {
		t.Fatalf("first admin messages = %v", got)
	}
	if len(sender.sentTo(admins[1])) != 0 {
		t.Fatal("alert should go only to the first admin")
	}
}
