package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/silfer/silferbot/internal/admin"
	"github.com/silfer/silferbot/internal/conversation"
	"github.com/silfer/silferbot/internal/learning"
	"github.com/silfer/silferbot/internal/menu"
	"github.com/silfer/silferbot/internal/schedule"
	"github.com/silfer/silferbot/internal/storage"
	"github.com/silfer/silferbot/internal/transport"
	"github.com/silfer/silferbot/internal/users"
)

const (
	adminGroup = "1203630000000000@g.us"
	clientJID  = "5531999990000@s.whatsapp.net"
)

type fakeCluster struct {
	master   bool
	mu       sync.Mutex
	activity int
}

func (f *fakeCluster) IsMaster() bool { return f.master }
func (f *fakeCluster) RecordActivity() {
	f.mu.Lock()
	f.activity++
	f.mu.Unlock()
}

type fakeSender struct {
	mu   sync.Mutex
	sent []struct{ To, Text string }
}

func (f *fakeSender) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct{ To, Text string }{to, text})
	return nil
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

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeModel hands out canned JSON verdicts, one per call, repeating the last
// one when the flow asks more often than the test scripted.
type fakeModel struct {
	err     error
	replies []string

	mu    sync.Mutex
	calls int
}

func (f *fakeModel) GenerateJSON(_ context.Context, _ string, v any) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return json.Unmarshal([]byte(f.replies[i]), v)
}

type fixture struct {
	router  *Router
	cluster *fakeCluster
	sender  *fakeSender
	svc     *learning.Service
}

func newFixture(t *testing.T, model Analyzer) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := learning.NewService(store, logger)
	sender := &fakeSender{}
	cluster := &fakeCluster{master: true}
	pipeline := admin.NewPipeline(svc, sender, nil, adminGroup, nil, logger)
	sched := schedule.NewScheduler(logger)
	t.Cleanup(sched.CancelAll)

	catalog, err := menu.LoadCatalog(filepath.Join(t.TempDir(), "respostas.json"))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	r := New(Config{
		Cluster:   cluster,
		Learning:  svc,
		Pipeline:  pipeline,
		Registry:  users.NewRegistry(store, logger),
		History:   conversation.NewHistory(),
		Scheduler: sched,
		Takeover:  schedule.NewTakeover(0),
		Sender:    sender,
		Model:     model,
		Menu:      menu.NewResponder(catalog),
		Logger:    logger,
	})
	return &fixture{router: r, cluster: cluster, sender: sender, svc: svc}
}

// identify walks a contact through the name exchange so later messages hit
// the main flow.
func (f *fixture) identify(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "oi"})
	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: name})
}

func TestStandbyDeviceStaysSilent(t *testing.T) {
	f := newFixture(t, nil)
	f.cluster.master = false

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "oi"})
	if f.sender.count() != 0 {
		t.Fatalf("standby sent %d messages", f.sender.count())
	}
}

func TestNewContactIsAskedTheirName(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "oi, tudo bem?"})
	got := f.sender.sentTo(clientJID)
	if len(got) != 1 || !strings.Contains(got[0], "como você se chama") {
		t.Fatalf("greeting = %v", got)
	}

	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "Ana Paula", PushName: "Aninha"})
	got = f.sender.sentTo(clientJID)
	if len(got) != 2 || !strings.Contains(got[1], "Prazer, Ana!") {
		t.Fatalf("welcome = %v", got)
	}
}

func TestLearnedAnswerIsServed(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")
	if _, err := f.svc.Learn("Qual o horário das aulas?", "Seg a sex, 19h às 22h.", "admin"); err != nil {
		t.Fatalf("learn: %v", err)
	}

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "qual o horario das aulas?"})
	got := f.sender.sentTo(clientJID)
	last := got[len(got)-1]
	if last != "Seg a sex, 19h às 22h." {
		t.Fatalf("last reply = %q", last)
	}
	// Nothing was escalated.
	if list, _ := f.svc.PendingList(); len(list) != 0 {
		t.Fatalf("pending = %+v", list)
	}
}

func TestModelAnswersWhenConfident(t *testing.T) {
	f := newFixture(t, &fakeModel{replies: []string{
		`{"action": "ANSWER", "response": "As aulas começam em março!"}`,
	}})
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "quando começam as aulas?"})
	got := f.sender.sentTo(clientJID)
	if got[len(got)-1] != "As aulas começam em março!" {
		t.Fatalf("reply = %v", got)
	}
	if list, _ := f.svc.PendingList(); len(list) != 0 {
		t.Fatalf("confident answer must not escalate: %+v", list)
	}
}

func TestModelClarifyRepliesDirectly(t *testing.T) {
	f := newFixture(t, &fakeModel{replies: []string{
		`{"action": "CLARIFY", "response": "Pode me contar um pouco mais do que você precisa? 😊"}`,
	}})
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "posso mandar aquilo?"})
	got := f.sender.sentTo(clientJID)
	if !strings.Contains(got[len(got)-1], "um pouco mais") {
		t.Fatalf("clarification = %v", got)
	}
	if list, _ := f.svc.PendingList(); len(list) != 0 {
		t.Fatalf("clarification must not escalate: %+v", list)
	}
}

func TestModelForwardVerdictEscalates(t *testing.T) {
	f := newFixture(t, &fakeModel{replies: []string{
		`{"action": "FORWARD", "contextualizedQuestion": "A escola tem convênio com a prefeitura?"}`,
	}})
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "vocês têm convênio com a prefeitura?"})

	list, err := f.svc.PendingList()
	if err != nil || len(list) != 1 {
		t.Fatalf("pending = %v, %v", list, err)
	}
	if list[0].ClientName != "Ana" {
		t.Fatalf("client name = %q", list[0].ClientName)
	}
	// The ledger keeps the model's reformulated question.
	if list[0].Question != "A escola tem convênio com a prefeitura?" {
		t.Fatalf("ledger question = %q", list[0].Question)
	}

	forwarded := f.sender.sentTo(adminGroup)
	if len(forwarded) != 1 || !strings.Contains(forwarded[0], list[0].ID) {
		t.Fatalf("admin forward = %v", forwarded)
	}
	clientMsgs := f.sender.sentTo(clientJID)
	if !strings.Contains(clientMsgs[len(clientMsgs)-1], "verificar com a equipe") {
		t.Fatalf("client reassurance = %v", clientMsgs)
	}
}

func TestSemanticMatchServesLearnedAnswer(t *testing.T) {
	f := newFixture(t, &fakeModel{replies: []string{
		`{"action": "FORWARD", "contextualizedQuestion": "Até quantos anos posso prestar o concurso?"}`,
		`{"found": true, "matchIndex": 1, "confidence": "alta", "reasoning": "mesma pergunta"}`,
		`{"isValid": true}`,
	}})
	f.identify(t, "Ana")
	if _, err := f.svc.Learn("Qual a idade máxima do concurso?", "Até 32 anos.", "admin"); err != nil {
		t.Fatalf("learn: %v", err)
	}

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "posso prestar com quantos anos?"})

	got := f.sender.sentTo(clientJID)
	if !strings.HasPrefix(got[len(got)-1], "Até 32 anos.") {
		t.Fatalf("reply = %v", got)
	}
	if list, _ := f.svc.PendingList(); len(list) != 0 {
		t.Fatalf("served match must not escalate: %+v", list)
	}
}

func TestInadequateMatchAlertsStaffAndEscalates(t *testing.T) {
	f := newFixture(t, &fakeModel{replies: []string{
		`{"action": "FORWARD", "contextualizedQuestion": "Qual a idade máxima para menores emancipados?"}`,
		`{"found": true, "matchIndex": 1, "confidence": "alta", "reasoning": "mesma pergunta"}`,
		`{"isValid": false, "issue": "A resposta não cobre emancipados."}`,
	}})
	f.identify(t, "Ana")
	if _, err := f.svc.Learn("Qual a idade máxima do concurso?", "Até 32 anos.", "admin"); err != nil {
		t.Fatalf("learn: %v", err)
	}

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "posso prestar sendo emancipado?"})

	if list, _ := f.svc.PendingList(); len(list) != 1 {
		t.Fatalf("question should still reach the staff: %+v", list)
	}
	staffMsgs := f.sender.sentTo(adminGroup)
	var alerted bool
	for _, m := range staffMsgs {
		if strings.Contains(m, "Resposta inadequada") {
			alerted = true
		}
	}
	if !alerted {
		t.Fatalf("staff should be alerted about the stale answer: %v", staffMsgs)
	}
}

func TestModelFailureDegradesButEscalates(t *testing.T) {
	f := newFixture(t, &fakeModel{err: errors.New("quota exhausted")})
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "tem bolsa de estudos?"})

	if list, _ := f.svc.PendingList(); len(list) != 1 {
		t.Fatalf("question should still reach the staff: %+v", list)
	}
	clientMsgs := f.sender.sentTo(clientJID)
	if !strings.Contains(clientMsgs[len(clientMsgs)-1], "dificuldades técnicas") {
		t.Fatalf("degraded reply = %v", clientMsgs)
	}
}

func TestNoModelEscalatesDirectly(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "tem turma aos domingos?"})
	if list, _ := f.svc.PendingList(); len(list) != 1 {
		t.Fatalf("pending = %+v", list)
	}
}

func TestHumanTakeoverSilencesBot(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")
	before := f.sender.count()

	// A human typed on the bot's account: unknown self-sent text.
	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, FromMe: true, Text: "Oi Ana, aqui é a Márcia da secretaria"})
	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "obrigada Márcia!"})

	if f.sender.count() != before {
		t.Fatalf("bot replied during human takeover")
	}
}

func TestOwnEchoIsNotTakeover(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")
	if _, err := f.svc.Learn("Quando é a prova?", "Em julho.", "admin"); err != nil {
		t.Fatalf("learn: %v", err)
	}

	ctx := context.Background()
	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "quando e a prova?"})
	// The gateway echoes our own send back as a fromMe event.
	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, FromMe: true, Text: "Em julho."})

	before := len(f.sender.sentTo(clientJID))
	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "quando e a prova?"})
	if got := f.sender.sentTo(clientJID); len(got) != before+1 {
		t.Fatal("bot should keep answering after its own echo")
	}
}

func TestCustomerGroupsAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Handle(context.Background(), transport.Message{
		ChatJID:   "999888777@g.us",
		SenderJID: clientJID,
		Text:      "alguém sabe o horário?",
	})
	if f.sender.count() != 0 {
		t.Fatal("bot must not talk in customer groups")
	}
}

func TestAdminAnswerFlowsThroughRouter(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")
	ctx := context.Background()

	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "tem aula de informática?"})
	list, _ := f.svc.PendingList()
	if len(list) != 1 {
		t.Fatalf("pending = %+v", list)
	}

	f.router.Handle(ctx, transport.Message{ChatJID: adminGroup, SenderJID: adminGroup, Text: "#" + list[0].ID + " Sim, às terças."})
	clientMsgs := f.sender.sentTo(clientJID)
	if clientMsgs[len(clientMsgs)-1] != "Sim, às terças.\n\n"+menu.Hint {
		t.Fatalf("client messages = %v", clientMsgs)
	}
	if list, _ = f.svc.PendingList(); len(list) != 0 {
		t.Fatal("question should be resolved")
	}
}

func TestMenuIsServedToKnownContact(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "menu"})
	got := f.sender.sentTo(clientJID)
	if !strings.Contains(got[len(got)-1], "MENU PRINCIPAL") {
		t.Fatalf("menu reply = %v", got)
	}
	if list, _ := f.svc.PendingList(); len(list) != 0 {
		t.Fatalf("menu request must not escalate: %+v", list)
	}
}

func TestWelcomeUsesFirstName(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana Paula")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "bom dia"})
	got := f.sender.sentTo(clientJID)
	last := got[len(got)-1]
	if !strings.Contains(last, "Olá, Ana!") {
		t.Fatalf("welcome = %q", last)
	}
}

func TestAttendantOptionNotifiesStaff(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "4"})

	clientMsgs := f.sender.sentTo(clientJID)
	if !strings.Contains(clientMsgs[len(clientMsgs)-1], "avisei a equipe") {
		t.Fatalf("client reply = %v", clientMsgs)
	}
	staffMsgs := f.sender.sentTo(adminGroup)
	if len(staffMsgs) != 1 || !strings.Contains(staffMsgs[0], "Novo lead") {
		t.Fatalf("staff notification = %v", staffMsgs)
	}
}

func TestTurmaSelectionNotifiesStaff(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")
	ctx := context.Background()

	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "1"})
	got := f.sender.sentTo(clientJID)
	if !strings.Contains(got[len(got)-1], "NOSSAS TURMAS") {
		t.Fatalf("class overview = %v", got)
	}

	f.router.Handle(ctx, transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "2"})
	got = f.sender.sentTo(clientJID)
	if !strings.Contains(got[len(got)-1], "SÁBADOS") {
		t.Fatalf("class detail = %v", got)
	}
	staffMsgs := f.sender.sentTo(adminGroup)
	if len(staffMsgs) != 1 || !strings.Contains(staffMsgs[0], "Novo lead") {
		t.Fatalf("staff notification = %v", staffMsgs)
	}
}

func TestAcknowledgementDoesNotEscalate(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "valeu!"})

	got := f.sender.sentTo(clientJID)
	if !strings.Contains(got[len(got)-1], "MENU") {
		t.Fatalf("closing reply = %v", got)
	}
	if list, _ := f.svc.PendingList(); len(list) != 0 {
		t.Fatalf("acknowledgement must not escalate: %+v", list)
	}
}

func TestLearnedAnswerBeatsClosingPhrase(t *testing.T) {
	f := newFixture(t, nil)
	f.identify(t, "Ana")
	if _, err := f.svc.Learn("Pode ser parcelado?", "Sim, em até 3x.", "admin"); err != nil {
		t.Fatalf("learn: %v", err)
	}

	f.router.Handle(context.Background(), transport.Message{ChatJID: clientJID, SenderJID: clientJID, Text: "pode ser parcelado?"})
	got := f.sender.sentTo(clientJID)
	if got[len(got)-1] != "Sim, em até 3x." {
		t.Fatalf("reply = %v", got)
	}
}
