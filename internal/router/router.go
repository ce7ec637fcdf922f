// Package router decides what happens to each incoming WhatsApp message:
// admin handling, customer identification, learned answers, model answers,
// or escalation to the staff.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/silfer/silferbot/internal/admin"
	"github.com/silfer/silferbot/internal/conversation"
	"github.com/silfer/silferbot/internal/knowledge"
	"github.com/silfer/silferbot/internal/learning"
	"github.com/silfer/silferbot/internal/menu"
	"github.com/silfer/silferbot/internal/schedule"
	"github.com/silfer/silferbot/internal/storage"
	"github.com/silfer/silferbot/internal/transport"
	"github.com/silfer/silferbot/internal/users"
)

// degradedReply is sent when the model is unavailable and no learned answer
// fits; the question still goes to the staff.
const degradedReply = "No momento estou com dificuldades técnicas, mas já encaminhei sua pergunta para a equipe. Em breve alguém responde! 🙏"

// sentCacheTTL bounds how long the router remembers its own outgoing texts,
// used to tell bot messages apart from a human typing on the same account.
const sentCacheTTL = 2 * time.Minute

// Cluster is the slice of the coordinator the router depends on.
type Cluster interface {
	IsMaster() bool
	RecordActivity()
}

// Analyzer is the slice of the language model the router uses: structured
// JSON decisions about messages nothing else could handle.
type Analyzer interface {
	GenerateJSON(ctx context.Context, prompt string, v any) error
}

// messageAnalysis is the model's verdict on an unknown message.
type messageAnalysis struct {
	Action                 string `json:"action"`
	Response               string `json:"response"`
	ContextualizedQuestion string `json:"contextualizedQuestion"`
}

// semanticVerdict says whether a learned question means the same thing as
// the one the customer asked.
type semanticVerdict struct {
	Found      bool   `json:"found"`
	MatchIndex int    `json:"matchIndex"`
	Confidence string `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// answerValidation says whether a stored answer actually fits the question.
type answerValidation struct {
	IsValid bool   `json:"isValid"`
	Issue   string `json:"issue"`
}

// Router owns the per-message decision flow. One Router runs per device; it
// only answers customers while the device is the cluster master.
type Router struct {
	cluster   Cluster
	learning  *learning.Service
	pipeline  *admin.Pipeline
	registry  *users.Registry
	history   *conversation.History
	scheduler *schedule.Scheduler
	takeover  *schedule.Takeover
	sender    transport.Sender
	model     Analyzer
	base      *knowledge.Base
	menu      *menu.Responder
	logger    *slog.Logger

	mu       sync.Mutex
	sentByUs map[string]time.Time
}

type Config struct {
	Cluster   Cluster
	Learning  *learning.Service
	Pipeline  *admin.Pipeline
	Registry  *users.Registry
	History   *conversation.History
	Scheduler *schedule.Scheduler
	Takeover  *schedule.Takeover
	Sender    transport.Sender
	Model     Analyzer
	Knowledge *knowledge.Base
	Menu      *menu.Responder
	Logger    *slog.Logger
}

func New(cfg Config) *Router {
	return &Router{
		cluster:   cfg.Cluster,
		learning:  cfg.Learning,
		pipeline:  cfg.Pipeline,
		registry:  cfg.Registry,
		history:   cfg.History,
		scheduler: cfg.Scheduler,
		takeover:  cfg.Takeover,
		sender:    cfg.Sender,
		model:     cfg.Model,
		base:      cfg.Knowledge,
		menu:      cfg.Menu,
		logger:    cfg.Logger.With("component", "router"),
	}
}

// Handle processes one incoming message end to end.
func (r *Router) Handle(ctx context.Context, msg transport.Message) {
	text := strings.TrimSpace(msg.Text)

	// A message from our own account that we did not send means a human
	// picked up the phone; stay quiet in that chat for a while.
	if msg.FromMe {
		if text != "" && !r.wasSentByUs(msg.ChatJID, text) {
			r.takeover.MarkHuman(msg.ChatJID)
			r.scheduler.Cancel(msg.ChatJID)
			r.logger.Info("human takeover detected", "chat", msg.ChatJID)
		}
		return
	}
	if text == "" {
		return
	}

	if r.pipeline.IsAdminChat(msg) {
		if r.pipeline.Handle(ctx, msg) {
			return
		}
		return
	}
	if msg.IsGroup() {
		// Only the admin group is handled; the bot never talks in
		// customer groups.
		return
	}

	// Customer traffic is answered by the cluster master only; standby
	// devices observe but stay silent.
	if !r.cluster.IsMaster() {
		return
	}
	if r.takeover.Active(msg.ChatJID) {
		return
	}

	r.scheduler.Cancel(msg.ChatJID)
	r.history.Add(msg.ChatJID, conversation.RoleClient, text)
	r.handleCustomer(ctx, msg, text)
}

func (r *Router) handleCustomer(ctx context.Context, msg transport.Message, text string) {
	phone := transport.PhoneFromJID(msg.SenderJID)

	if r.registry.AwaitingName(phone) {
		u, err := r.registry.ConfirmName(phone, text, msg.PushName)
		if err != nil {
			r.send(ctx, msg.ChatJID, "Desculpe, não entendi. Pode me dizer seu nome?")
			return
		}
		r.send(ctx, msg.ChatJID, fmt.Sprintf("Prazer, %s! 😊 Como posso ajudar você hoje?", firstName(u.Name)))
		r.cluster.RecordActivity()
		return
	}

	u, known := r.registry.Lookup(phone)
	if !known {
		r.registry.BeginIdentification(phone)
		greeting := users.Greeting(time.Now().Hour())
		r.send(ctx, msg.ChatJID, fmt.Sprintf("%s! Sou o assistente da *Silfer Concursos*. 📚\nAntes de começarmos, como você se chama?", greeting))
		r.cluster.RecordActivity()
		return
	}
	r.registry.Touch(phone)
	if r.registry.NameChanged(u, msg.PushName) {
		r.logger.Info("push name changed", "phone", phone, "stored", u.WhatsAppName, "current", msg.PushName)
	}

	// Scripted screens first: greetings, the menu and its options.
	if r.menu != nil {
		if reply, ok := r.menu.Respond(phone, text); ok {
			r.serveScripted(ctx, msg, u, reply)
			return
		}
	}

	// Learned answers win over the model: they came from the staff.
	if lr, ok, err := r.learning.Find(text); err != nil {
		r.logger.Error("learned lookup failed", "error", err)
	} else if ok {
		r.send(ctx, msg.ChatJID, lr.Answer)
		r.history.Add(msg.ChatJID, conversation.RoleBot, lr.Answer)
		r.cluster.RecordActivity()
		return
	}

	// Plain acknowledgements ("ok", "valeu") never reach the model.
	if r.menu != nil {
		if closing, ok := r.menu.ClosingReply(text); ok {
			r.send(ctx, msg.ChatJID, closing)
			r.history.Add(msg.ChatJID, conversation.RoleBot, closing)
			r.cluster.RecordActivity()
			return
		}
	}

	r.answerWithModel(ctx, msg, u, text)
}

// serveScripted delivers a menu screen and attaches its side effects: lead
// notifications for hot options and a reminder if the customer goes quiet.
func (r *Router) serveScripted(ctx context.Context, msg transport.Message, u storage.User, reply menu.Reply) {
	body := strings.ReplaceAll(reply.Text, "{nome}", firstName(u.Name))
	r.send(ctx, msg.ChatJID, body)
	r.history.Add(msg.ChatJID, conversation.RoleBot, body)
	r.cluster.RecordActivity()

	switch reply.Kind {
	case menu.KindLead:
		if err := r.pipeline.NotifyLead(ctx, u.Name, msg.ChatJID, "falar com atendente"); err != nil {
			r.logger.Error("could not notify staff about lead", "error", err)
		}
	case menu.KindTurmaDetail:
		if err := r.pipeline.NotifyLead(ctx, u.Name, msg.ChatJID, "detalhes de turma"); err != nil {
			r.logger.Error("could not notify staff about lead", "error", err)
		}
		r.scheduleNudge(msg.ChatJID, u.Name, reply.Kind)
	default:
		r.scheduleNudge(msg.ChatJID, u.Name, reply.Kind)
	}
}

func (r *Router) scheduleNudge(chat, name string, kind menu.Kind) {
	text := r.menu.FollowUpMessage(firstName(name), kind)
	r.scheduler.After(chat, schedule.DefaultFollowUp, func() {
		r.send(context.Background(), chat, text)
	})
}

// answerWithModel asks the model to classify the message, replies directly
// when the verdict allows it, and otherwise tries a semantic match against
// the learned answers before escalating to the staff.
func (r *Router) answerWithModel(ctx context.Context, msg transport.Message, u storage.User, text string) {
	reassurance := fmt.Sprintf("Boa pergunta, %s! Vou verificar com a equipe e já te respondo. 🙏", firstName(u.Name))
	if r.model == nil {
		r.escalate(ctx, msg, u, text, reassurance)
		return
	}

	var an messageAnalysis
	if err := r.model.GenerateJSON(ctx, r.analysisPrompt(msg.ChatJID, u.Name, text), &an); err != nil {
		r.logger.Warn("model unavailable", "error", err)
		r.escalate(ctx, msg, u, text, degradedReply)
		return
	}

	// Clarification requests, polite refusals and confident answers all go
	// straight to the customer; everything else is forwarded.
	action := strings.ToLower(strings.TrimSpace(an.Action))
	reply := strings.TrimSpace(an.Response)
	if reply != "" && (action == "clarify" || action == "reject" || action == "answer") {
		r.logger.Info("model verdict", "action", action, "chat", msg.ChatJID)
		r.send(ctx, msg.ChatJID, reply)
		r.history.Add(msg.ChatJID, conversation.RoleBot, reply)
		r.cluster.RecordActivity()
		return
	}

	question := strings.TrimSpace(an.ContextualizedQuestion)
	if question == "" {
		question = text
	}

	if lr, ok := r.findLearnedBySemantics(ctx, question); ok {
		body := lr.Answer + "\n\n" + menu.Hint
		r.send(ctx, msg.ChatJID, body)
		r.history.Add(msg.ChatJID, conversation.RoleBot, lr.Answer)
		r.cluster.RecordActivity()
		return
	}

	r.escalate(ctx, msg, u, question, reassurance)
}

// findLearnedBySemantics asks the model whether any learned question means
// the same thing as the customer's, then double-checks that the stored
// answer still fits. Any model hiccup reads as "no match"; an answer that
// matched but does not fit is flagged to the staff.
func (r *Router) findLearnedBySemantics(ctx context.Context, question string) (storage.LearnedResponse, bool) {
	list, err := r.learning.List()
	if err != nil || len(list) == 0 {
		return storage.LearnedResponse{}, false
	}

	var sb strings.Builder
	for i, lr := range list {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, lr.Question)
	}
	prompt := fmt.Sprintf(`Você é um analisador de perguntas da Silfer Concursos.

PERGUNTA DO CLIENTE:
%q

PERGUNTAS JÁ RESPONDIDAS:
%s
TAREFA: verifique se alguma pergunta da lista é SEMANTICAMENTE IGUAL à pergunta do cliente (mesmo significado, palavras diferentes). Não considere perguntas apenas parecidas.

Responda em JSON:
{"found": true ou false, "matchIndex": número da pergunta ou null, "confidence": "alta" ou "media", "reasoning": "explicação curta"}

Use "alta" somente com certeza de que é a mesma pergunta.`, question, sb.String())

	var verdict semanticVerdict
	if err := r.model.GenerateJSON(ctx, prompt, &verdict); err != nil {
		r.logger.Warn("semantic match unavailable", "error", err)
		return storage.LearnedResponse{}, false
	}
	if !verdict.Found || verdict.Confidence != "alta" ||
		verdict.MatchIndex < 1 || verdict.MatchIndex > len(list) {
		return storage.LearnedResponse{}, false
	}
	lr := list[verdict.MatchIndex-1]

	validate := fmt.Sprintf(`Verifique se a resposta abaixo é APROPRIADA para a pergunta do cliente.

PERGUNTA DO CLIENTE: %q
RESPOSTA DISPONÍVEL: %q

A resposta atende a pergunta? Responda em JSON:
{"isValid": true ou false, "issue": "descrição do problema (só se isValid=false)"}`, question, lr.Answer)

	var val answerValidation
	if err := r.model.GenerateJSON(ctx, validate, &val); err != nil {
		r.logger.Warn("match validation unavailable", "error", err)
		return storage.LearnedResponse{}, false
	}
	if !val.IsValid {
		if err := r.pipeline.NotifyInadequateAnswer(ctx, question, lr, val.Issue); err != nil {
			r.logger.Error("could not flag inadequate answer", "id", lr.ID, "error", err)
		}
		return storage.LearnedResponse{}, false
	}
	return lr, true
}

// escalate files the question in the ledger, notifies the staff and tells
// the customer their question is on its way.
func (r *Router) escalate(ctx context.Context, msg transport.Message, u storage.User, question, clientReply string) {
	pq, err := r.learning.RegisterPending(msg.ChatJID, u.Name, question)
	if err != nil {
		r.logger.Error("could not register pending question", "error", err)
		r.send(ctx, msg.ChatJID, degradedReply)
		return
	}
	if err := r.pipeline.NotifyNewQuestion(ctx, pq); err != nil {
		r.logger.Error("could not notify admins", "id", pq.ID, "error", err)
	}

	r.send(ctx, msg.ChatJID, clientReply)
	r.history.Add(msg.ChatJID, conversation.RoleBot, clientReply)
	r.cluster.RecordActivity()

	// If the staff stays silent, reassure the customer once.
	id := pq.ID
	chat := msg.ChatJID
	r.scheduler.After(chat, schedule.DefaultFollowUp, func() {
		current, err := r.learning.Pending(id)
		if err != nil || current.Status != storage.StatusPending {
			return
		}
		r.send(context.Background(), chat, "Ainda estou aguardando a equipe, mas sua pergunta não foi esquecida! 😊")
	})
}

// analysisPrompt assembles the classification prompt from the knowledge
// base and the recent conversation.
func (r *Router) analysisPrompt(chat, name, message string) string {
	var sb strings.Builder
	sb.WriteString("Você é o assistente virtual da Silfer Concursos, escola preparatória para concursos públicos no Brasil.\n\n")
	if r.base != nil {
		if summary := r.base.Summary(4000); summary != "" {
			sb.WriteString("BASE DE CONHECIMENTO:\n")
			sb.WriteString(summary)
			sb.WriteString("\n\n")
		}
	}
	transcript := r.history.Transcript(chat)
	if transcript == "" {
		transcript = "Sem histórico anterior."
	}
	sb.WriteString("HISTÓRICO DA CONVERSA:\n")
	sb.WriteString(transcript)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "MENSAGEM DO CLIENTE (%s):\n%q\n\n", name, message)
	sb.WriteString(`ANALISE e decida UMA opção:

1. CLARIFY - mensagem incompleta ou fragmentada, peça esclarecimento
2. REJECT - fora do escopo da escola, recuse educadamente
3. ANSWER - você consegue responder COM CERTEZA usando as informações acima
4. FORWARD - pergunta legítima, mas você NÃO tem certeza da resposta

RESPONDA em JSON:
{"action": "CLARIFY" ou "REJECT" ou "ANSWER" ou "FORWARD", "response": "resposta para o cliente (se não for FORWARD)", "contextualizedQuestion": "pergunta reformulada (se FORWARD)"}

Responda em português, curto e cordial, com a formatação do WhatsApp (negrito é *um asterisco*, não dois).`)
	return sb.String()
}

// send delivers text and remembers it so the self-message echo from the
// gateway is not mistaken for a human takeover.
func (r *Router) send(ctx context.Context, chat, text string) {
	r.rememberSent(chat, text)
	if err := r.sender.SendText(ctx, chat, text); err != nil {
		r.logger.Error("send failed", "chat", chat, "error", err)
	}
}

func (r *Router) rememberSent(chat, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sentByUs == nil {
		r.sentByUs = make(map[string]time.Time)
	}
	now := time.Now()
	for key, at := range r.sentByUs {
		if now.Sub(at) > sentCacheTTL {
			delete(r.sentByUs, key)
		}
	}
	r.sentByUs[chat+"\x00"+text] = now
}

func (r *Router) wasSentByUs(chat, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.sentByUs[chat+"\x00"+text]
	return ok && time.Since(at) <= sentCacheTTL
}

// OnPromotion is wired to the cluster's promotion hook; a fresh master must
// not fire follow-ups scheduled while it was standby.
func (r *Router) OnPromotion() {
	r.scheduler.CancelAll()
	r.logger.Info("device promoted, timers reset")
}

func firstName(full string) string {
	if i := strings.IndexByte(full, ' '); i > 0 {
		return full[:i]
	}
	return full
}
