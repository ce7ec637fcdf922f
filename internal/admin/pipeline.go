// Package admin processes messages from the school staff: answers to
// pending questions, and the memory commands that manage learned responses.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/silfer/silferbot/internal/gemini"
	"github.com/silfer/silferbot/internal/learning"
	"github.com/silfer/silferbot/internal/menu"
	"github.com/silfer/silferbot/internal/storage"
	"github.com/silfer/silferbot/internal/transport"
)

// answerPattern matches "#ab12cd34 texto da resposta" anywhere an admin types
// it, tolerating newlines inside the answer.
var answerPattern = regexp.MustCompile(`(?is)^#([0-9a-z]+)\s+(.+)$`)

// Completer is the slice of the language model the pipeline uses to polish
// raw admin answers before they reach a customer.
type Completer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Pipeline handles every message coming from the configured admins.
type Pipeline struct {
	learning *learning.Service
	sender   transport.Sender
	model    Completer
	logger   *slog.Logger

	groupJID  string
	adminJIDs []string
}

func NewPipeline(svc *learning.Service, sender transport.Sender, model Completer, groupJID string, adminJIDs []string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		learning:  svc,
		sender:    sender,
		model:     model,
		logger:    logger.With("component", "admin"),
		groupJID:  groupJID,
		adminJIDs: adminJIDs,
	}
}

// IsAdminChat reports whether a message comes from the admin group or from
// one of the configured admin numbers.
func (p *Pipeline) IsAdminChat(msg transport.Message) bool {
	if p.groupJID != "" && msg.ChatJID == p.groupJID {
		return true
	}
	for _, jid := range p.adminJIDs {
		if msg.ChatJID == jid {
			return true
		}
	}
	return false
}

// Handle processes one admin message. It reports whether the message was
// recognized as an admin action; unrecognized text is left alone so admins
// can talk normally in their own group.
func (p *Pipeline) Handle(ctx context.Context, msg transport.Message) bool {
	text := strings.TrimSpace(msg.Text)

	if m := answerPattern.FindStringSubmatch(text); m != nil {
		p.deliverAnswer(ctx, msg.ChatJID, m[1], strings.TrimSpace(m[2]))
		return true
	}

	// A reply that quotes the forwarded notification carries the ledger id
	// in the quoted text, so the admin can just type the answer.
	if msg.QuotedText != "" && text != "" && !strings.HasPrefix(text, "!") {
		if id, ok := transport.ExtractLedgerID(msg.QuotedText); ok {
			p.deliverAnswer(ctx, msg.ChatJID, id, text)
			return true
		}
	}

	if strings.HasPrefix(text, "!") {
		p.handleMemoryCommand(ctx, msg.ChatJID, text)
		return true
	}
	return false
}

// deliverAnswer runs the full answer flow: resolve the ledger entry, polish
// the text, send it to the client, learn it, and confirm to the admin.
func (p *Pipeline) deliverAnswer(ctx context.Context, adminChat, id, rawAnswer string) {
	pq, err := p.learning.Pending(id)
	if errors.Is(err, storage.ErrNotFound) {
		p.reply(ctx, adminChat, fmt.Sprintf("❌ Não encontrei nenhuma pergunta com o ID *%s*.", id))
		return
	}
	if err != nil {
		p.logger.Error("pending lookup failed", "id", id, "error", err)
		p.reply(ctx, adminChat, "❌ Erro ao buscar a pergunta, tente novamente.")
		return
	}
	if pq.Status != storage.StatusPending {
		p.reply(ctx, adminChat, fmt.Sprintf("⚠️ A pergunta *%s* já foi respondida.", id))
		return
	}

	answer := p.polish(ctx, pq.ClientName, pq.Question, rawAnswer)

	// Resolve before sending so a crash mid-send errs on the side of a
	// lost message rather than a duplicate delivery.
	if err := p.learning.ResolvePending(id); err != nil {
		p.logger.Error("could not resolve pending question", "id", id, "error", err)
		p.reply(ctx, adminChat, "❌ Erro ao atualizar a pergunta, resposta não enviada.")
		return
	}
	if err := p.sender.SendText(ctx, pq.ClientJID, answer); err != nil {
		p.logger.Error("could not deliver answer", "id", id, "client", pq.ClientJID, "error", err)
		p.reply(ctx, adminChat, fmt.Sprintf("❌ Não consegui enviar a resposta para %s.", pq.ClientName))
		return
	}

	// What gets learned is what the client actually received, so the next
	// automatic reply reads exactly like this one.
	if _, err := p.learning.Learn(pq.Question, answer, "admin"); err != nil {
		p.logger.Error("could not learn answer", "id", id, "error", err)
	}

	name := pq.ClientName
	if name == "" {
		name = transport.PhoneFromJID(pq.ClientJID)
	}
	p.reply(ctx, adminChat, fmt.Sprintf("✅ Resposta enviada para *%s* e aprendida para as próximas vezes.", name))
	p.notifyOtherAdmins(ctx, adminChat, pq.Question)
	p.logger.Info("admin answer delivered", "id", id, "client", pq.ClientJID)
}

// notifyOtherAdmins tells the remaining admins someone already handled a
// question. Only relevant without a group, where each admin got their own
// copy of the forward. Best effort.
func (p *Pipeline) notifyOtherAdmins(ctx context.Context, responderChat, question string) {
	if p.groupJID != "" {
		return
	}
	text := fmt.Sprintf("ℹ️ *Outra pessoa já respondeu!*\n\n📝 Pergunta: %q\n✅ Resposta enviada ao cliente.",
		snippet(question, 50))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, jid := range p.adminJIDs {
		if jid == responderChat {
			continue
		}
		jid := jid
		g.Go(func() error {
			return p.sender.SendText(gCtx, jid, text)
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Error("could not notify other admins", "error", err)
	}
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// polish asks the model to rewrite a terse admin answer as a friendly
// customer-facing reply. When the model is unavailable the raw answer goes
// out with the fixed menu hint appended.
func (p *Pipeline) polish(ctx context.Context, clientName, question, rawAnswer string) string {
	if p.model == nil {
		return rawAnswer + "\n\n" + menu.Hint
	}
	prompt := fmt.Sprintf(`Você é atendente da escola Silfer Concursos, preparatória para concursos públicos.
Um aluno chamado %s perguntou: %q
A equipe respondeu internamente: %q

Reescreva a resposta da equipe como uma mensagem curta e cordial de WhatsApp para o aluno, em português, sem inventar informações novas. Use a formatação do WhatsApp (negrito é *um asterisco*, não dois). Ao final, adicione: %q

Responda apenas com a mensagem final.`,
		clientName, question, rawAnswer, menu.Hint)
	polished, err := p.model.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(polished) == "" {
		p.logger.Warn("answer polishing unavailable, sending raw text", "error", err)
		return rawAnswer + "\n\n" + menu.Hint
	}
	return strings.TrimSpace(polished)
}

// NotifyNewQuestion forwards a freshly filed question to the admin group, or
// to each admin individually when no group is configured.
func (p *Pipeline) NotifyNewQuestion(ctx context.Context, pq storage.PendingQuestion) error {
	name := pq.ClientName
	if name == "" {
		name = "Cliente"
	}
	text := fmt.Sprintf(
		"📩 *Nova pergunta de cliente*\n👤 *Cliente:* %s (%s)\n❓ *Pergunta:* %s\n🆔 *ID:* %s\n\nResponda com *#%s* seguido da resposta, ou responda esta mensagem diretamente.",
		name, transport.PhoneFromJID(pq.ClientJID), pq.Question, pq.ID, pq.ID)

	return p.broadcast(ctx, text)
}

// NotifyLead tells the staff a customer showed concrete interest, so someone
// can follow up while the conversation is warm.
func (p *Pipeline) NotifyLead(ctx context.Context, name, clientJID, interest string) error {
	if name == "" {
		name = "Cliente"
	}
	text := fmt.Sprintf("🔥 *Novo lead!*\n👤 *Cliente:* %s (%s)\n📌 *Interesse:* %s",
		name, transport.PhoneFromJID(clientJID), interest)
	return p.broadcast(ctx, text)
}

// NotifyInadequateAnswer alerts the first admin that a learned answer no
// longer fits a question a customer just asked, so someone corrects it.
func (p *Pipeline) NotifyInadequateAnswer(ctx context.Context, question string, lr storage.LearnedResponse, issue string) error {
	text := fmt.Sprintf("⚠️ *ALERTA: Resposta inadequada*\n\n❓ *Pergunta do cliente:*\n%q\n\n📝 *Pergunta parecida na memória:*\n%q\n\n💬 *Resposta atual:*\n%q\n\n*Problema:* %s\n\n_Corrija com *!corrigir %s nova resposta*._",
		question, lr.Question, lr.Answer, issue, lr.ID)
	if len(p.adminJIDs) > 0 {
		return p.sender.SendText(ctx, p.adminJIDs[0], text)
	}
	if p.groupJID != "" {
		return p.sender.SendText(ctx, p.groupJID, text)
	}
	return nil
}

// broadcast sends to the admin group, or to each admin when no group is
// configured.
func (p *Pipeline) broadcast(ctx context.Context, text string) error {
	if p.groupJID != "" {
		return p.sender.SendText(ctx, p.groupJID, text)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to stay under the gateway's rate limit.
	for _, jid := range p.adminJIDs {
		jid := jid
		g.Go(func() error {
			if err := p.sender.SendText(gCtx, jid, text); err != nil {
				return fmt.Errorf("notifying %s: %w", jid, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) reply(ctx context.Context, chat, text string) {
	if err := p.sender.SendText(ctx, chat, text); err != nil {
		p.logger.Error("could not reply to admin", "chat", chat, "error", err)
	}
}

// handleMemoryCommand serves the "!" commands admins use to inspect and edit
// the learned responses.
func (p *Pipeline) handleMemoryCommand(ctx context.Context, chat, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "!ajuda", "!comandos", "!help":
		p.reply(ctx, chat, memoryHelp)

	case "!pendentes", "!fila", "!aguardando":
		p.listPending(ctx, chat)

	case "!listar", "!memoria":
		p.listLearned(ctx, chat)

	case "!ver":
		if rest == "" {
			p.reply(ctx, chat, "Uso: *!ver <id>*")
			return
		}
		p.showLearned(ctx, chat, rest)

	case "!aprender", "!adicionar":
		parts := strings.SplitN(rest, "|", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			p.reply(ctx, chat, "Uso: *!aprender pergunta | resposta*")
			return
		}
		lr, err := p.learning.Learn(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), "manual")
		if err != nil {
			p.logger.Error("manual learn failed", "error", err)
			p.reply(ctx, chat, "❌ Erro ao aprender a resposta.")
			return
		}
		p.reply(ctx, chat, fmt.Sprintf("✅ Aprendido com o ID *%s*.", lr.ID))

	case "!corrigir", "!editar":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			p.reply(ctx, chat, "Uso: *!corrigir <id> nova resposta*")
			return
		}
		if err := p.learning.UpdateAnswer(parts[0], strings.TrimSpace(parts[1])); err != nil {
			p.reply(ctx, chat, fmt.Sprintf("❌ Não encontrei a resposta *%s*.", parts[0]))
			return
		}
		p.reply(ctx, chat, "✅ Resposta corrigida.")

	case "!apagar":
		if rest == "" {
			p.reply(ctx, chat, "Uso: *!apagar <id>*")
			return
		}
		if err := p.learning.Delete(rest); err != nil {
			p.reply(ctx, chat, fmt.Sprintf("❌ Não encontrei a resposta *%s*.", rest))
			return
		}
		p.reply(ctx, chat, "🗑️ Resposta apagada.")

	default:
		p.reply(ctx, chat, "Comando desconhecido. Envie *!ajuda* para ver os comandos.")
	}
}

const memoryHelp = `🤖 *Comandos disponíveis*
*!pendentes* — perguntas aguardando resposta
*!listar* — respostas aprendidas
*!ver <id>* — detalhe de uma resposta
*!aprender pergunta | resposta* — ensinar manualmente
*!corrigir <id> nova resposta* — corrigir uma resposta
*!apagar <id>* — apagar uma resposta
*#<id> resposta* — responder uma pergunta pendente`

func (p *Pipeline) listPending(ctx context.Context, chat string) {
	list, err := p.learning.PendingList()
	if err != nil {
		p.logger.Error("pending list failed", "error", err)
		p.reply(ctx, chat, "❌ Erro ao listar as pendências.")
		return
	}
	if len(list) == 0 {
		p.reply(ctx, chat, "✅ Nenhuma pergunta pendente.")
		return
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 *%d pergunta(s) pendente(s)*\n", len(list)))
	for _, pq := range list {
		name := pq.ClientName
		if name == "" {
			name = transport.PhoneFromJID(pq.ClientJID)
		}
		sb.WriteString(fmt.Sprintf("\n🆔 *%s* — %s\n❓ %s\n", pq.ID, name, pq.Question))
	}
	p.reply(ctx, chat, strings.TrimSpace(sb.String()))
}

func (p *Pipeline) listLearned(ctx context.Context, chat string) {
	list, err := p.learning.List()
	if err != nil {
		p.logger.Error("learned list failed", "error", err)
		p.reply(ctx, chat, "❌ Erro ao listar as respostas.")
		return
	}
	if len(list) == 0 {
		p.reply(ctx, chat, "A memória ainda está vazia. Use *!aprender* ou responda perguntas pendentes.")
		return
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🧠 *%d resposta(s) aprendida(s)*\n", len(list)))
	for _, lr := range list {
		sb.WriteString(fmt.Sprintf("\n🆔 *%s* — %s", lr.ID, lr.Question))
	}
	p.reply(ctx, chat, sb.String())
}

func (p *Pipeline) showLearned(ctx context.Context, chat, id string) {
	lr, err := p.learning.Get(id)
	if err != nil {
		p.reply(ctx, chat, fmt.Sprintf("❌ Não encontrei a resposta *%s*.", id))
		return
	}
	p.reply(ctx, chat, fmt.Sprintf("🆔 *%s*\n❓ %s\n💬 %s\n🏷️ origem: %s", lr.ID, lr.Question, lr.Answer, lr.Source))
}

var _ Completer = (*gemini.Client)(nil)
