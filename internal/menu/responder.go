package menu

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/silfer/silferbot/internal/learning"
)

// Kind classifies what the responder answered with, so the caller can attach
// side effects (lead notifications, follow-up timers).
type Kind int

const (
	KindWelcome Kind = iota
	KindMenu
	KindOption
	KindTurmas      // class overview, customer entered the submenu
	KindTurmaDetail // a specific class was picked
	KindLead        // customer asked for a human attendant
)

// Reply is a scripted answer ready to send. Text may contain a {nome}
// placeholder for the customer's first name.
type Reply struct {
	Text string
	Kind Kind
}

var menuTriggers = []string{"menu", "opcoes", "inicio", "voltar"}

var greetings = []string{
	"oi", "ola", "opa", "eai", "e ai", "eae", "oii", "oie",
	"bom dia", "boa tarde", "boa noite",
	"hello", "hi", "hey", "salve", "fala", "iae",
	"tudo bem", "td bem", "tudo bom",
}

var closingPhrases = []string{
	"ta bom", "tabom", "ta bem", "ta certo", "ok", "okay", "okk",
	"certo", "certinho", "ctz", "beleza", "blz", "entendi", "entendido",
	"obrigado", "obrigada", "obg", "brigado", "brigada", "vlw", "valeu",
	"agradeco", "grato", "grata", "show", "perfeito", "otimo", "maravilha",
	"massa", "top", "legal", "firmeza", "suave", "tranquilo", "de boa",
	"tmj", "tamo junto", "pode crer", "fechou", "feito", "combinado",
	"ate mais", "ate logo", "tchau", "xau", "flw", "fui",
	"boa", "pode ser", "sim", "isso", "isso mesmo", "exato",
}

var closingResponses = []string{
	"😊 Que bom! Qualquer dúvida, estamos à disposição!\n\n_Digite *MENU* para ver as opções._",
	"✨ Perfeito! Se precisar de algo, é só chamar!\n\n_Digite *MENU* para ver as opções._",
	"👍 Combinado! Estamos aqui se precisar.\n\n_Digite *MENU* para ver as opções._",
}

// specificQuestionWords mark a message as a real question even when it also
// carries an option keyword; those go to the learned answers or the staff.
var specificQuestionWords = []string{
	"posso", "quando", "como faco", "sera que", "e possivel",
	"tem como", "da para", "da pra",
}

const stateSelectingTurma = "selecting_turma"

// Responder matches scripted screens and tracks which customers are inside
// the class submenu.
type Responder struct {
	catalog Catalog

	mu     sync.Mutex
	states map[string]string
}

func NewResponder(catalog Catalog) *Responder {
	return &Responder{
		catalog: catalog,
		states:  make(map[string]string),
	}
}

// Respond returns the scripted reply for text, if any. The phone keys the
// submenu state.
func (r *Responder) Respond(phone, text string) (Reply, bool) {
	norm := learning.Normalize(text)
	trimmed := strings.TrimSpace(text)

	// MENU resets whatever screen the customer was on.
	if isMenuRequest(norm) {
		r.clearState(phone)
		return Reply{Text: r.catalog.Menu, Kind: KindMenu}, true
	}

	if isGreeting(norm) {
		r.clearState(phone)
		return Reply{Text: r.catalog.Welcome, Kind: KindWelcome}, true
	}

	// Inside the class submenu the bare numbers pick a class.
	if r.state(phone) == stateSelectingTurma {
		if trimmed == "1" {
			r.clearState(phone)
			return Reply{Text: r.catalog.TurmaSemanal, Kind: KindTurmaDetail}, true
		}
		if trimmed == "2" {
			r.clearState(phone)
			return Reply{Text: r.catalog.TurmaSabado, Kind: KindTurmaDetail}, true
		}
	}

	if key, ok := r.matchOption(trimmed, norm); ok {
		switch key {
		case OptionTurmas:
			r.setState(phone, stateSelectingTurma)
			return Reply{Text: r.catalog.Turmas, Kind: KindTurmas}, true
		case OptionAtendimento:
			r.clearState(phone)
			return Reply{Text: r.catalog.Atendimento, Kind: KindLead}, true
		default:
			r.clearState(phone)
			return Reply{Text: r.catalog.optionText(key), Kind: KindOption}, true
		}
	}

	if detail, ok := matchTurmaKeywords(norm, r.catalog); ok {
		r.clearState(phone)
		return Reply{Text: detail, Kind: KindTurmaDetail}, true
	}

	return Reply{}, false
}

var motivationalPhrases = []string{
	"💪 *Lembre-se:* A farda é o primeiro passo para mudar sua história!",
	"🎯 *Foco no objetivo!* Sua aprovação está mais perto do que você imagina.",
	"💰 *Estabilidade financeira* e uma carreira respeitada te esperam. Não desista!",
	"👮 *Ser PM* é mais que uma profissão, é uma missão. Você consegue!",
	"📈 *Chega de sofrer com contas!* A carreira militar te dá segurança.",
	"🔥 *A dor do treino é temporária, a glória é para sempre!*",
	"🌟 *Acredite:* Milhares já conseguiram e você será o próximo!",
	"💼 *Estabilidade, respeito e uma carreira sólida.* Isso te espera!",
	"🏆 *Não deixe o medo te parar.* A farda será sua conquista!",
	"⭐ *Sua família merece ver você de farda!* Dê esse orgulho a eles.",
}

// FollowUpMessage builds the "still there?" nudge sent when a customer goes
// silent after a scripted screen. The options shown depend on which screen
// they stopped at.
func (r *Responder) FollowUpMessage(name string, kind Kind) string {
	options := r.catalog.Menu
	if kind == KindTurmas || kind == KindTurmaDetail {
		options = r.catalog.Turmas
	}

	greeting := "👋 *Oi! Ainda está por aí?*"
	if name != "" {
		greeting = fmt.Sprintf("👋 *Oi, %s! Ainda está por aí?*", name)
	}
	phrase := motivationalPhrases[rand.IntN(len(motivationalPhrases))]

	return fmt.Sprintf("%s\n\nNotei que você não respondeu. Posso ajudar em algo?\n\n%s\n\n_Ou digite sua dúvida!_\n\n> %s",
		greeting, options, phrase)
}

// ClosingReply answers simple acknowledgements ("ok", "obrigado", "valeu").
// Checked after the learned responses so a real question is never swallowed
// by a polite opener.
func (r *Responder) ClosingReply(text string) (string, bool) {
	if isClosing(learning.Normalize(text)) {
		return closingResponses[rand.IntN(len(closingResponses))], true
	}
	return "", false
}

// matchOption resolves a main-menu option by number, or by trigger keyword
// when the message is not a specific question.
func (r *Responder) matchOption(trimmed, norm string) (string, bool) {
	switch trimmed {
	case "1":
		return OptionTurmas, true
	case "2":
		return OptionLocalizacao, true
	case "3":
		return OptionInvestimento, true
	case "4":
		return OptionAtendimento, true
	}

	if isSpecificQuestion(trimmed, norm) {
		return "", false
	}
	for key, triggers := range r.catalog.Triggers {
		for _, trigger := range triggers {
			if strings.Contains(norm, learning.Normalize(trigger)) {
				return key, true
			}
		}
	}
	return "", false
}

func matchTurmaKeywords(norm string, cat Catalog) (string, bool) {
	for _, kw := range []string{"semanal", "noturno", "noite"} {
		if strings.Contains(norm, kw) {
			return cat.TurmaSemanal, true
		}
	}
	for _, kw := range []string{"sabado", "sabados", "fim de semana"} {
		if strings.Contains(norm, kw) {
			return cat.TurmaSabado, true
		}
	}
	return "", false
}

func isMenuRequest(norm string) bool {
	for _, t := range menuTriggers {
		if norm == t || strings.Contains(norm, t) {
			return true
		}
	}
	return false
}

func isGreeting(norm string) bool {
	for _, g := range greetings {
		if norm == g || strings.HasPrefix(norm, g+" ") {
			return true
		}
	}
	return false
}

func isClosing(norm string) bool {
	for _, c := range closingPhrases {
		if norm == c {
			return true
		}
	}
	return false
}

func isSpecificQuestion(trimmed, norm string) bool {
	if strings.Contains(trimmed, "?") && len(trimmed) > 20 {
		return true
	}
	for _, w := range specificQuestionWords {
		if strings.Contains(norm, w) {
			return true
		}
	}
	return false
}

func (r *Responder) state(phone string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[phone]
}

func (r *Responder) setState(phone, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[phone] = state
}

func (r *Responder) clearState(phone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, phone)
}
