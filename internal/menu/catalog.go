// Package menu serves the scripted side of the conversation: the welcome
// message, the numbered main menu, the class submenu and the closing phrases.
// Everything else goes to the learned responses or the model.
package menu

import (
	"encoding/json"
	"fmt"
	"os"
)

// Option keys of the main menu.
const (
	OptionTurmas       = "turmas"
	OptionLocalizacao  = "localizacao"
	OptionInvestimento = "investimento"
	OptionAtendimento  = "atendimento"
)

// Hint is the fixed trailer that points a customer back to the menu. Every
// bot reply that ends a thought carries it.
const Hint = "_Digite *MENU* para ver as opções._"

// Catalog holds the scripted texts. It lives as a JSON file in the shared
// replicated directory so every device serves the same screens; missing
// fields fall back to the built-in defaults.
type Catalog struct {
	Welcome      string `json:"boas_vindas"`
	Menu         string `json:"menu"`
	Turmas       string `json:"turmas"`
	TurmaSemanal string `json:"turma_semanal"`
	TurmaSabado  string `json:"turma_sabado"`
	Localizacao  string `json:"localizacao"`
	Investimento string `json:"investimento"`
	Atendimento  string `json:"atendimento"`

	// Triggers maps an option key to extra keywords that select it, on top
	// of the option number.
	Triggers map[string][]string `json:"gatilhos"`
}

func defaultCatalog() Catalog {
	return Catalog{
		Welcome: "*Olá, {nome}! Bem-vindo(a) à SILFER CONCURSOS!* 📚\n\n" +
			"Somos especializados na preparação para o concurso da *PMERJ 2026*.\n\n" +
			"Digite *MENU* para ver as opções.",
		Menu: "*MENU PRINCIPAL* 📋\n\n" +
			"*1* - Turmas e horários\n" +
			"*2* - Localização\n" +
			"*3* - Investimento\n" +
			"*4* - Falar com um atendente\n\n" +
			"_Digite o número da opção desejada._",
		Turmas: "*NOSSAS TURMAS* 🎓\n\n" +
			"*1* - Turma semanal (segunda a sexta, à noite)\n" +
			"*2* - Turma de sábados\n\n" +
			"_Digite o número da turma para mais detalhes._",
		TurmaSemanal: "*TURMA SEMANAL* 🌙\n\n" +
			"Aulas de segunda a sexta, das 19h às 22h.\n\n" +
			"_Digite *MENU* para ver as opções._",
		TurmaSabado: "*TURMA DE SÁBADOS* ☀️\n\n" +
			"Aulas aos sábados, das 8h às 17h.\n\n" +
			"_Digite *MENU* para ver as opções._",
		Localizacao: "*LOCALIZAÇÃO* 📍\n\n" +
			"Estamos em Nova Iguaçu/RJ.\n\n" +
			"_Digite *MENU* para ver as opções._",
		Investimento: "*INVESTIMENTO* 💰\n\n" +
			"Fale com a nossa equipe para conhecer os planos e condições.\n\n" +
			"_Digite *MENU* para ver as opções._",
		Atendimento: "*ATENDIMENTO* 🙋\n\n" +
			"Já avisei a equipe, em instantes alguém fala com você!",
		Triggers: map[string][]string{
			OptionTurmas:       {"turma", "turmas", "horario", "horarios", "aula", "aulas", "curso", "cursos"},
			OptionLocalizacao:  {"endereco", "localizacao", "onde fica", "local", "mapa"},
			OptionInvestimento: {"investimento", "valor", "valores", "preco", "precos", "mensalidade", "pagamento"},
			OptionAtendimento:  {"atendente", "atendimento", "humano", "pessoa", "falar com alguem"},
		},
	}
}

// LoadCatalog reads the catalog file, overlaying it on the defaults. A
// missing file yields the defaults; a corrupt file is an error so a bad edit
// never silently wipes the menu.
func LoadCatalog(path string) (Catalog, error) {
	cat := defaultCatalog()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cat, nil
	}
	if err != nil {
		return Catalog{}, fmt.Errorf("reading menu catalog: %w", err)
	}
	if err := json.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parsing menu catalog %s: %w", path, err)
	}
	if cat.Triggers == nil {
		cat.Triggers = defaultCatalog().Triggers
	}
	return cat, nil
}

func (c Catalog) optionText(key string) string {
	switch key {
	case OptionTurmas:
		return c.Turmas
	case OptionLocalizacao:
		return c.Localizacao
	case OptionInvestimento:
		return c.Investimento
	case OptionAtendimento:
		return c.Atendimento
	}
	return ""
}
