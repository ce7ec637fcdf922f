package menu

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newResponder() *Responder {
	return NewResponder(defaultCatalog())
}

func TestLoadCatalogMissingFileUsesDefaults(t *testing.T) {
	cat, err := LoadCatalog(filepath.Join(t.TempDir(), "respostas.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cat.Menu == "" || cat.Welcome == "" {
		t.Error("expected default texts for a missing catalog file")
	}
	if len(cat.Triggers[OptionTurmas]) == 0 {
		t.Error("expected default triggers")
	}
}

func TestLoadCatalogOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "respostas.json")
	data, _ := json.Marshal(map[string]any{
		"menu": "menu custom",
	})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cat.Menu != "menu custom" {
		t.Errorf("menu = %q, want the file's text", cat.Menu)
	}
	if cat.Welcome == "" {
		t.Error("fields absent from the file should keep their defaults")
	}
}

func TestLoadCatalogCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "respostas.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatal("expected error for corrupt catalog")
	}
}

func TestGreetingShowsWelcome(t *testing.T) {
	r := newResponder()
	for _, msg := range []string{"Oi", "olá", "Bom dia!", "eai, tudo bem"} {
		reply, ok := r.Respond("5511999990001", msg)
		if !ok {
			t.Errorf("%q: expected a scripted reply", msg)
			continue
		}
		if reply.Kind != KindWelcome {
			t.Errorf("%q: kind = %d, want KindWelcome", msg, reply.Kind)
		}
	}
}

func TestMenuRequestResetsSubmenu(t *testing.T) {
	r := newResponder()
	phone := "5511999990001"

	if reply, ok := r.Respond(phone, "1"); !ok || reply.Kind != KindTurmas {
		t.Fatalf("expected class overview for option 1, got %+v ok=%v", reply, ok)
	}
	if reply, ok := r.Respond(phone, "menu"); !ok || reply.Kind != KindMenu {
		t.Fatalf("expected menu, got %+v ok=%v", reply, ok)
	}
	// After MENU the submenu state is gone: "1" is the main-menu option again.
	if reply, ok := r.Respond(phone, "1"); !ok || reply.Kind != KindTurmas {
		t.Fatalf("expected class overview again, got %+v ok=%v", reply, ok)
	}
}

func TestTurmaSubmenuNumbers(t *testing.T) {
	r := newResponder()
	phone := "5511999990001"

	if _, ok := r.Respond(phone, "1"); !ok {
		t.Fatal("expected class overview")
	}
	reply, ok := r.Respond(phone, "2")
	if !ok || reply.Kind != KindTurmaDetail {
		t.Fatalf("expected class detail, got %+v ok=%v", reply, ok)
	}
	if !strings.Contains(reply.Text, "SÁBADOS") {
		t.Errorf("expected Saturday class text, got %q", reply.Text)
	}

	// Outside the submenu "2" means the location option.
	reply, ok = r.Respond(phone, "2")
	if !ok || reply.Kind != KindOption {
		t.Fatalf("expected location option, got %+v ok=%v", reply, ok)
	}
}

func TestSubmenuStateIsPerCustomer(t *testing.T) {
	r := newResponder()

	if _, ok := r.Respond("5511999990001", "1"); !ok {
		t.Fatal("expected class overview")
	}
	// A different customer typing "2" gets the main-menu option, not a class.
	reply, ok := r.Respond("5511999990002", "2")
	if !ok || reply.Kind != KindOption {
		t.Fatalf("expected location option for the other customer, got %+v ok=%v", reply, ok)
	}
}

func TestKeywordTriggersSelectOptions(t *testing.T) {
	r := newResponder()

	reply, ok := r.Respond("5511999990001", "qual a mensalidade")
	if !ok || reply.Kind != KindOption {
		t.Fatalf("expected pricing option, got %+v ok=%v", reply, ok)
	}
	if !strings.Contains(reply.Text, "INVESTIMENTO") {
		t.Errorf("expected pricing text, got %q", reply.Text)
	}
}

func TestAttendantRequestIsLead(t *testing.T) {
	r := newResponder()

	reply, ok := r.Respond("5511999990001", "quero falar com um atendente")
	if !ok || reply.Kind != KindLead {
		t.Fatalf("expected lead, got %+v ok=%v", reply, ok)
	}
}

func TestTurmaKeywordsOutsideSubmenu(t *testing.T) {
	r := newResponder()

	reply, ok := r.Respond("5511999990001", "tem turma aos sabados")
	if !ok {
		t.Fatal("expected a scripted reply")
	}
	if reply.Kind != KindTurmas && reply.Kind != KindTurmaDetail {
		t.Fatalf("kind = %d, want a class reply", reply.Kind)
	}
}

func TestSpecificQuestionsFallThrough(t *testing.T) {
	r := newResponder()
	questions := []string{
		"posso pagar a mensalidade com atraso?",
		"quando abrem as matrículas para a turma nova?",
	}
	for _, q := range questions {
		if reply, ok := r.Respond("5511999990001", q); ok {
			t.Errorf("%q: expected fall-through, got %+v", q, reply)
		}
	}
}

func TestUnrelatedMessageFallsThrough(t *testing.T) {
	r := newResponder()
	if reply, ok := r.Respond("5511999990001", "vi o anúncio de vocês ontem"); ok {
		t.Errorf("expected fall-through, got %+v", reply)
	}
}

func TestClosingReply(t *testing.T) {
	r := newResponder()

	reply, ok := r.ClosingReply("Obrigado!")
	if !ok {
		t.Fatal("expected a closing reply")
	}
	if !strings.Contains(reply, "MENU") {
		t.Errorf("closing reply should point back to the menu, got %q", reply)
	}

	if _, ok := r.ClosingReply("qual o valor da mensalidade?"); ok {
		t.Error("a real question must not read as a closing message")
	}
}
