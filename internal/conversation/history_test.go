package conversation

import (
	"strings"
	"testing"
)

func TestHistoryKeepsLastFive(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 8; i++ {
		h.Add("chat-a", RoleClient, string(rune('a'+i)))
	}
	got := h.Recent("chat-a")
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].Text != "d" || got[4].Text != "h" {
		t.Fatalf("wrong window: %q..%q", got[0].Text, got[4].Text)
	}
}

func TestHistoryIsolatesChats(t *testing.T) {
	h := NewHistory()
	h.Add("chat-a", RoleClient, "oi")
	h.Add("chat-b", RoleClient, "bom dia")
	if len(h.Recent("chat-a")) != 1 || len(h.Recent("chat-b")) != 1 {
		t.Fatal("chats should not share history")
	}
	h.Clear("chat-a")
	if len(h.Recent("chat-a")) != 0 {
		t.Fatal("clear should empty the chat")
	}
	if len(h.Recent("chat-b")) != 1 {
		t.Fatal("clear must not touch other chats")
	}
}

func TestTranscript(t *testing.T) {
	h := NewHistory()
	if h.Transcript("chat-a") != "" {
		t.Fatal("empty chat should render empty transcript")
	}
	h.Add("chat-a", RoleClient, "qual o horário?")
	h.Add("chat-a", RoleBot, "Seg a sex, 19h.")

	got := h.Transcript("chat-a")
	want := "Cliente: qual o horário?\nAtendente: Seg a sex, 19h."
	if got != want {
		t.Fatalf("transcript = %q, want %q", got, want)
	}
	if strings.HasSuffix(got, "\n") {
		t.Fatal("transcript should not end with a newline")
	}
}
