// Package transport bridges the bot to a WhatsApp gateway. Incoming events
// arrive on a webhook; outgoing texts go through the gateway's HTTP API.
package transport

import (
	"regexp"
	"strings"
	"time"
)

const (
	userJIDSuffix  = "@s.whatsapp.net"
	groupJIDSuffix = "@g.us"
)

// Message is one WhatsApp event as delivered by the gateway.
type Message struct {
	ID         string    `json:"id"`
	ChatJID    string    `json:"chatJid"`
	SenderJID  string    `json:"senderJid"`
	PushName   string    `json:"pushName"`
	Text       string    `json:"text"`
	FromMe     bool      `json:"fromMe"`
	QuotedText string    `json:"quotedText,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsGroup reports whether the message came from a group chat.
func (m Message) IsGroup() bool {
	return strings.HasSuffix(m.ChatJID, groupJIDSuffix)
}

// PhoneFromJID extracts the bare phone number from a user JID.
// "5531999990000@s.whatsapp.net" becomes "5531999990000".
func PhoneFromJID(jid string) string {
	phone := strings.TrimSuffix(jid, userJIDSuffix)
	if i := strings.IndexByte(phone, ':'); i >= 0 {
		phone = phone[:i]
	}
	return phone
}

// UserJID builds a user JID from a bare phone number.
func UserJID(phone string) string {
	return phone + userJIDSuffix
}

var ledgerIDPattern = regexp.MustCompile(`ID:\**\s*([0-9a-z]{8})\b`)

// ExtractLedgerID finds the pending-question id embedded in a forwarded
// admin notification, so a quoted reply can be tied back to its entry.
func ExtractLedgerID(text string) (string, bool) {
	m := ledgerIDPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
