// Package users identifies customers by phone number and walks new contacts
// through a short name-confirmation exchange.
package users

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/silfer/silferbot/internal/storage"
)

// identificationTTL bounds how long the bot waits for a new contact to reply
// with their name before the exchange is abandoned.
const identificationTTL = 5 * time.Minute

// Registry keeps known customers in the store and the short-lived
// identification state in memory. Losing the in-memory state on restart only
// means a contact is asked their name again.
type Registry struct {
	store  *storage.Store
	logger *slog.Logger

	mu       sync.Mutex
	awaiting map[string]time.Time
}

func NewRegistry(store *storage.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		logger:   logger.With("component", "users"),
		awaiting: make(map[string]time.Time),
	}
}

// Lookup returns the known customer for phone, if any.
func (r *Registry) Lookup(phone string) (storage.User, bool) {
	u, err := r.store.GetUser(phone)
	if err != nil {
		return storage.User{}, false
	}
	return u, true
}

// BeginIdentification records that the bot just asked phone for their name.
func (r *Registry) BeginIdentification(phone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awaiting[phone] = time.Now().Add(identificationTTL)
}

// AwaitingName reports whether phone was recently asked for their name.
func (r *Registry) AwaitingName(phone string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, ok := r.awaiting[phone]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(r.awaiting, phone)
		return false
	}
	return true
}

// ConfirmName saves the customer under the name they gave and closes the
// identification exchange.
func (r *Registry) ConfirmName(phone, name, whatsappName string) (storage.User, error) {
	name = cleanName(name)
	if name == "" {
		return storage.User{}, fmt.Errorf("empty name for %s", phone)
	}
	u := storage.User{
		Phone:        phone,
		Name:         name,
		WhatsAppName: whatsappName,
	}
	if err := r.store.SaveUser(u); err != nil {
		return storage.User{}, fmt.Errorf("saving user %s: %w", phone, err)
	}

	r.mu.Lock()
	delete(r.awaiting, phone)
	r.mu.Unlock()

	r.logger.Info("customer identified", "phone", phone, "name", name)
	return u, nil
}

// Touch refreshes the customer's last-interaction time.
func (r *Registry) Touch(phone string) {
	if err := r.store.TouchUser(phone); err != nil {
		r.logger.Warn("could not touch user", "phone", phone, "error", err)
	}
}

// NameChanged reports whether the push name on an incoming message differs
// from the WhatsApp name stored for the customer. A changed push name is a
// cue to re-confirm who is using the number.
func (r *Registry) NameChanged(u storage.User, pushName string) bool {
	if pushName == "" || u.WhatsAppName == "" {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(pushName), strings.TrimSpace(u.WhatsAppName))
}

// PruneInactive removes customers silent for longer than maxAge.
func (r *Registry) PruneInactive(maxAge time.Duration) (int, error) {
	n, err := r.store.DeleteInactiveUsers(time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("pruning inactive users: %w", err)
	}
	if n > 0 {
		r.logger.Info("pruned inactive users", "count", n)
	}
	return n, nil
}

// Greeting returns the salutation for the given hour, Brazilian style.
func Greeting(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "Bom dia"
	case hour >= 12 && hour < 18:
		return "Boa tarde"
	default:
		return "Boa noite"
	}
}

// cleanName trims decoration people type around their own name.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	for _, prefix := range []string{"meu nome é ", "meu nome e ", "me chamo ", "sou o ", "sou a ", "sou "} {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, prefix) {
			name = strings.TrimSpace(name[len(prefix):])
		}
	}
	if len(name) > 60 {
		name = strings.TrimSpace(name[:60])
	}
	return name
}
