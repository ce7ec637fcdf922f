// Package knowledge holds the school's reference material: course info,
// schedules and policies the bot can quote when composing answers. The base
// lives as a JSON file inside the shared data directory, so it replicates to
// every device along with the cluster record.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

type Document struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Source  string    `json:"source"` // file path or URL it was imported from
	Content string    `json:"content"`
	AddedAt time.Time `json:"addedAt"`
}

// Base is the on-disk collection of documents. All methods are safe for
// concurrent use.
type Base struct {
	mu   sync.Mutex
	path string
	docs []Document
}

// OpenBase loads the knowledge base at path, starting empty when the file
// does not exist yet.
func OpenBase(path string) (*Base, error) {
	b := &Base{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading knowledge base: %w", err)
	}
	if err := json.Unmarshal(data, &b.docs); err != nil {
		return nil, fmt.Errorf("decoding knowledge base: %w", err)
	}
	return b, nil
}

// Add stores a document, replacing any earlier import from the same source.
func (b *Base) Add(doc Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.docs[:0]
	for _, d := range b.docs {
		if doc.Source == "" || d.Source != doc.Source {
			kept = append(kept, d)
		}
	}
	b.docs = append(kept, doc)
	return b.save()
}

func (b *Base) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.docs[:0]
	found := false
	for _, d := range b.docs {
		if d.ID == id {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	b.docs = kept
	if !found {
		return fmt.Errorf("document %s not found", id)
	}
	return b.save()
}

func (b *Base) Documents() []Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Document, len(b.docs))
	copy(out, b.docs)
	return out
}

// Search returns documents whose title or content contains the query,
// case-insensitively.
func (b *Base) Search(query string) []Document {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Document
	for _, d := range b.docs {
		if strings.Contains(strings.ToLower(d.Title), query) ||
			strings.Contains(strings.ToLower(d.Content), query) {
			out = append(out, d)
		}
	}
	return out
}

// Summary renders the base as prompt context, truncated to maxLen runes so
// a large import cannot blow up the model prompt.
func (b *Base) Summary(maxLen int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	for _, d := range b.docs {
		sb.WriteString("## ")
		sb.WriteString(d.Title)
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(d.Content))
		sb.WriteString("\n\n")
	}
	out := strings.TrimSpace(sb.String())
	if maxLen > 0 {
		if runes := []rune(out); len(runes) > maxLen {
			return string(runes[:maxLen])
		}
	}
	return out
}

// save must be called with the mutex held.
func (b *Base) save() error {
	data, err := json.MarshalIndent(b.docs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		return fmt.Errorf("writing knowledge base: %w", err)
	}
	return nil
}
