// Package learning keeps the two shared knowledge sets of the bot: the
// ledger of questions waiting for an admin, and the answers already learned.
package learning

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/silfer/silferbot/internal/storage"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns an 8-character lowercase alphanumeric id, short enough for
// an admin to type back in a `#id answer` reply.
func NewID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back
		// to something still unique enough for a ledger id.
		return fmt.Sprintf("%08x", time.Now().UnixNano())[:8]
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// Service owns all ledger and learned-response operations on top of the
// store. It is safe for concurrent use because the store serializes access.
type Service struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewService(store *storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger.With("component", "learning")}
}

// RegisterPending files a customer question under a fresh id and returns the
// entry. If the same client already has an open question with the same text,
// the existing entry is returned instead of a duplicate.
func (s *Service) RegisterPending(clientJID, clientName, question string) (storage.PendingQuestion, error) {
	existing, err := s.store.GetPendingByClient(clientJID)
	if err == nil && Normalize(existing.Question) == Normalize(question) {
		return existing, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.PendingQuestion{}, err
	}

	pq := storage.PendingQuestion{
		ID:         NewID(),
		ClientJID:  clientJID,
		ClientName: clientName,
		Question:   question,
		CreatedAt:  time.Now().UTC(),
		Status:     storage.StatusPending,
	}
	if err := s.store.SavePendingQuestion(pq); err != nil {
		return storage.PendingQuestion{}, fmt.Errorf("register pending question: %w", err)
	}
	s.logger.Info("pending question registered", "id", pq.ID, "client", clientJID)
	return pq, nil
}

// Pending returns the entry for id, or storage.ErrNotFound.
func (s *Service) Pending(id string) (storage.PendingQuestion, error) {
	return s.store.GetPendingQuestion(id)
}

// PendingList returns all open questions, oldest first.
func (s *Service) PendingList() ([]storage.PendingQuestion, error) {
	return s.store.ListPendingQuestions()
}

// ResolvePending marks the entry answered so it can never be delivered twice.
func (s *Service) ResolvePending(id string) error {
	return s.store.MarkPendingAnswered(id)
}

// Learn stores an answer for a question, merging keywords with any entry
// already learned for the same normalized text.
func (s *Service) Learn(question, answer, source string) (storage.LearnedResponse, error) {
	norm := Normalize(question)
	keywords := ExtractKeywords(question)

	id := NewID()
	if existing, err := s.store.GetLearnedByQuestion(norm); err == nil {
		keywords = unionKeywords(decodeKeywords(existing.Keywords), keywords)
		id = existing.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.LearnedResponse{}, err
	}

	lr := storage.LearnedResponse{
		ID:           id,
		Question:     question,
		QuestionNorm: norm,
		Answer:       answer,
		Keywords:     encodeKeywords(keywords),
		Source:       source,
		LearnedAt:    time.Now().UTC(),
	}
	if err := s.store.UpsertLearnedResponse(lr); err != nil {
		return storage.LearnedResponse{}, fmt.Errorf("learn response: %w", err)
	}
	s.logger.Info("response learned", "question", norm, "source", source, "keywords", len(keywords))
	return lr, nil
}

// Find looks for a learned answer matching question. The bool reports
// whether a confident match was found.
func (s *Service) Find(question string) (storage.LearnedResponse, bool, error) {
	all, err := s.store.ListLearnedResponses()
	if err != nil {
		return storage.LearnedResponse{}, false, err
	}
	if best := Match(question, all); best != nil {
		return *best, true, nil
	}
	return storage.LearnedResponse{}, false, nil
}

// List returns every learned response in stable learned-at order, so the
// positions an admin sees in a listing stay valid between commands.
func (s *Service) List() ([]storage.LearnedResponse, error) {
	return s.store.ListLearnedResponses()
}

// Get resolves a learned response by its id.
func (s *Service) Get(id string) (storage.LearnedResponse, error) {
	all, err := s.store.ListLearnedResponses()
	if err != nil {
		return storage.LearnedResponse{}, err
	}
	for _, lr := range all {
		if lr.ID == id {
			return lr, nil
		}
	}
	return storage.LearnedResponse{}, storage.ErrNotFound
}

func (s *Service) UpdateAnswer(id, answer string) error {
	return s.store.UpdateLearnedAnswer(id, answer)
}

func (s *Service) Delete(id string) error {
	return s.store.DeleteLearnedResponse(id)
}

// portugueseStopwords are common words skipped during keyword extraction.
// The set is matched against already-normalized (accent-free) text.
var portugueseStopwords = map[string]bool{
	"sobre": true, "como": true, "qual": true, "quais": true,
	"quando": true, "onde": true, "quem": true, "porque": true,
	"para": true, "pelo": true, "pela": true, "pelos": true, "pelas": true,
	"este": true, "esta": true, "estes": true, "estas": true,
	"esse": true, "essa": true, "isso": true, "isto": true,
	"aquele": true, "aquela": true, "aquilo": true,
	"entre": true, "antes": true, "depois": true,
	"muito": true, "muita": true, "pouco": true, "pouca": true,
	"tambem": true, "ainda": true, "agora": true, "sempre": true,
	"fazer": true, "tenho": true, "temos": true, "estou": true, "estao": true,
	"seria": true, "posso": true, "preciso": true, "gostaria": true,
	"saber": true, "favor": true, "obrigado": true, "obrigada": true,
	"vc": true, "vcs": true, "voce": true, "voces": true,
}

// ExtractKeywords pulls up to five significant terms from a question for
// keyword matching. Short words and stopwords are dropped.
func ExtractKeywords(question string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.Fields(Normalize(question)) {
		if len(word) <= 4 || portugueseStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if len(keywords) == 5 {
			break
		}
	}
	return keywords
}

func unionKeywords(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

func encodeKeywords(keywords []string) string {
	if len(keywords) == 0 {
		return "[]"
	}
	data, err := json.Marshal(keywords)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeKeywords(raw string) []string {
	var keywords []string
	if err := json.Unmarshal([]byte(raw), &keywords); err != nil {
		return nil
	}
	return keywords
}
