package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/silfer/silferbot/internal/storage"
)

// JobTypeImport is the queue type for knowledge import jobs.
const JobTypeImport = "knowledge_import"

// ImportPayload is the JSON body of a knowledge_import job. Source is a
// local PDF path or an http(s) URL.
type ImportPayload struct {
	Source string `json:"source"`
	Title  string `json:"title,omitempty"`
}

// JobStore abstracts the queue operations the worker needs.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Worker processes knowledge_import jobs: it extracts text from the source
// and files it as a document in the base.
type Worker struct {
	store  JobStore
	base   *Base
	http   *http.Client
	poll   time.Duration
	logger *slog.Logger
}

func NewWorker(store JobStore, base *Base, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:  store,
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		poll:   pollInterval,
		logger: logger.With("component", "knowledge"),
	}
}

// Enqueue files an import job for source.
func (w *Worker) Enqueue(source, title string) (string, error) {
	payload, err := json.Marshal(ImportPayload{Source: source, Title: title})
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := w.store.EnqueueJob(storage.Job{
		ID:          id,
		Type:        JobTypeImport,
		PayloadJSON: string(payload),
	}); err != nil {
		return "", fmt.Errorf("enqueueing import: %w", err)
	}
	return id, nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("import iteration failed", "error", err)
		}
		if done {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single import job. It reports whether a job
// was processed, regardless of success.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeImport})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("import failed", "job", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, failErr)
		}
		return true, nil
	}
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var payload ImportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	if payload.Source == "" {
		return fmt.Errorf("empty source")
	}

	var content, title string
	var err error
	switch {
	case strings.HasPrefix(payload.Source, "http://"), strings.HasPrefix(payload.Source, "https://"):
		content, title, err = w.fetchHTML(ctx, payload.Source)
	case strings.EqualFold(filepath.Ext(payload.Source), ".pdf"):
		content, err = extractPDF(payload.Source)
		title = strings.TrimSuffix(filepath.Base(payload.Source), filepath.Ext(payload.Source))
	default:
		return fmt.Errorf("unsupported source %q", payload.Source)
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("no text extracted from %s", payload.Source)
	}
	if payload.Title != "" {
		title = payload.Title
	}

	doc := Document{
		ID:      uuid.NewString(),
		Title:   title,
		Source:  payload.Source,
		Content: strings.TrimSpace(content),
		AddedAt: time.Now().UTC(),
	}
	if err := w.base.Add(doc); err != nil {
		return fmt.Errorf("storing document: %w", err)
	}
	w.logger.Info("document imported", "title", title, "source", payload.Source, "chars", len(doc.Content))
	return nil
}

// extractPDF pulls the plain text out of a local PDF file.
func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(data), nil
}

// fetchHTML downloads a page and returns its visible text and title.
func (w *Worker) fetchHTML(ctx context.Context, url string) (content, title string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", "", fmt.Errorf("parsing %s: %w", url, err)
	}
	return extractText(doc), extractTitle(doc), nil
}

// extractText walks the DOM collecting visible text, skipping script and
// style subtrees.
func extractText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style" || node.Data == "noscript") {
			return
		}
		if node.Type == html.TextNode {
			if text := strings.TrimSpace(node.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func extractTitle(n *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if title != "" {
			return
		}
		if node.Type == html.ElementNode && node.Data == "title" && node.FirstChild != nil {
			title = strings.TrimSpace(node.FirstChild.Data)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return title
}
