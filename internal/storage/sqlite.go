package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for pending questions, learned
// responses, users, and background jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "silferbot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for packages that need direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Pending questions ---

func (s *Store) SavePendingQuestion(q PendingQuestion) error {
	status := q.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO pending_questions (id, client_jid, client_name, question, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		q.ID, q.ClientJID, q.ClientName, q.Question,
		q.CreatedAt.UTC().Format(time.RFC3339), status,
	)
	return err
}

func (s *Store) GetPendingQuestion(id string) (PendingQuestion, error) {
	var q PendingQuestion
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, client_jid, client_name, question, created_at, status
		FROM pending_questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.ClientJID, &q.ClientName, &q.Question, &createdAt, &q.Status)
	if err == sql.ErrNoRows {
		return PendingQuestion{}, ErrNotFound
	}
	if err != nil {
		return PendingQuestion{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return PendingQuestion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	q.CreatedAt = t
	return q, nil
}

// ListPendingQuestions returns all questions still waiting for an answer,
// oldest first.
func (s *Store) ListPendingQuestions() ([]PendingQuestion, error) {
	rows, err := s.db.Query(`
		SELECT id, client_jid, client_name, question, created_at, status
		FROM pending_questions WHERE status = ? ORDER BY created_at ASC`, StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingQuestion
	for rows.Next() {
		var q PendingQuestion
		var createdAt string
		if err := rows.Scan(&q.ID, &q.ClientJID, &q.ClientName, &q.Question, &createdAt, &q.Status); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		q.CreatedAt = t
		results = append(results, q)
	}
	return results, rows.Err()
}

// GetPendingByClient returns the oldest unanswered question from the given
// client, or ErrNotFound.
func (s *Store) GetPendingByClient(clientJID string) (PendingQuestion, error) {
	var q PendingQuestion
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, client_jid, client_name, question, created_at, status
		FROM pending_questions WHERE client_jid = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1`, clientJID, StatusPending,
	).Scan(&q.ID, &q.ClientJID, &q.ClientName, &q.Question, &createdAt, &q.Status)
	if err == sql.ErrNoRows {
		return PendingQuestion{}, ErrNotFound
	}
	if err != nil {
		return PendingQuestion{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return PendingQuestion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	q.CreatedAt = t
	return q, nil
}

// MarkPendingAnswered flips a question from pending to answered. The status
// check is part of the UPDATE so two racing resolvers cannot both succeed;
// the loser gets ErrNotFound.
func (s *Store) MarkPendingAnswered(id string) error {
	res, err := s.db.Exec(`UPDATE pending_questions SET status = ? WHERE id = ? AND status = ?`,
		StatusAnswered, id, StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Learned responses ---

// UpsertLearnedResponse inserts a learned response or, when a record with the
// same normalized question exists, replaces its answer, keywords and source.
// The caller is responsible for merging keyword sets before the write.
func (s *Store) UpsertLearnedResponse(r LearnedResponse) error {
	_, err := s.db.Exec(`
		INSERT INTO learned_responses (id, question, question_norm, answer, keywords, source, learned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(question_norm) DO UPDATE SET
			answer = excluded.answer,
			keywords = excluded.keywords,
			source = excluded.source,
			learned_at = excluded.learned_at`,
		r.ID, r.Question, r.QuestionNorm, r.Answer, r.Keywords, r.Source,
		r.LearnedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetLearnedByQuestion(questionNorm string) (LearnedResponse, error) {
	var r LearnedResponse
	var learnedAt string
	err := s.db.QueryRow(`
		SELECT id, question, question_norm, answer, keywords, source, learned_at
		FROM learned_responses WHERE question_norm = ?`, questionNorm,
	).Scan(&r.ID, &r.Question, &r.QuestionNorm, &r.Answer, &r.Keywords, &r.Source, &learnedAt)
	if err == sql.ErrNoRows {
		return LearnedResponse{}, ErrNotFound
	}
	if err != nil {
		return LearnedResponse{}, err
	}
	t, err := time.Parse(time.RFC3339, learnedAt)
	if err != nil {
		return LearnedResponse{}, fmt.Errorf("parsing learned_at: %w", err)
	}
	r.LearnedAt = t
	return r, nil
}

// ListLearnedResponses returns learned responses ordered by learn time,
// oldest first, so list positions stay stable for the admin memory commands.
func (s *Store) ListLearnedResponses() ([]LearnedResponse, error) {
	rows, err := s.db.Query(`
		SELECT id, question, question_norm, answer, keywords, source, learned_at
		FROM learned_responses ORDER BY learned_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LearnedResponse
	for rows.Next() {
		var r LearnedResponse
		var learnedAt string
		if err := rows.Scan(&r.ID, &r.Question, &r.QuestionNorm, &r.Answer, &r.Keywords, &r.Source, &learnedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, learnedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing learned_at: %w", err)
		}
		r.LearnedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) UpdateLearnedAnswer(id, answer string) error {
	res, err := s.db.Exec(`UPDATE learned_responses SET answer = ?, learned_at = ? WHERE id = ?`,
		answer, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteLearnedResponse(id string) error {
	res, err := s.db.Exec(`DELETE FROM learned_responses WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Users ---

func (s *Store) SaveUser(u User) error {
	confirmedAt := u.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = time.Now().UTC()
	}
	lastInteraction := u.LastInteraction
	if lastInteraction.IsZero() {
		lastInteraction = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO users (phone, name, whatsapp_name, confirmed_at, last_interaction)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			name = excluded.name,
			whatsapp_name = excluded.whatsapp_name,
			last_interaction = excluded.last_interaction`,
		u.Phone, u.Name, u.WhatsAppName,
		confirmedAt.UTC().Format(time.RFC3339),
		lastInteraction.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetUser(phone string) (User, error) {
	var u User
	var whatsappName sql.NullString
	var confirmedAt, lastInteraction string
	err := s.db.QueryRow(`
		SELECT phone, name, whatsapp_name, confirmed_at, last_interaction
		FROM users WHERE phone = ?`, phone,
	).Scan(&u.Phone, &u.Name, &whatsappName, &confirmedAt, &lastInteraction)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.WhatsAppName = whatsappName.String
	if u.ConfirmedAt, err = time.Parse(time.RFC3339, confirmedAt); err != nil {
		return User{}, fmt.Errorf("parsing confirmed_at: %w", err)
	}
	if u.LastInteraction, err = time.Parse(time.RFC3339, lastInteraction); err != nil {
		return User{}, fmt.Errorf("parsing last_interaction: %w", err)
	}
	return u, nil
}

// TouchUser updates the last interaction timestamp for a known user.
// Unknown phones are ignored.
func (s *Store) TouchUser(phone string) error {
	_, err := s.db.Exec(`UPDATE users SET last_interaction = ? WHERE phone = ?`,
		time.Now().UTC().Format(time.RFC3339), phone)
	return err
}

// DeleteInactiveUsers removes users whose last interaction is older than the
// cutoff and returns how many were removed.
func (s *Store) DeleteInactiveUsers(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM users WHERE last_interaction < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
