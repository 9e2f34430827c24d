package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StatusArchived is the status of every session written by ArchiveSession.
const StatusArchived = "archived"

// Session is the summary row of an archived team.
type Session struct {
	ID           int64     `json:"id"`
	TeamName     string    `json:"team_name"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	AgentCount   int       `json:"agent_count"`
	MessageCount int       `json:"message_count"`
	TaskCount    int       `json:"task_count"`
	Status       string    `json:"status"`
}

// Agent is an archived team member.
type Agent struct {
	Name      string `json:"name"`
	AgentType string `json:"agent_type"`
	Status    string `json:"status"`
}

// Task is an archived task.
type Task struct {
	TaskID      string   `json:"id"`
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	RawStatus   string   `json:"raw_status,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Blocks      []string `json:"blocks"`
	BlockedBy   []string `json:"blocked_by"`
}

// Message is an archived activity message.
type Message struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionDetail is a session together with its child rows.
type SessionDetail struct {
	Session  Session   `json:"session"`
	Agents   []Agent   `json:"agents"`
	Tasks    []Task    `json:"tasks"`
	Messages []Message `json:"messages"`
}

// ArchiveSession writes a session and all of its child rows in a single
// transaction and returns the new session id. Counts are taken from the
// child slices; an empty status becomes "archived". Lock contention is
// reported as ErrBusy.
func (s *Store) ArchiveSession(ctx context.Context, d *SessionDetail) (int64, error) {
	id, err := s.archiveSession(ctx, d)
	return id, markBusy(err)
}

func (s *Store) archiveSession(ctx context.Context, d *SessionDetail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &d.Session
	sess.AgentCount = len(d.Agents)
	sess.MessageCount = len(d.Messages)
	sess.TaskCount = len(d.Tasks)
	if sess.Status == "" {
		sess.Status = StatusArchived
	}
	if sess.EndTime.IsZero() {
		sess.EndTime = time.Now()
	}
	if sess.StartTime.IsZero() {
		sess.StartTime = sess.EndTime
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
	INSERT INTO sessions (
		team_name, start_time, end_time, agent_count, message_count, task_count, status
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		sess.TeamName, sess.StartTime.UnixMilli(), sess.EndTime.UnixMilli(),
		sess.AgentCount, sess.MessageCount, sess.TaskCount, sess.Status,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}

	for _, a := range d.Agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (session_id, name, agent_type, status) VALUES (?, ?, ?, ?)`,
			id, a.Name, a.AgentType, a.Status,
		); err != nil {
			return 0, fmt.Errorf("failed to insert agent %q: %w", a.Name, err)
		}
	}

	for _, t := range d.Tasks {
		blocks, err := json.Marshal(nonNil(t.Blocks))
		if err != nil {
			return 0, fmt.Errorf("failed to encode blocks of task %q: %w", t.TaskID, err)
		}
		blockedBy, err := json.Marshal(nonNil(t.BlockedBy))
		if err != nil {
			return 0, fmt.Errorf("failed to encode blockedBy of task %q: %w", t.TaskID, err)
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			session_id, task_id, subject, description, status, raw_status, owner, blocks, blocked_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			id, t.TaskID, t.Subject, t.Description, t.Status,
			sql.NullString{String: t.RawStatus, Valid: t.RawStatus != ""},
			sql.NullString{String: t.Owner, Valid: t.Owner != ""},
			string(blocks), string(blockedBy),
		); err != nil {
			return 0, fmt.Errorf("failed to insert task %q: %w", t.TaskID, err)
		}
	}

	for _, m := range d.Messages {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, sender, recipient, content, type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		`,
			id, m.Sender, m.Recipient, m.Content, m.Type, m.Timestamp.UnixMilli(),
		); err != nil {
			return 0, fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive: %w", err)
	}

	sess.ID = id
	return id, nil
}

// ListSessions returns every archived session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, team_name, start_time, end_time, agent_count, message_count, task_count, status
	FROM sessions ORDER BY end_time DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// GetSession returns one session with its agents, tasks and messages.
// Returns ErrSessionNotFound if id is unknown.
func (s *Store) GetSession(ctx context.Context, id int64) (*SessionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, team_name, start_time, end_time, agent_count, message_count, task_count, status
	FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	d := &SessionDetail{Session: *sess}
	if d.Agents, err = s.sessionAgents(ctx, id); err != nil {
		return nil, err
	}
	if d.Tasks, err = s.sessionTasks(ctx, id); err != nil {
		return nil, err
	}
	if d.Messages, err = s.sessionMessages(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) sessionAgents(ctx context.Context, id int64) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, agent_type, status FROM agents WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session agents: %w", err)
	}
	defer rows.Close()

	agents := []Agent{}
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.Name, &a.AgentType, &a.Status); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) sessionTasks(ctx context.Context, id int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT task_id, subject, description, status, raw_status, owner, blocks, blocked_by
	FROM tasks WHERE session_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		var (
			t                 Task
			rawStatus, owner  sql.NullString
			blocks, blockedBy string
		)
		if err := rows.Scan(&t.TaskID, &t.Subject, &t.Description, &t.Status,
			&rawStatus, &owner, &blocks, &blockedBy); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.RawStatus = rawStatus.String
		t.Owner = owner.String
		if err := json.Unmarshal([]byte(blocks), &t.Blocks); err != nil {
			return nil, fmt.Errorf("failed to decode blocks of task %q: %w", t.TaskID, err)
		}
		if err := json.Unmarshal([]byte(blockedBy), &t.BlockedBy); err != nil {
			return nil, fmt.Errorf("failed to decode blocked_by of task %q: %w", t.TaskID, err)
		}
		t.Blocks = nonNil(t.Blocks)
		t.BlockedBy = nonNil(t.BlockedBy)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) sessionMessages(ctx context.Context, id int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT sender, recipient, content, type, timestamp
	FROM messages WHERE session_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.Sender, &m.Recipient, &m.Content, &m.Type, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess       Session
		start, end int64
	)
	if err := row.Scan(&sess.ID, &sess.TeamName, &start, &end,
		&sess.AgentCount, &sess.MessageCount, &sess.TaskCount, &sess.Status); err != nil {
		return nil, err
	}
	sess.StartTime = time.UnixMilli(start).UTC()
	sess.EndTime = time.UnixMilli(end).UTC()
	return &sess, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
