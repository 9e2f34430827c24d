// Package state reconstructs agent team and task state from the directory
// trees written by the agent orchestration tool.
package state

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	// TaskUnknown marks a status value the reader did not recognise.
	// The original text is kept in Task.RawStatus.
	TaskUnknown TaskStatus = "unknown"
)

// ParseTaskStatus maps raw file content onto a TaskStatus. An empty value is
// pending; anything outside the known set is TaskUnknown with ok=false.
func ParseTaskStatus(raw string) (status TaskStatus, ok bool) {
	switch TaskStatus(raw) {
	case "":
		return TaskPending, true
	case TaskPending, TaskInProgress, TaskCompleted:
		return TaskStatus(raw), true
	default:
		return TaskUnknown, false
	}
}

// Member is a single agent on a team roster.
type Member struct {
	Name      string `json:"name"`
	AgentType string `json:"agentType,omitempty"`
	Status    string `json:"status"`
}

// Team is one active collaboration session.
type Team struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
	Status  string   `json:"status"`
}

// Task is a unit of work owned by a team.
type Task struct {
	Team        string     `json:"team"`
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	RawStatus   string     `json:"rawStatus,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	Blocks      []string   `json:"blocks"`
	BlockedBy   []string   `json:"blockedBy"`
}

// Message types produced by BuildMessages.
const (
	MessageStatus     = "status"
	MessageTaskUpdate = "task_update"
)

// Message is a synthetic activity record derived from a snapshot. It is not
// a captured inter-agent message.
type Message struct {
	Team      string    `json:"team"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the result of one full read of both trees.
type Snapshot struct {
	Teams       []Team    `json:"teams"`
	Tasks       []Task    `json:"tasks"`
	Messages    []Message `json:"messages"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Team returns the team with the given name, if present.
func (s Snapshot) Team(name string) (Team, bool) {
	for _, t := range s.Teams {
		if t.Name == name {
			return t, true
		}
	}
	return Team{}, false
}

// fingerprintView is the time-independent projection of a Snapshot.
type fingerprintView struct {
	Teams    []Team             `json:"teams"`
	Tasks    []Task             `json:"tasks"`
	Messages []fingerprintEntry `json:"messages"`
}

type fingerprintEntry struct {
	Team      string `json:"team"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

// Fingerprint returns the canonical serialization used for change detection.
// Generation and message timestamps are excluded, so two reads of an
// unchanged tree produce identical fingerprints.
func (s Snapshot) Fingerprint() (string, error) {
	view := fingerprintView{
		Teams:    s.Teams,
		Tasks:    s.Tasks,
		Messages: make([]fingerprintEntry, 0, len(s.Messages)),
	}
	for _, m := range s.Messages {
		view.Messages = append(view.Messages, fingerprintEntry{
			Team:      m.Team,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Content:   m.Content,
			Type:      m.Type,
		})
	}
	b, err := json.Marshal(view)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
