package state

import (
	"fmt"
	"time"
)

// BuildMessages derives the activity feed from a set of teams and tasks:
// one status message per team member and one update per owned task, all
// stamped with now. The result is an approximation; real inter-agent
// messages are not visible on disk.
func BuildMessages(teams []Team, tasks []Task, now time.Time) []Message {
	msgs := make([]Message, 0, len(tasks))

	for _, team := range teams {
		for _, m := range team.Members {
			msgs = append(msgs, Message{
				Team:      team.Name,
				Sender:    m.Name,
				Recipient: team.Name,
				Content:   fmt.Sprintf("%s is %s", m.Name, m.Status),
				Type:      MessageStatus,
				Timestamp: now,
			})
		}
	}

	for _, t := range tasks {
		if t.Owner == "" {
			continue
		}
		msgs = append(msgs, Message{
			Team:      t.Team,
			Sender:    t.Owner,
			Recipient: t.Team,
			Content:   fmt.Sprintf("%s — %s", t.Subject, t.Status),
			Type:      MessageTaskUpdate,
			Timestamp: now,
		})
	}

	return msgs
}
