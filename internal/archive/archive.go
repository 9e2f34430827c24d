// Package archive turns the last known state of a departed team into a
// persisted session.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-dashboard/internal/retry"
	"github.com/p-blackswan/agent-dashboard/internal/state"
	"github.com/p-blackswan/agent-dashboard/internal/store"
)

// TaskSource reads the tasks still on disk for a team.
type TaskSource interface {
	ReadTeamTasks(team string) []state.Task
}

// Sink persists a session and its children atomically.
type Sink interface {
	ArchiveSession(ctx context.Context, d *store.SessionDetail) (int64, error)
}

// Roster returns the last snapshot seen by subscribers. Its member lists
// are the only record of a team once the config file is gone.
type Roster interface {
	Last() (state.Snapshot, bool)
}

// Recorder counts archive outcomes.
type Recorder interface {
	RecordArchive(result string)
}

// Archiver writes sessions for deleted teams.
type Archiver struct {
	tasks    TaskSource
	sink     Sink
	roster   Roster
	recorder Recorder
	logger   zerolog.Logger
	retry    retry.Config
	now      func() time.Time
}

// New creates an Archiver. roster and recorder may be nil.
func New(tasks TaskSource, sink Sink, roster Roster, logger zerolog.Logger, recorder Recorder) *Archiver {
	return &Archiver{
		tasks:    tasks,
		sink:     sink,
		roster:   roster,
		recorder: recorder,
		logger:   logger.With().Str("component", "archiver").Logger(),
		retry:    writeRetry(),
		now:      time.Now,
	}
}

// Archive snapshots team into the store and returns the session id. A team
// with no task directory is archived with zero tasks.
func (a *Archiver) Archive(ctx context.Context, team string) (int64, error) {
	if team == "" {
		a.record("error")
		return 0, fmt.Errorf("archive: empty team name")
	}

	now := a.now().UTC()
	tasks := a.tasks.ReadTeamTasks(team)
	members := a.members(team)

	roster := state.Team{Name: team, Members: members, Status: "archived"}
	msgs := state.BuildMessages([]state.Team{roster}, tasks, now)

	detail := &store.SessionDetail{
		Session:  store.Session{TeamName: team, StartTime: now, EndTime: now, Status: store.StatusArchived},
		Agents:   make([]store.Agent, 0, len(members)),
		Tasks:    make([]store.Task, 0, len(tasks)),
		Messages: make([]store.Message, 0, len(msgs)),
	}
	for _, m := range members {
		detail.Agents = append(detail.Agents, store.Agent{Name: m.Name, AgentType: m.AgentType, Status: m.Status})
	}
	for _, t := range tasks {
		detail.Tasks = append(detail.Tasks, store.Task{
			TaskID:      t.ID,
			Subject:     t.Subject,
			Description: t.Description,
			Status:      string(t.Status),
			RawStatus:   t.RawStatus,
			Owner:       t.Owner,
			Blocks:      t.Blocks,
			BlockedBy:   t.BlockedBy,
		})
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, store.Message{
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Content:   m.Content,
			Type:      m.Type,
			Timestamp: m.Timestamp,
		})
	}

	var id int64
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		var err error
		id, err = a.sink.ArchiveSession(ctx, detail)
		if store.IsBusy(err) {
			a.logger.Warn().Err(err).Str("team", team).Msg("archive store busy, retrying")
		}
		return err
	})
	if err != nil {
		a.record("error")
		a.logger.Error().Err(err).Str("team", team).Msg("failed to archive session")
		return 0, fmt.Errorf("archiving team %s: %w", team, err)
	}

	a.record("ok")
	a.logger.Info().
		Int64("session_id", id).
		Str("team", team).
		Int("agents", len(detail.Agents)).
		Int("tasks", len(detail.Tasks)).
		Msg("session archived")
	return id, nil
}

// writeRetry retries only lock contention; other store errors are final.
func writeRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Retryable = store.IsBusy
	return cfg
}

func (a *Archiver) members(team string) []state.Member {
	if a.roster == nil {
		return nil
	}
	snap, ok := a.roster.Last()
	if !ok {
		return nil
	}
	t, ok := snap.Team(team)
	if !ok {
		return nil
	}
	return t.Members
}

func (a *Archiver) record(result string) {
	if a.recorder != nil {
		a.recorder.RecordArchive(result)
	}
}
