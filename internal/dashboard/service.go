// Package dashboard wires filesystem events to state reads, change
// detection, broadcast and archival.
package dashboard

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-dashboard/internal/state"
	"github.com/p-blackswan/agent-dashboard/internal/watcher"
)

// Refresh triggers.
const (
	TriggerStartup = "startup"
	TriggerWatch   = "watch"
	TriggerPoll    = "poll"
)

// Publisher broadcasts a snapshot if it differs from the last one.
type Publisher interface {
	Publish(snap state.Snapshot) bool
}

// Archiver persists a departed team.
type Archiver interface {
	Archive(ctx context.Context, team string) (int64, error)
}

// Recorder counts refreshes.
type Recorder interface {
	RecordRefresh(trigger string, seconds float64)
}

// EventSource delivers debounced filesystem events until ctx is done.
type EventSource interface {
	Run(ctx context.Context, handler watcher.Handler) error
}

// Service is the top-level orchestrator. Refreshes are serialized so that,
// for a single event, archival always precedes the broadcast that stops
// showing the team.
type Service struct {
	reader       *state.Reader
	publisher    Publisher
	archiver     Archiver
	recorder     Recorder
	logger       zerolog.Logger
	pollInterval time.Duration

	mu sync.Mutex
}

// New creates a Service. archiver and recorder may be nil.
func New(reader *state.Reader, publisher Publisher, archiver Archiver, recorder Recorder, pollInterval time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		reader:       reader,
		publisher:    publisher,
		archiver:     archiver,
		recorder:     recorder,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "dashboard").Logger(),
	}
}

// Snapshot reads fresh state. It is the catch-up source for new subscribers
// and backs GET /api/state.
func (s *Service) Snapshot() state.Snapshot {
	return s.reader.ReadFullState()
}

// Refresh re-reads both trees and publishes the result. Returns true if a
// broadcast happened.
func (s *Service) Refresh(trigger string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(trigger)
}

func (s *Service) refreshLocked(trigger string) bool {
	start := time.Now()
	snap := s.reader.ReadFullState()
	sent := s.publisher.Publish(snap)
	elapsed := time.Since(start)

	if s.recorder != nil {
		s.recorder.RecordRefresh(trigger, elapsed.Seconds())
	}
	s.logger.Debug().
		Str("trigger", trigger).
		Bool("broadcast", sent).
		Int("teams", len(snap.Teams)).
		Int("tasks", len(snap.Tasks)).
		Dur("took", elapsed).
		Msg("state refreshed")
	return sent
}

// HandleEvent processes one debounced watcher event. Deleting a team's
// config file archives the team before the refresh.
func (s *Service) HandleEvent(ctx context.Context, ev watcher.Event) {
	s.logger.Debug().Str("path", ev.Path).Str("op", string(ev.Op)).Msg("filesystem event")

	s.mu.Lock()
	defer s.mu.Unlock()

	if team, ok := s.departedTeam(ev); ok && s.archiver != nil {
		// Archive failures are logged by the archiver and never block the refresh.
		_, _ = s.archiver.Archive(ctx, team)
	}
	s.refreshLocked(TriggerWatch)
}

// departedTeam reports the team whose config file ev deleted, provided no
// other config variant is left behind.
func (s *Service) departedTeam(ev watcher.Event) (string, bool) {
	if ev.Op != watcher.OpDelete || !state.IsConfigFile(filepath.Base(ev.Path)) {
		return "", false
	}
	teamDir := filepath.Dir(ev.Path)
	if filepath.Clean(filepath.Dir(teamDir)) != filepath.Clean(s.reader.TeamsDir()) {
		return "", false
	}
	team := filepath.Base(teamDir)

	for _, name := range state.ConfigFileNames {
		if _, err := os.Stat(filepath.Join(teamDir, name)); err == nil {
			s.logger.Debug().Str("team", team).Str("remaining", name).Msg("config deleted but another remains, not archiving")
			return "", false
		}
	}
	return team, true
}

// Run performs an initial refresh, then serves watcher events and the
// fallback poll until ctx is cancelled.
func (s *Service) Run(ctx context.Context, events EventSource) error {
	s.Refresh(TriggerStartup)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.poll(ctx)
	}()

	err := events.Run(ctx, s.HandleEvent)
	wg.Wait()
	return err
}

func (s *Service) poll(ctx context.Context) {
	if s.pollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.pollInterval).Msg("poll loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("poll loop stopped")
			return
		case <-ticker.C:
			s.Refresh(TriggerPoll)
		}
	}
}
