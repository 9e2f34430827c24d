package state

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-dashboard/internal/parsecache"
)

// ConfigFileNames are tried in order inside each team directory.
var ConfigFileNames = []string{"config.json", "config", "config.yaml", "config.yml"}

// IsConfigFile reports whether base is the name of a team config file.
func IsConfigFile(base string) bool {
	for _, n := range ConfigFileNames {
		if base == n {
			return true
		}
	}
	return false
}

// ErrorRecorder counts files the reader had to skip.
type ErrorRecorder interface {
	RecordParseError(kind string)
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the reader's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger.With().Str("component", "reader").Logger()
	}
}

// WithParseCache memoizes parsed files, keyed by path, mtime and size.
func WithParseCache(size int) Option {
	return func(r *Reader) {
		if size > 0 {
			r.cache = parsecache.New[any](size)
		}
	}
}

// WithErrorRecorder reports skipped files to rec.
func WithErrorRecorder(rec ErrorRecorder) Option {
	return func(r *Reader) { r.errors = rec }
}

// WithClock overrides the clock used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) { r.now = now }
}

// Reader rebuilds state from the teams and tasks roots on every call.
// It carries no state between reads apart from the optional parse cache.
type Reader struct {
	teamsDir string
	tasksDir string

	logger zerolog.Logger
	cache  *parsecache.Cache[any]
	errors ErrorRecorder
	now    func() time.Time
}

// NewReader creates a Reader over the given roots.
func NewReader(teamsDir, tasksDir string, opts ...Option) *Reader {
	r := &Reader{
		teamsDir: teamsDir,
		tasksDir: tasksDir,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TeamsDir returns the teams root.
func (r *Reader) TeamsDir() string { return r.teamsDir }

// ReadFullState reads both trees and derives messages. It never fails: a
// missing or unreadable root yields empty collections. Tasks whose team has
// no readable config in the same pass are left out.
func (r *Reader) ReadFullState() Snapshot {
	now := r.now().UTC()
	teams := r.ReadTeams()

	present := make(map[string]bool, len(teams))
	for _, t := range teams {
		present[t.Name] = true
	}
	all := r.ReadTasks()
	tasks := make([]Task, 0, len(all))
	for _, t := range all {
		if present[t.Team] {
			tasks = append(tasks, t)
		}
	}

	return Snapshot{
		Teams:       teams,
		Tasks:       tasks,
		Messages:    BuildMessages(teams, tasks, now),
		GeneratedAt: now,
	}
}

// ReadTeams returns every team whose config parses, sorted by name.
func (r *Reader) ReadTeams() []Team {
	teams := []Team{}
	for _, name := range r.subdirs(r.teamsDir) {
		team, ok := r.readTeam(name)
		if ok {
			teams = append(teams, team)
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].Name < teams[j].Name })
	return teams
}

// ReadTasks returns every parseable task of every team, ordered by team then id.
func (r *Reader) ReadTasks() []Task {
	tasks := []Task{}
	for _, name := range r.subdirs(r.tasksDir) {
		tasks = append(tasks, r.ReadTeamTasks(name)...)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Team != tasks[j].Team {
			return tasks[i].Team < tasks[j].Team
		}
		return lessID(tasks[i].ID, tasks[j].ID)
	})
	return tasks
}

// ReadTeamTasks returns the parseable tasks of one team, ordered by id.
func (r *Reader) ReadTeamTasks(team string) []Task {
	dir := filepath.Join(r.tasksDir, team)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Debug().Err(err).Str("team", team).Msg("tasks dir read error")
		}
		return []Task{}
	}

	tasks := make([]Task, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isTaskFile(entry.Name()) {
			continue
		}
		task, ok := r.readTask(team, filepath.Join(dir, entry.Name()))
		if ok {
			tasks = append(tasks, task)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return lessID(tasks[i].ID, tasks[j].ID) })
	return tasks
}

func (r *Reader) readTeam(name string) (Team, bool) {
	dir := filepath.Join(r.teamsDir, name)
	for _, candidate := range ConfigFileNames {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		parsed, err := r.parse(path, func(data []byte) (any, error) {
			var cfg rawConfig
			if err := decodeStructured(candidate, data, &cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		})
		if err != nil {
			r.logger.Debug().Err(err).Str("team", name).Msg("team config parse error")
			r.recordError("team_config")
			return Team{}, false
		}
		return teamFromConfig(name, parsed.(rawConfig)), true
	}

	r.logger.Debug().Str("team", name).Msg("team has no config file")
	return Team{}, false
}

func teamFromConfig(name string, cfg rawConfig) Team {
	members := make([]Member, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		agentType := m.AgentType
		if agentType == "" {
			agentType = m.Type
		}
		status := m.Status
		if status == "" {
			status = "active"
		}
		members = append(members, Member{Name: m.Name, AgentType: agentType, Status: status})
	}
	return Team{Name: name, Members: members, Status: "active"}
}

func (r *Reader) readTask(team, path string) (Task, bool) {
	base := filepath.Base(path)
	parsed, err := r.parse(path, func(data []byte) (any, error) {
		var raw rawTask
		if err := decodeStructured(base, data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		r.logger.Debug().Err(err).Str("team", team).Str("file", base).Msg("task file parse error")
		r.recordError("task")
		return Task{}, false
	}

	raw := parsed.(rawTask)
	task := Task{
		Team:        team,
		ID:          idString(raw.ID),
		Subject:     raw.Subject,
		Description: raw.Description,
		Blocks:      idStrings(raw.Blocks),
		BlockedBy:   idStrings(raw.BlockedBy),
	}
	if task.ID == "" {
		task.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if raw.Owner != nil {
		task.Owner = *raw.Owner
	}

	status, ok := ParseTaskStatus(raw.Status)
	task.Status = status
	if !ok {
		task.RawStatus = raw.Status
		r.logger.Warn().
			Str("team", team).
			Str("task", task.ID).
			Str("status", raw.Status).
			Msg("unrecognised task status")
		r.recordError("task_status")
	}
	return task, true
}

// parse reads path and decodes it, consulting the parse cache when enabled.
func (r *Reader) parse(path string, decode func([]byte) (any, error)) (any, error) {
	var info os.FileInfo
	if r.cache != nil {
		var err error
		if info, err = os.Stat(path); err != nil {
			return nil, err
		}
		if v, ok := r.cache.Get(path, info); ok {
			return v, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := decode(data)
	if err != nil {
		if r.cache != nil {
			r.cache.Invalidate(path)
		}
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(path, info, v)
	}
	return v, nil
}

func (r *Reader) subdirs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Debug().Err(err).Str("root", root).Msg("root read error")
		}
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names
}

func (r *Reader) recordError(kind string) {
	if r.errors != nil {
		r.errors.RecordParseError(kind)
	}
}

func isTaskFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml", "":
		return true
	}
	return false
}

// lessID orders numeric ids numerically and everything else lexically,
// with numeric ids first.
func lessID(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}
