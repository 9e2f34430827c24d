package state

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func genName(t *rapid.T, label string) string {
	return rapid.StringMatching(`[a-z][a-z0-9-]{0,11}`).Draw(t, label)
}

func genTeam(t *rapid.T) Team {
	n := rapid.IntRange(0, 4).Draw(t, "memberCount")
	members := make([]Member, 0, n)
	for i := 0; i < n; i++ {
		members = append(members, Member{
			Name:   genName(t, "member"),
			Status: rapid.SampledFrom([]string{"active", "idle"}).Draw(t, "memberStatus"),
		})
	}
	return Team{Name: genName(t, "team"), Members: members, Status: "active"}
}

func genTask(t *rapid.T) Task {
	return Task{
		Team:      genName(t, "taskTeam"),
		ID:        fmt.Sprint(rapid.IntRange(1, 500).Draw(t, "taskID")),
		Subject:   rapid.String().Draw(t, "subject"),
		Status:    rapid.SampledFrom([]TaskStatus{TaskPending, TaskInProgress, TaskCompleted}).Draw(t, "status"),
		Owner:     rapid.SampledFrom([]string{"", "lead", "helper"}).Draw(t, "owner"),
		Blocks:    []string{},
		BlockedBy: []string{},
	}
}

// TestProperty_ParseTaskStatusIsTotal verifies that every input maps onto
// exactly one variant and that only the known spellings are accepted.
func TestProperty_ParseTaskStatusIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.OneOf(
			rapid.SampledFrom([]string{"", "pending", "in_progress", "completed"}),
			rapid.String(),
		).Draw(t, "raw")

		status, ok := ParseTaskStatus(raw)
		known := raw == "" || raw == "pending" || raw == "in_progress" || raw == "completed"
		if ok != known {
			t.Fatalf("ParseTaskStatus(%q) ok=%v, want %v", raw, ok, known)
		}
		if !ok && status != TaskUnknown {
			t.Fatalf("unrecognised %q mapped to %q", raw, status)
		}
		if raw == "" && status != TaskPending {
			t.Fatalf("empty status mapped to %q", status)
		}
	})
}

// TestProperty_BuildMessagesCounts verifies one message per member plus one
// per owned task, all stamped with the generation time.
func TestProperty_BuildMessagesCounts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		teams := rapid.SliceOfN(rapid.Custom(genTeam), 0, 5).Draw(t, "teams")
		tasks := rapid.SliceOfN(rapid.Custom(genTask), 0, 10).Draw(t, "tasks")
		now := time.Unix(rapid.Int64Range(0, 1<<32).Draw(t, "now"), 0).UTC()

		want := 0
		for _, team := range teams {
			want += len(team.Members)
		}
		for _, task := range tasks {
			if task.Owner != "" {
				want++
			}
		}

		msgs := BuildMessages(teams, tasks, now)
		if len(msgs) != want {
			t.Fatalf("got %d messages, want %d", len(msgs), want)
		}
		for _, m := range msgs {
			if !m.Timestamp.Equal(now) {
				t.Fatalf("message timestamp %v, want %v", m.Timestamp, now)
			}
			if m.Type != MessageStatus && m.Type != MessageTaskUpdate {
				t.Fatalf("unexpected message type %q", m.Type)
			}
		}
	})
}

// TestProperty_FingerprintIgnoresTime verifies that snapshots differing only
// in timestamps fingerprint identically.
func TestProperty_FingerprintIgnoresTime(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		teams := rapid.SliceOfN(rapid.Custom(genTeam), 0, 4).Draw(t, "teams")
		tasks := rapid.SliceOfN(rapid.Custom(genTask), 0, 8).Draw(t, "tasks")
		t1 := time.Unix(rapid.Int64Range(0, 1<<31).Draw(t, "t1"), 0)
		t2 := t1.Add(time.Duration(rapid.IntRange(1, 3600).Draw(t, "delta")) * time.Second)

		a := Snapshot{Teams: teams, Tasks: tasks, Messages: BuildMessages(teams, tasks, t1), GeneratedAt: t1}
		b := Snapshot{Teams: teams, Tasks: tasks, Messages: BuildMessages(teams, tasks, t2), GeneratedAt: t2}

		fa, err := a.Fingerprint()
		if err != nil {
			t.Fatal(err)
		}
		fb, err := b.Fingerprint()
		if err != nil {
			t.Fatal(err)
		}
		if fa != fb {
			t.Fatalf("fingerprints differ:\n%s\n%s", fa, fb)
		}
	})
}

// TestProperty_ReadTasksOrderIndependent verifies that the reader's output
// does not depend on the order files were created in.
func TestProperty_ReadTasksOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.IntRange(1, 999), 1, 8, rapid.ID[int]).Draw(rt, "ids")
		seed := rapid.Int64().Draw(rt, "seed")

		read := func(order []int) []Task {
			tmp := t.TempDir()
			r := NewReader(tmp+"/teams", tmp+"/tasks")
			for _, id := range order {
				writeFile(t, fmt.Sprintf("%s/tasks/team/%d.json", tmp, id), fmt.Sprintf(`{"subject":"task %d"}`, id))
			}
			return r.ReadTasks()
		}

		shuffled := append([]int(nil), ids...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		a, b := read(ids), read(shuffled)
		if len(a) != len(b) {
			rt.Fatalf("length mismatch %d vs %d", len(a), len(b))
		}
		for i := range a {
			if a[i].ID != b[i].ID || a[i].Subject != b[i].Subject {
				rt.Fatalf("position %d differs: %+v vs %+v", i, a[i], b[i])
			}
		}
	})
}
