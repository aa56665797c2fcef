package routing

import (
	"time"

	"github.com/agenthub/hubd/pkg/board"
)

// ThroughputWindow is how far back accepted tasks count as recent
// throughput.
const ThroughputWindow = time.Hour

// Workload is one account's current load snapshot derived from the board.
type Workload struct {
	AccountName      string `json:"accountName"`
	WIPCount         int    `json:"wipCount"`
	OpenCount        int    `json:"openCount"`
	RecentThroughput int    `json:"recentThroughput"`
}

// Modifier folds the snapshot into a score adjustment: -5 per WIP task
// clamped to [-15, 0], -2 per open task clamped to [-10, 0], +5 per
// recent acceptance clamped to [0, +15].
func (w Workload) Modifier() int {
	wip := clampInt(-5*w.WIPCount, -15, 0)
	open := clampInt(-2*w.OpenCount, -10, 0)
	bonus := clampInt(5*w.RecentThroughput, 0, 15)
	return wip + open + bonus
}

// Workloads derives per-assignee snapshots from the board. Open counts
// every non-terminal assigned task; WIP counts in_progress only; recent
// throughput counts tasks accepted within the window before now.
func Workloads(tasks []*board.Task, now time.Time) map[string]Workload {
	out := make(map[string]Workload)
	for _, t := range tasks {
		if t.Assignee == "" {
			continue
		}
		w := out[t.Assignee]
		w.AccountName = t.Assignee
		if t.Status == board.StatusInProgress {
			w.WIPCount++
		}
		if !t.Status.Terminal() {
			w.OpenCount++
		}
		if t.Status == board.StatusAccepted {
			if at := t.LastEnteredAt(board.StatusAccepted); !at.IsZero() && now.Sub(at) <= ThroughputWindow {
				w.RecentThroughput++
			}
		}
		out[t.Assignee] = w
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
