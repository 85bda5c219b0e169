package schedule

import "time"

type Info struct {
	Name    string        `json:"name"`
	Kind    string        `json:"kind"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skips   uint64        `json:"skips"`
	LastRun time.Time     `json:"last_run,omitempty"`
	LastDur time.Duration `json:"last_duration"`
	LastErr string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone"`
	Schedules []Info `json:"schedules"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	defs := append([]*def(nil), s.defs...)
	c := s.c
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	entries := make(map[string][2]time.Time, len(defs))
	if c != nil {
		for _, d := range defs {
			if d.entryID != 0 {
				e := c.Entry(d.entryID)
				entries[d.name] = [2]time.Time{e.Next, e.Prev}
			}
		}
	}
	s.mu.Unlock()

	items := make([]Info, 0, len(defs))
	for _, d := range defs {
		it := Info{Name: d.name, Kind: d.kind.String(), Spec: d.spec, Timeout: d.timeout, Running: d.running.Load()}
		if np, ok := entries[d.name]; ok {
			it.Next, it.Prev = np[0], np[1]
		}
		d.stats.mu.Lock()
		it.Runs = d.stats.runs
		it.Skips = d.stats.skips
		it.LastRun = d.stats.lastRun
		it.LastDur = d.stats.lastDur
		it.LastErr = d.stats.lastErr
		d.stats.mu.Unlock()
		items = append(items, it)
	}
	return Snapshot{Enabled: enabled, Timezone: loc.String(), Schedules: items}
}
