package grid

import (
	"maps"

	"github.com/richinsley/diffgrid/client"
)

type SlotStatus string

const (
	SlotEmpty    SlotStatus = "empty"
	SlotPending  SlotStatus = "pending"
	SlotResolved SlotStatus = "resolved"
)

// SlotState is a copy of the trunk or of one cell
type SlotState struct {
	Status SlotStatus     `json:"status" yaml:"status"`
	Branch *client.Branch `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// Row holds the cells branching from one timestep
type Row struct {
	Timestep int         `json:"timestep" yaml:"timestep"`
	Cells    []SlotState `json:"cells" yaml:"cells"`
}

// State is a point in time copy of the store, safe to read without holding the store
type State struct {
	Prompts     []client.Prompt `json:"prompts" yaml:"prompts"`
	PromptIndex int             `json:"prompt_index" yaml:"prompt_index"`
	Prompt      *client.Prompt  `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Timesteps   []int           `json:"timesteps" yaml:"timesteps"`
	Columns     int             `json:"columns" yaml:"columns"`
	Trunk       SlotState       `json:"trunk" yaml:"trunk"`
	Rows        []Row           `json:"rows" yaml:"rows"`
}

// Count returns how many cells are in the given status
func (st State) Count(status SlotStatus) int {
	n := 0
	for _, row := range st.Rows {
		for _, cell := range row.Cells {
			if cell.Status == status {
				n++
			}
		}
	}
	return n
}

// Cell returns the state of one cell
func (st State) Cell(timestep, column int) (SlotState, bool) {
	for _, row := range st.Rows {
		if row.Timestep == timestep && column >= 0 && column < len(row.Cells) {
			return row.Cells[column], true
		}
	}
	return SlotState{}, false
}

// WithoutImages returns a copy of the state with every image removed, for compact dumps
func (st State) WithoutImages() State {
	strip := func(s SlotState) SlotState {
		if s.Branch == nil {
			return s
		}
		b := s.Branch.Clone()
		b.Image = ""
		for i := range b.Trajectory {
			b.Trajectory[i].Image = ""
		}
		s.Branch = b
		return s
	}

	st.Trunk = strip(st.Trunk)
	rows := make([]Row, len(st.Rows))
	for i, row := range st.Rows {
		cells := make([]SlotState, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strip(cell)
		}
		rows[i] = Row{Timestep: row.Timestep, Cells: cells}
	}
	st.Rows = rows
	return st
}

func (s *slot) state() SlotState {
	switch {
	case s.req != nil:
		return SlotState{Status: SlotPending}
	case s.branch != nil:
		return SlotState{Status: SlotResolved, Branch: s.branch.Clone()}
	default:
		return SlotState{Status: SlotEmpty}
	}
}

func copyPrompt(p *client.Prompt) client.Prompt {
	retv := *p
	if p.Salts != nil {
		retv.Salts = &client.Salts{
			All:  p.Salts.All,
			Grid: maps.Clone(p.Salts.Grid),
		}
	}
	return retv
}

// Snapshot copies the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Prompts:     make([]client.Prompt, len(s.prompts)),
		PromptIndex: s.promptIndex,
		Timesteps:   s.timesteps(),
		Columns:     s.config.Columns,
		Trunk:       s.trunk.state(),
		Rows:        make([]Row, 0, len(s.config.Timesteps)),
	}
	for i, p := range s.prompts {
		st.Prompts[i] = copyPrompt(p)
	}
	if p := s.promptLocked(); p != nil {
		cp := copyPrompt(p)
		st.Prompt = &cp
	}
	for _, t := range s.config.Timesteps {
		row := Row{Timestep: t, Cells: make([]SlotState, len(s.branches[t]))}
		for i, cell := range s.branches[t] {
			row.Cells[i] = cell.state()
		}
		st.Rows = append(st.Rows, row)
	}
	return st
}

// Subscribe returns a channel that receives a value after the state changes. Changes are
// coalesced: a slow reader sees one notification for several changes. The returned function
// ends the subscription. The channel is closed when the store is closed.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			close(c)
			delete(s.subscribers, id)
		}
	}
}

func (s *Store) notifyLocked() {
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
