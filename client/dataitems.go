package client

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Salts drive deterministic seed derivation for a prompt.
// All is the re-roll counter for the whole prompt, Grid holds per-cell counters keyed by salt key.
type Salts struct {
	All  int            `json:"all" yaml:"all"`
	Grid map[string]int `json:"grid" yaml:"grid"`
}

// Prompt is an entry of the backend prompt catalog
type Prompt struct {
	Text      string `json:"text" yaml:"text"`
	Signature string `json:"signature" yaml:"signature"`
	// nil when the backend did not send any salts
	Salts *Salts `json:"salts,omitempty" yaml:"salts,omitempty"`
}

// Latents is a snapshot of the diffusion state at one timestep, used to resume a computation
type Latents struct {
	Tensor    string `json:"tensor"`
	Signature string `json:"signature"`
}

// TrajectoryEntry is the diffusion state recorded at a single timestep.
// Fields the backend sends that are not known here are kept in Extra.
type TrajectoryEntry struct {
	Timestep  int            `json:"timestep" yaml:"timestep" mapstructure:"timestep"`
	Image     string         `json:"image" yaml:"image" mapstructure:"image"`
	Tensor    string         `json:"tensor" yaml:"-" mapstructure:"tensor"`
	Signature string         `json:"signature" yaml:"signature" mapstructure:"signature"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"-" mapstructure:",remain"`
}

// Latents extracts the resumption point stored in the entry
func (e *TrajectoryEntry) Latents() *Latents {
	return &Latents{
		Tensor:    e.Tensor,
		Signature: e.Signature,
	}
}

// Trajectory is the ordered record of a diffusion run, in the order the backend reported it
// (decreasing timestep).
type Trajectory []TrajectoryEntry

// Get returns the entry recorded at timestep t
func (tr Trajectory) Get(t int) (TrajectoryEntry, bool) {
	for _, e := range tr {
		if e.Timestep == t {
			return e, true
		}
	}
	return TrajectoryEntry{}, false
}

// Latents returns the resumption point at timestep t, or nil when the trajectory has no entry there
func (tr Trajectory) Latents(t int) *Latents {
	e, ok := tr.Get(t)
	if !ok {
		return nil
	}
	return e.Latents()
}

// Timesteps lists the timesteps of the trajectory in order
func (tr Trajectory) Timesteps() []int {
	retv := make([]int, len(tr))
	for i, e := range tr {
		retv[i] = e.Timestep
	}
	return retv
}

// Branch is the result of a generation call
type Branch struct {
	Image      string     `json:"image" yaml:"image"`
	Trajectory Trajectory `json:"trajectory" yaml:"trajectory"`
}

// Clone returns a deep copy of the branch
func (b *Branch) Clone() *Branch {
	if b == nil {
		return nil
	}
	retv := &Branch{
		Image:      b.Image,
		Trajectory: make(Trajectory, len(b.Trajectory)),
	}
	for i, e := range b.Trajectory {
		if e.Extra != nil {
			extra := make(map[string]any, len(e.Extra))
			for k, v := range e.Extra {
				extra[k] = v
			}
			e.Extra = extra
		}
		retv.Trajectory[i] = e
	}
	return retv
}

// branchRequestBody is the POST /diffusions payload
type branchRequestBody struct {
	Prompt       string  `json:"prompt"`
	Seed         uint32  `json:"seed"`
	Latents      *string `json:"latents"`
	Timestep     *int    `json:"timestep"`
	TrajectoryAt []int   `json:"trajectory_at"`
}

// diffusionResponse covers both shapes returned by /diffusions:
// a pending job ({call_id, message}) or a finished run ({diffusion, signatures}).
type diffusionResponse struct {
	CallID    *string `json:"call_id"`
	Message   string  `json:"message"`
	Diffusion *struct {
		Image      string           `json:"image"`
		Trajectory []map[string]any `json:"trajectory"`
	} `json:"diffusion"`
	// JSON object keys are always strings, the backend keys these by timestep
	Signatures map[string]string `json:"signatures"`
}

func (r *diffusionResponse) pending() bool {
	return r.CallID != nil
}

// toBranch zips each trajectory entry with the signature issued for its timestep
func (r *diffusionResponse) toBranch() (*Branch, error) {
	if r.Diffusion == nil {
		return nil, ErrMalformedResponse
	}

	retv := &Branch{
		Image:      r.Diffusion.Image,
		Trajectory: make(Trajectory, 0, len(r.Diffusion.Trajectory)),
	}
	for _, raw := range r.Diffusion.Trajectory {
		var entry TrajectoryEntry
		if err := mapstructure.Decode(raw, &entry); err != nil {
			return nil, fmt.Errorf("decoding trajectory entry: %w", err)
		}
		entry.Signature = r.Signatures[fmt.Sprint(entry.Timestep)]
		retv.Trajectory = append(retv.Trajectory, entry)
	}
	return retv, nil
}
