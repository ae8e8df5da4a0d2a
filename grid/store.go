package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/richinsley/diffgrid/client"
)

var (
	ErrNoPrompts       = errors.New("no prompts loaded")
	ErrTrunkNotReady   = errors.New("trunk has not resolved")
	ErrBranchNotReady  = errors.New("branch has not resolved")
	ErrIncompleteTrunk = errors.New("trunk trajectory does not cover every grid timestep")
	ErrUnknownCell     = errors.New("no such grid cell")
	ErrClosed          = errors.New("grid session is closed")
	// ErrDiscarded is returned by a load whose result arrived after its slot was cleared or reloaded
	ErrDiscarded = errors.New("result discarded, slot was superseded")
)

// Config is the shape of the grid
type Config struct {
	Timesteps []int `mapstructure:"timesteps" yaml:"timesteps"`
	Columns   int   `mapstructure:"columns" yaml:"columns"`
}

// DefaultConfig is three rows of four branches
var DefaultConfig = Config{
	Timesteps: []int{921, 821, 701},
	Columns:   4,
}

// Fetcher is the part of the request client the store depends on
type Fetcher interface {
	FetchPrompts(ctx context.Context) ([]*client.Prompt, error)
	FetchBranch(ctx context.Context, prompt *client.Prompt, latents *client.Latents, timestep *int, seed uint32, trajectoryAt []int) *client.BranchRequest
}

// slot is the trunk or one grid cell: empty, pending (req set) or resolved (branch set)
type slot struct {
	req    *client.BranchRequest
	branch *client.Branch
}

// clear cancels the pending request, if any, and empties the slot
func (s *slot) clear() {
	if s.req != nil {
		s.req.Abort()
	}
	s.req = nil
	s.branch = nil
}

// Store owns the view state of one grid session. All mutation goes through its actions.
type Store struct {
	mu     sync.Mutex
	api    Fetcher
	config Config
	hash   HashFunc
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	// running counts action chains; idle is closed whenever it drops to zero
	chains  sync.Mutex
	running int
	idle    chan struct{}

	prompts     []*client.Prompt
	promptIndex int
	trunk       slot
	branches    map[int][]*slot

	subscribers map[int]chan struct{}
	nextSubID   int
}

// Option configures a Store
type Option func(*Store)

// WithConfig sets the grid shape
func WithConfig(cfg Config) Option {
	return func(s *Store) {
		s.config = Config{
			Timesteps: slices.Clone(cfg.Timesteps),
			Columns:   cfg.Columns,
		}
	}
}

// WithHash sets the content hash used for seed derivation
func WithHash(h HashFunc) Option {
	return func(s *Store) {
		s.hash = h
	}
}

// NewStore creates the state of a new session
func NewStore(api Fetcher, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		api:         api,
		config:      DefaultConfig,
		hash:        XXHash,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.branches = make(map[int][]*slot, len(s.config.Timesteps))
	for _, t := range s.config.Timesteps {
		row := make([]*slot, s.config.Columns)
		for i := range row {
			row[i] = &slot{}
		}
		s.branches[t] = row
	}
	return s
}

// Config returns the grid shape
func (s *Store) Config() Config {
	return Config{
		Timesteps: slices.Clone(s.config.Timesteps),
		Columns:   s.config.Columns,
	}
}

// Close ends the session: every pending request is cancelled and Close waits for the
// action chains to settle. Subscriptions are closed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.trunk.clear()
	s.clearBranchesAtLocked(s.config.Timesteps)
	s.cancel()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	s.Wait(context.Background())
}

// Wait blocks until no action chain is running or ctx is done
func (s *Store) Wait(ctx context.Context) error {
	s.chains.Lock()
	if s.running == 0 {
		s.chains.Unlock()
		return nil
	}
	idle := s.idle
	s.chains.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn as a tracked action chain
func (s *Store) spawn(fn func() error) *Op {
	op := newOp()
	s.chains.Lock()
	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
	s.chains.Unlock()

	go func() {
		defer func() {
			s.chains.Lock()
			s.running--
			if s.running == 0 {
				close(s.idle)
			}
			s.chains.Unlock()
		}()
		op.finish(fn())
	}()
	return op
}

// Prompt returns the selected prompt. The selection index wraps in both directions.
func (s *Store) Prompt() *client.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptLocked()
}

func (s *Store) promptLocked() *client.Prompt {
	d := len(s.prompts)
	if d == 0 {
		return nil
	}
	return s.prompts[((s.promptIndex%d)+d)%d]
}

func (s *Store) cellLocked(timestep, column int) (*slot, error) {
	row, ok := s.branches[timestep]
	if !ok || column < 0 || column >= len(row) {
		return nil, fmt.Errorf("%w: timestep %d column %d", ErrUnknownCell, timestep, column)
	}
	return row[column], nil
}

// Load fetches the prompt catalog, gives every prompt default salts unless it already has
// some, and loads the trunk of the selected prompt.
func (s *Store) Load() *Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return failedOp(ErrClosed)
	}
	return s.spawn(func() error {
		prompts, err := s.api.FetchPrompts(s.ctx)
		if err != nil {
			return err
		}
		for _, p := range prompts {
			if p.Salts == nil {
				p.Salts = &client.Salts{All: 1}
			}
			if p.Salts.Grid == nil {
				p.Salts.Grid = make(map[string]int)
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrClosed
		}
		s.prompts = prompts
		slog.Info("Prompts loaded", "count", len(prompts))
		s.notifyLocked()
		if len(prompts) == 0 {
			return ErrNoPrompts
		}
		s.loadTrunkLocked()
		return nil
	})
}

// LoadTrunk cancels the current trunk and every cell, then computes the trunk of the
// selected prompt. Once it resolves all cells are loaded.
func (s *Store) LoadTrunk() *Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTrunkLocked()
}

func (s *Store) loadTrunkLocked() *Op {
	if s.closed {
		return failedOp(ErrClosed)
	}
	s.trunk.clear()
	s.clearBranchesAtLocked(s.config.Timesteps)

	prompt := s.promptLocked()
	if prompt == nil {
		s.notifyLocked()
		return failedOp(ErrNoPrompts)
	}

	req := s.api.FetchBranch(s.ctx, prompt, nil, nil, s.seedLocked(nil, nil), s.timesteps())
	s.trunk.req = req
	s.notifyLocked()

	return s.spawn(func() error {
		<-req.Done()
		branch, err := req.Result()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.trunk.req != req {
			if err != nil {
				return err
			}
			return ErrDiscarded
		}
		if err != nil {
			s.trunk.req = nil
			s.notifyLocked()
			return err
		}
		for _, t := range s.config.Timesteps {
			if _, ok := branch.Trajectory.Get(t); !ok {
				s.trunk.req = nil
				s.notifyLocked()
				return fmt.Errorf("%w: missing timestep %d", ErrIncompleteTrunk, t)
			}
		}

		s.trunk.req = nil
		s.trunk.branch = branch
		s.loadBranchesAtLocked(s.config.Timesteps)
		return nil
	})
}

// LoadBranch cancels the cell's pending request and computes a new branch resuming from the
// trunk's latents at timestep.
func (s *Store) LoadBranch(timestep, column int) *Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBranchLocked(timestep, column)
}

func (s *Store) loadBranchLocked(timestep, column int) *Op {
	if s.closed {
		return failedOp(ErrClosed)
	}
	cell, err := s.cellLocked(timestep, column)
	if err != nil {
		return failedOp(err)
	}
	cell.clear()
	defer s.notifyLocked()

	prompt := s.promptLocked()
	if prompt == nil {
		return failedOp(ErrNoPrompts)
	}
	if s.trunk.branch == nil {
		return failedOp(ErrTrunkNotReady)
	}
	latents := s.trunk.branch.Trajectory.Latents(timestep)
	if latents == nil {
		return failedOp(fmt.Errorf("%w: missing timestep %d", ErrIncompleteTrunk, timestep))
	}

	t, c := timestep, column
	req := s.api.FetchBranch(s.ctx, prompt, latents, &t, s.seedLocked(&t, &c), s.timesteps())
	cell.req = req

	return s.spawn(func() error {
		<-req.Done()
		branch, err := req.Result()

		s.mu.Lock()
		defer s.mu.Unlock()
		if cell.req != req {
			if err != nil {
				return err
			}
			return ErrDiscarded
		}
		cell.req = nil
		if err == nil {
			cell.branch = branch
		}
		s.notifyLocked()
		return err
	})
}

// LoadBranchesAt loads every column of each given timestep
func (s *Store) LoadBranchesAt(timesteps []int) []*Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBranchesAtLocked(timesteps)
}

func (s *Store) loadBranchesAtLocked(timesteps []int) []*Op {
	ops := make([]*Op, 0, len(timesteps)*s.config.Columns)
	for _, t := range timesteps {
		for i := 0; i < s.config.Columns; i++ {
			ops = append(ops, s.loadBranchLocked(t, i))
		}
	}
	return ops
}

// ClearTrunk cancels the trunk's pending request and empties it
func (s *Store) ClearTrunk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trunk.clear()
	s.notifyLocked()
}

// ClearBranch cancels the cell's pending request and empties it
func (s *Store) ClearBranch(timestep, column int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, err := s.cellLocked(timestep, column)
	if err != nil {
		return err
	}
	cell.clear()
	s.notifyLocked()
	return nil
}

// ClearBranchesAt clears every column of each given timestep
func (s *Store) ClearBranchesAt(timesteps []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearBranchesAtLocked(timesteps)
	s.notifyLocked()
}

func (s *Store) clearBranchesAtLocked(timesteps []int) {
	for _, t := range timesteps {
		for i := 0; i < s.config.Columns; i++ {
			if cell, err := s.cellLocked(t, i); err == nil {
				cell.clear()
			}
		}
	}
}

// ChangePrompt moves the selection by increment and reloads the trunk
func (s *Store) ChangePrompt(increment int) *Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptIndex += increment
	return s.loadTrunkLocked()
}

// ChangeTrunk promotes a resolved cell into the trunk. The trunk takes the branch's image, and
// the branch's trajectory entries replace the trunk's at every timestep the branch covers.
// The promoted cell is re-rolled; every other cell at a covered timestep is reloaded from the
// new trunk with its counter removed.
func (s *Store) ChangeTrunk(timestep, column int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, err := s.cellLocked(timestep, column)
	if err != nil {
		return err
	}
	if cell.branch == nil {
		return ErrBranchNotReady
	}
	if s.trunk.branch == nil {
		return ErrTrunkNotReady
	}

	branch := cell.branch
	trunk := &client.Branch{
		Image:      branch.Image,
		Trajectory: make(client.Trajectory, 0, len(s.trunk.branch.Trajectory)),
	}
	for _, e := range s.trunk.branch.Trajectory {
		if be, ok := branch.Trajectory.Get(e.Timestep); ok {
			e = be
		}
		trunk.Trajectory = append(trunk.Trajectory, e)
	}
	s.trunk.branch = trunk
	slog.Info("Trunk changed", "timestep", timestep, "column", column)

	one := 1
	s.reseedBranchLocked(timestep, column, &one)
	for _, t := range branch.Trajectory.Timesteps() {
		if _, ok := s.branches[t]; !ok {
			continue
		}
		for i := 0; i < s.config.Columns; i++ {
			if t == timestep && i == column {
				continue
			}
			s.reseedBranchLocked(t, i, nil)
		}
	}
	return nil
}

// ReseedAll bumps the prompt's global counter, forgets every cell counter and reloads the trunk
func (s *Store) ReseedAll() *Op {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompt := s.promptLocked()
	if prompt == nil {
		return failedOp(ErrNoPrompts)
	}
	prompt.Salts.All += 1
	prompt.Salts.Grid = make(map[string]int)
	return s.loadTrunkLocked()
}

// ReseedBranch adjusts the cell's counter and reloads the cell. A nil increment removes the
// counter, which restores the seed the cell had before it was ever re-rolled.
func (s *Store) ReseedBranch(timestep, column int, increment *int) *Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reseedBranchLocked(timestep, column, increment)
}

func (s *Store) reseedBranchLocked(timestep, column int, increment *int) *Op {
	if _, err := s.cellLocked(timestep, column); err != nil {
		return failedOp(err)
	}
	prompt := s.promptLocked()
	if prompt == nil {
		return failedOp(ErrNoPrompts)
	}

	key := SaltKey(timestep, column)
	if increment == nil {
		delete(prompt.Salts.Grid, key)
	} else {
		prompt.Salts.Grid[key] += *increment
	}
	return s.loadBranchLocked(timestep, column)
}

// ReseedBranchesAt applies ReseedBranch with the same increment to every column of each timestep
func (s *Store) ReseedBranchesAt(timesteps []int, increment *int) []*Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]*Op, 0, len(timesteps)*s.config.Columns)
	for _, t := range timesteps {
		for i := 0; i < s.config.Columns; i++ {
			ops = append(ops, s.reseedBranchLocked(t, i, increment))
		}
	}
	return ops
}

// Seed derives the seed of a cell from the selected prompt's salts
func (s *Store) Seed(timestep, column int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seedLocked(&timestep, &column)
}

// TrunkSeed derives the seed of the selected prompt's trunk
func (s *Store) TrunkSeed() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seedLocked(nil, nil)
}

func (s *Store) seedLocked(timestep, column *int) uint32 {
	var all, salt *int
	if prompt := s.promptLocked(); prompt != nil && prompt.Salts != nil {
		all = &prompt.Salts.All
		if timestep != nil && column != nil {
			if v, ok := prompt.Salts.Grid[SaltKey(*timestep, *column)]; ok {
				salt = &v
			}
		}
	}
	return DeriveSeed(s.hash, timestep, column, all, salt)
}

func (s *Store) timesteps() []int {
	return slices.Clone(s.config.Timesteps)
}
