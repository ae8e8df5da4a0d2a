package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/richinsley/diffgrid/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fetchResult struct {
	branch *client.Branch
	err    error
}

type fakeCall struct {
	prompt       *client.Prompt
	latents      *client.Latents
	timestep     *int
	seed         uint32
	trajectoryAt []int
	req          *client.BranchRequest
	results      chan fetchResult
}

func (c *fakeCall) resolve(b *client.Branch) {
	c.results <- fetchResult{branch: b}
}

func (c *fakeCall) isTrunk() bool {
	return c.timestep == nil
}

// fakeFetcher records every branch computation; each stays pending until resolved by the test
type fakeFetcher struct {
	prompts    []*client.Prompt
	promptsErr error

	mu    sync.Mutex
	calls []*fakeCall
}

func (f *fakeFetcher) FetchPrompts(ctx context.Context) ([]*client.Prompt, error) {
	return f.prompts, f.promptsErr
}

func (f *fakeFetcher) FetchBranch(ctx context.Context, prompt *client.Prompt, latents *client.Latents, timestep *int, seed uint32, trajectoryAt []int) *client.BranchRequest {
	call := &fakeCall{
		prompt:       prompt,
		latents:      latents,
		timestep:     timestep,
		seed:         seed,
		trajectoryAt: trajectoryAt,
		results:      make(chan fetchResult, 1),
	}
	call.req = client.StartBranchRequest(ctx, func(ctx context.Context) (*client.Branch, error) {
		select {
		case r := <-call.results:
			return r.branch, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return call.req
}

func (f *fakeFetcher) snapshot() []*fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeCall(nil), f.calls...)
}

func (f *fakeFetcher) trunkCalls() []*fakeCall {
	var retv []*fakeCall
	for _, c := range f.snapshot() {
		if c.isTrunk() {
			retv = append(retv, c)
		}
	}
	return retv
}

// latestCell returns the most recent computation issued for a cell
func (f *fakeFetcher) latestCell(timestep int, seed uint32) *fakeCall {
	calls := f.snapshot()
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		if c.timestep != nil && *c.timestep == timestep && c.seed == seed {
			return c
		}
	}
	return nil
}

func entry(t int, tag string) client.TrajectoryEntry {
	return client.TrajectoryEntry{
		Timestep:  t,
		Image:     "img-" + tag,
		Tensor:    "tensor-" + tag,
		Signature: "sig-" + tag,
	}
}

func trunkBranch(tag string, timesteps ...int) *client.Branch {
	b := &client.Branch{Image: "trunk-" + tag}
	for _, t := range timesteps {
		b.Trajectory = append(b.Trajectory, entry(t, tag))
	}
	return b
}

var smallConfig = Config{Timesteps: []int{900, 800, 700}, Columns: 2}

func twoPrompts() []*client.Prompt {
	return []*client.Prompt{
		{Text: "fantasy wizard", Signature: "s1"},
		{Text: "sailboat at sea", Signature: "s2"},
	}
}

func waitForState(t *testing.T, s *Store, cond func(State) bool) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = s.Snapshot()
		return cond(st)
	}, 2*time.Second, 2*time.Millisecond)
	return st
}

// loadedStore runs Load and resolves the trunk, leaving every cell pending
func loadedStore(t *testing.T) (*Store, *fakeFetcher) {
	t.Helper()
	f := &fakeFetcher{prompts: twoPrompts()}
	s := NewStore(f, WithConfig(smallConfig))
	t.Cleanup(s.Close)

	require.NoError(t, s.Load().Wait(context.Background()))
	trunks := f.trunkCalls()
	require.Len(t, trunks, 1)
	trunks[0].resolve(trunkBranch("A", 900, 800, 700))

	waitForState(t, s, func(st State) bool {
		return st.Trunk.Status == SlotResolved && st.Count(SlotPending) == 6
	})
	return s, f
}

func TestLoadEndToEnd(t *testing.T) {
	f := &fakeFetcher{prompts: twoPrompts()}
	s := NewStore(f)
	defer s.Close()

	require.NoError(t, s.Load().Wait(context.Background()))

	st := s.Snapshot()
	assert.Equal(t, 0, st.PromptIndex)
	require.Len(t, st.Prompts, 2)
	for _, p := range st.Prompts {
		assert.Equal(t, &client.Salts{All: 1, Grid: map[string]int{}}, p.Salts)
	}
	assert.Equal(t, SlotPending, st.Trunk.Status)
	assert.Equal(t, 12, st.Count(SlotEmpty))

	trunks := f.trunkCalls()
	require.Len(t, trunks, 1)
	trunk := trunks[0]
	assert.Equal(t, "fantasy wizard", trunk.prompt.Text)
	assert.Nil(t, trunk.latents)
	assert.Equal(t, DefaultConfig.Timesteps, trunk.trajectoryAt)
	assert.Equal(t, s.TrunkSeed(), trunk.seed)

	trunk.resolve(trunkBranch("A", 921, 821, 701))
	st = waitForState(t, s, func(st State) bool { return st.Count(SlotPending) == 12 })
	assert.Equal(t, SlotResolved, st.Trunk.Status)
	assert.Equal(t, "trunk-A", st.Trunk.Branch.Image)

	// each cell resumes from the trunk latents at its own timestep
	for _, ts := range DefaultConfig.Timesteps {
		for c := 0; c < DefaultConfig.Columns; c++ {
			call := f.latestCell(ts, s.Seed(ts, c))
			require.NotNil(t, call, "cell %d/%d", ts, c)
			assert.Equal(t, trunkBranch("A", ts).Trajectory[0].Latents(), call.latents)
			assert.Equal(t, DefaultConfig.Timesteps, call.trajectoryAt)
		}
	}
}

func TestLoadKeepsExistingSalts(t *testing.T) {
	prompts := twoPrompts()
	prompts[1].Salts = &client.Salts{All: 5, Grid: map[string]int{"b921x0": 2}}
	f := &fakeFetcher{prompts: prompts}
	s := NewStore(f)
	defer s.Close()

	require.NoError(t, s.Load().Wait(context.Background()))
	st := s.Snapshot()
	assert.Equal(t, &client.Salts{All: 5, Grid: map[string]int{"b921x0": 2}}, st.Prompts[1].Salts)
}

func TestLoadFailures(t *testing.T) {
	boom := errors.New("boom")
	s := NewStore(&fakeFetcher{promptsErr: boom})
	defer s.Close()
	assert.ErrorIs(t, s.Load().Wait(context.Background()), boom)

	empty := NewStore(&fakeFetcher{prompts: []*client.Prompt{}})
	defer empty.Close()
	assert.ErrorIs(t, empty.Load().Wait(context.Background()), ErrNoPrompts)
	assert.ErrorIs(t, empty.LoadTrunk().Wait(context.Background()), ErrNoPrompts)
}

func TestBranchResolves(t *testing.T) {
	s, f := loadedStore(t)

	call := f.latestCell(800, s.Seed(800, 1))
	require.NotNil(t, call)
	call.resolve(trunkBranch("B", 800, 700))

	st := waitForState(t, s, func(st State) bool {
		c, _ := st.Cell(800, 1)
		return c.Status == SlotResolved
	})
	cell, _ := st.Cell(800, 1)
	assert.Equal(t, "trunk-B", cell.Branch.Image)
}

func TestClearBranchCancelsPendingLoad(t *testing.T) {
	s, f := loadedStore(t)

	call := f.latestCell(900, s.Seed(900, 0))
	require.NotNil(t, call)
	require.NoError(t, s.ClearBranch(900, 0))

	_, err := call.req.Wait(context.Background())
	assert.True(t, client.IsCanceled(err))

	cell, _ := s.Snapshot().Cell(900, 0)
	assert.Equal(t, SlotEmpty, cell.Status)

	assert.ErrorIs(t, s.ClearBranch(123, 0), ErrUnknownCell)
	assert.ErrorIs(t, s.ClearBranch(900, 9), ErrUnknownCell)
}

func TestLoadBranchRejectsCancelledLoad(t *testing.T) {
	s, _ := loadedStore(t)

	op := s.LoadBranch(700, 1)
	s.ClearBranch(700, 1)
	err := op.Wait(context.Background())
	assert.True(t, client.IsCanceled(err))
}

func TestReloadSupersedesEarlierRequest(t *testing.T) {
	s, f := loadedStore(t)

	first := f.latestCell(800, s.Seed(800, 0))
	require.NotNil(t, first)
	op := s.LoadBranch(800, 0)
	second := f.snapshot()[len(f.snapshot())-1]
	require.NotSame(t, first, second)

	// the first request was cancelled by the reload; even if it produced a result it must not land
	_, err := first.req.Wait(context.Background())
	assert.True(t, client.IsCanceled(err))

	second.resolve(trunkBranch("new", 800))
	require.NoError(t, op.Wait(context.Background()))
	cell, _ := s.Snapshot().Cell(800, 0)
	assert.Equal(t, "trunk-new", cell.Branch.Image)
}

func TestLateResultOfSupersededRequestIsDiscarded(t *testing.T) {
	s, f := loadedStore(t)

	op := s.LoadBranch(800, 0)
	calls := f.snapshot()
	call := calls[len(calls)-1]

	// the cell moves on to another request without the first one being aborted
	other := client.StartBranchRequest(context.Background(), func(ctx context.Context) (*client.Branch, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	defer other.Abort()
	s.mu.Lock()
	s.branches[800][0].req = other
	s.mu.Unlock()

	call.resolve(trunkBranch("stale", 800))
	assert.ErrorIs(t, op.Wait(context.Background()), ErrDiscarded)

	cell, _ := s.Snapshot().Cell(800, 0)
	assert.Equal(t, SlotPending, cell.Status)
	assert.Nil(t, cell.Branch)
}

func TestTrunkMustCoverEveryTimestep(t *testing.T) {
	f := &fakeFetcher{prompts: twoPrompts()}
	s := NewStore(f, WithConfig(smallConfig))
	defer s.Close()

	require.NoError(t, s.Load().Wait(context.Background()))
	op := s.ChangePrompt(0)
	f.trunkCalls()[1].resolve(trunkBranch("A", 900, 800))

	assert.ErrorIs(t, op.Wait(context.Background()), ErrIncompleteTrunk)
	assert.Equal(t, SlotEmpty, s.Snapshot().Trunk.Status)
	assert.ErrorIs(t, s.LoadBranch(900, 0).Wait(context.Background()), ErrTrunkNotReady)
}

func TestChangePromptReloadsTrunk(t *testing.T) {
	s, f := loadedStore(t)
	pending := f.latestCell(900, s.Seed(900, 1))
	require.NotNil(t, pending)

	s.ChangePrompt(-1)
	st := s.Snapshot()
	assert.Equal(t, -1, st.PromptIndex)
	assert.Equal(t, "sailboat at sea", st.Prompt.Text)
	assert.Equal(t, SlotPending, st.Trunk.Status)
	assert.Equal(t, 6, st.Count(SlotEmpty))

	_, err := pending.req.Wait(context.Background())
	assert.True(t, client.IsCanceled(err))

	trunks := f.trunkCalls()
	require.Len(t, trunks, 2)
	assert.Equal(t, "sailboat at sea", trunks[1].prompt.Text)
}

func TestChangeTrunkPromotesBranch(t *testing.T) {
	s, f := loadedStore(t)

	oldSeeds := map[int]uint32{}
	for c := 0; c < smallConfig.Columns; c++ {
		oldSeeds[c] = s.Seed(800, c)
	}

	call := f.latestCell(800, s.Seed(800, 1))
	require.NotNil(t, call)
	call.resolve(&client.Branch{
		Image:      "branch-image",
		Trajectory: client.Trajectory{entry(800, "B2")},
	})
	waitForState(t, s, func(st State) bool {
		c, _ := st.Cell(800, 1)
		return c.Status == SlotResolved
	})

	before := len(f.snapshot())
	require.NoError(t, s.ChangeTrunk(800, 1))

	st := s.Snapshot()
	assert.Equal(t, "branch-image", st.Trunk.Branch.Image)
	want := client.Trajectory{entry(900, "A"), entry(800, "B2"), entry(700, "A")}
	if diff := cmp.Diff(want, st.Trunk.Branch.Trajectory); diff != "" {
		t.Errorf("trunk trajectory mismatch (-want +got):\n%s", diff)
	}

	// the promoted cell is re-rolled, the rest of its row reloaded with the new trunk latents
	prompt := s.Prompt()
	assert.Equal(t, map[string]int{SaltKey(800, 1): 1}, prompt.Salts.Grid)
	assert.NotEqual(t, oldSeeds[1], s.Seed(800, 1))
	assert.Equal(t, oldSeeds[0], s.Seed(800, 0))

	issued := f.snapshot()[before:]
	require.Len(t, issued, smallConfig.Columns)
	for _, c := range issued {
		require.NotNil(t, c.timestep)
		assert.Equal(t, 800, *c.timestep)
		assert.Equal(t, &client.Latents{Tensor: "tensor-B2", Signature: "sig-B2"}, c.latents)
	}
	for _, ts := range []int{900, 700} {
		for c := 0; c < smallConfig.Columns; c++ {
			cell, _ := st.Cell(ts, c)
			assert.Equal(t, SlotPending, cell.Status, "cell %d/%d untouched", ts, c)
		}
	}
	for c := 0; c < smallConfig.Columns; c++ {
		cell, _ := st.Cell(800, c)
		assert.Equal(t, SlotPending, cell.Status)
	}
}

func TestChangeTrunkRemovesOtherCounters(t *testing.T) {
	s, f := loadedStore(t)

	s.ReseedBranch(700, 0, intp(3))
	call := f.latestCell(800, s.Seed(800, 0))
	require.NotNil(t, call)
	call.resolve(&client.Branch{Image: "x", Trajectory: client.Trajectory{entry(800, "B"), entry(700, "B")}})
	waitForState(t, s, func(st State) bool {
		c, _ := st.Cell(800, 0)
		return c.Status == SlotResolved
	})

	require.NoError(t, s.ChangeTrunk(800, 0))
	assert.Equal(t, map[string]int{SaltKey(800, 0): 1}, s.Prompt().Salts.Grid)
}

func TestChangeTrunkRequiresResolvedCell(t *testing.T) {
	s, _ := loadedStore(t)
	assert.ErrorIs(t, s.ChangeTrunk(900, 0), ErrBranchNotReady)
	assert.ErrorIs(t, s.ChangeTrunk(5, 0), ErrUnknownCell)
}

func TestReseedBranch(t *testing.T) {
	s, f := loadedStore(t)
	never := s.Seed(900, 1)

	s.ReseedBranch(900, 1, intp(1))
	assert.Equal(t, 1, s.Prompt().Salts.Grid[SaltKey(900, 1)])
	assert.NotNil(t, f.latestCell(900, s.Seed(900, 1)))

	s.ReseedBranch(900, 1, intp(2))
	assert.Equal(t, 3, s.Prompt().Salts.Grid[SaltKey(900, 1)])

	s.ReseedBranch(900, 1, nil)
	_, ok := s.Prompt().Salts.Grid[SaltKey(900, 1)]
	assert.False(t, ok)
	assert.Equal(t, never, s.Seed(900, 1))

	ops := s.ReseedBranchesAt([]int{700}, intp(1))
	assert.Len(t, ops, smallConfig.Columns)
	for c := 0; c < smallConfig.Columns; c++ {
		assert.Equal(t, 1, s.Prompt().Salts.Grid[SaltKey(700, c)])
	}
	assert.ErrorIs(t, s.ReseedBranch(1, 1, nil).Err(), ErrUnknownCell)
}

func TestReseedAll(t *testing.T) {
	s, f := loadedStore(t)
	s.ReseedBranch(900, 0, intp(1))
	trunkSeed := s.TrunkSeed()

	s.ReseedAll()
	p := s.Prompt()
	assert.Equal(t, 2, p.Salts.All)
	assert.Empty(t, p.Salts.Grid)
	assert.NotEqual(t, trunkSeed, s.TrunkSeed())

	trunks := f.trunkCalls()
	require.Len(t, trunks, 2)
	assert.Equal(t, s.TrunkSeed(), trunks[1].seed)
	st := s.Snapshot()
	assert.Equal(t, SlotPending, st.Trunk.Status)
	assert.Equal(t, 6, st.Count(SlotEmpty))
}

func TestClearTrunk(t *testing.T) {
	f := &fakeFetcher{prompts: twoPrompts()}
	s := NewStore(f, WithConfig(smallConfig))
	defer s.Close()
	require.NoError(t, s.Load().Wait(context.Background()))

	trunk := f.trunkCalls()[0]
	s.ClearTrunk()
	_, err := trunk.req.Wait(context.Background())
	assert.True(t, client.IsCanceled(err))
	assert.Equal(t, SlotEmpty, s.Snapshot().Trunk.Status)
}

func TestSubscribeAndClose(t *testing.T) {
	f := &fakeFetcher{prompts: twoPrompts()}
	s := NewStore(f, WithConfig(smallConfig))

	changes, unsubscribe := s.Subscribe()
	require.NoError(t, s.Load().Wait(context.Background()))
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	trunk := f.trunkCalls()[0]
	s.Close()
	_, err := trunk.req.Wait(context.Background())
	assert.True(t, client.IsCanceled(err))

	require.Eventually(t, func() bool {
		select {
		case _, open := <-changes:
			return !open
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	unsubscribe()

	assert.ErrorIs(t, s.LoadTrunk().Err(), ErrClosed)
	assert.ErrorIs(t, s.Load().Err(), ErrClosed)
	require.NoError(t, s.Wait(context.Background()))
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := loadedStore(t)
	st := s.Snapshot()
	st.Prompt.Salts.Grid["x"] = 1
	st.Trunk.Branch.Image = "changed"

	again := s.Snapshot()
	assert.NotContains(t, again.Prompt.Salts.Grid, "x")
	assert.Equal(t, "trunk-A", again.Trunk.Branch.Image)

	stripped := again.WithoutImages()
	assert.Empty(t, stripped.Trunk.Branch.Image)
	assert.Equal(t, "trunk-A", s.Snapshot().Trunk.Branch.Image)
}

func TestRowActions(t *testing.T) {
	s, f := loadedStore(t)
	before := len(f.snapshot())

	s.ClearBranchesAt([]int{800})
	st := s.Snapshot()
	for c := 0; c < smallConfig.Columns; c++ {
		cell, ok := st.Cell(800, c)
		require.True(t, ok)
		assert.Equal(t, SlotEmpty, cell.Status)
		other, _ := st.Cell(900, c)
		assert.Equal(t, SlotPending, other.Status)
	}

	ops := s.LoadBranchesAt([]int{800})
	require.Len(t, ops, smallConfig.Columns)
	assert.Len(t, f.snapshot(), before+smallConfig.Columns)
	assert.Equal(t, 0, s.Snapshot().Count(SlotEmpty))
	for _, op := range ops {
		assert.NoError(t, op.Err())
	}
}

func TestWaitGivesUpWithoutLeaking(t *testing.T) {
	s, f := loadedStore(t)
	running := goleak.IgnoreCurrent()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
		cancel()
	}
	assert.NoError(t, goleak.Find(running))

	for _, call := range f.snapshot() {
		if !call.isTrunk() {
			call.resolve(trunkBranch("cell", smallConfig.Timesteps...))
		}
	}
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, 6, s.Snapshot().Count(SlotResolved))
}

func TestStateAddressing(t *testing.T) {
	s, _ := loadedStore(t)

	cell, ok := s.Snapshot().Cell(700, 1)
	require.True(t, ok)
	assert.Equal(t, SlotPending, cell.Status)
	_, ok = s.Snapshot().Cell(700, 2)
	assert.False(t, ok)
	_, ok = s.Snapshot().Cell(650, 0)
	assert.False(t, ok)
	assert.Equal(t, 6, s.Snapshot().Count(SlotPending))
}
