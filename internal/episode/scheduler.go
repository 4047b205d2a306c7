// Package episode implements the self-play episode scheduler: it plays batches of games between the
// "current" and the "best" networks, grouped in tasks of N-way replicas of a root state, and collects
// the memories used to train the current network.
//
// Each episode runs these phases:
//
//   - BUILD: replicate each task's root state NWay times.
//   - IMPROVE_POLICY: infer and correct the policies of every line, weight them by their Q-values and sum
//     them per task into the task's improved policy.
//   - RECORD_INITIAL_MEMORIES: one memory slot per line, absent for lines already done.
//   - MATCH STEP: advance the match one move, with the improved policies, counting the results.
//   - ROLLOUT ROUNDS: play every line of the as-built batch to the end, with the networks' own policies,
//     and record the outcome of each line in its memory slot.
//   - FINALIZE: move the memories to the tasks and append them to the experience store.
//
// PlayMatches runs episodes until every slot of the match is done.
package episode

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/config"
	"github.com/janpfeifer/metaqp/internal/games"
	"github.com/janpfeifer/metaqp/internal/policy"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrGameTooLong is returned when a game goes over the configured MaxGameLength.
var ErrGameTooLong = errors.New("game exceeded the maximum length")

// Role of a network in the match.
type Role int

const (
	// Current is the network being trained.
	Current Role = iota

	// Best is the best network so far.
	Best

	// NumRoles is the number of roles.
	NumRoles
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Current:
		return "current"
	case Best:
		return "best"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Results of a match, counted per finished game: wins of the current ("new") network, wins of the best
// network, and draws.
type Results struct {
	New, Best, Draw int
}

// Total number of games counted.
func (r Results) Total() int { return r.New + r.Best + r.Draw }

// Add returns the sum of the results.
func (r Results) Add(other Results) Results {
	return Results{New: r.New + other.New, Best: r.Best + other.Best, Draw: r.Draw + other.Draw}
}

// String implements fmt.Stringer.
func (r Results) String() string {
	return fmt.Sprintf("new=%d, best=%d, draw=%d", r.New, r.Best, r.Draw)
}

// TaskRecorder receives the finalized tasks of each episode. It is implemented by memories.Store.
type TaskRecorder interface {
	Append(tasks ...*Task)
}

// Scheduler plays the self-play episodes. It is not safe for concurrent use.
type Scheduler struct {
	cfg       config.Config
	game      games.Game
	corrector policy.Corrector
	networks  [NumRoles]ai.QPModel
	recorder  TaskRecorder
	rng       *rand.Rand
}

// NewScheduler creates a Scheduler for the game, with the current and best networks.
// Finalized tasks are appended to recorder.
func NewScheduler(cfg config.Config, game games.Game, current, best ai.QPModel, recorder TaskRecorder, rng *rand.Rand) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shape := game.Shape()
	if shape != (state.Shape{Channels: cfg.Channels, Rows: cfg.Rows, Cols: cfg.Cols}) {
		return nil, errors.Errorf("game %s has state shape %s, configuration has [%d x %d x %d]",
			game, shape, cfg.Channels, cfg.Rows, cfg.Cols)
	}
	if game.NumActions() != cfg.NumActions || game.PlayerChannel() != cfg.PlayerChannel {
		return nil, errors.Errorf("game %s has %d actions and player channel %d, configuration has %d and %d",
			game, game.NumActions(), game.PlayerChannel(), cfg.NumActions, cfg.PlayerChannel)
	}
	if current == nil || best == nil || recorder == nil || rng == nil {
		return nil, errors.New("episode.NewScheduler requires the current and best networks, a recorder and a rng")
	}
	s := &Scheduler{
		cfg:       cfg,
		game:      game,
		corrector: policy.Corrector{Game: game, LegalityChannels: cfg.LegalityChannels},
		recorder:  recorder,
		rng:       rng,
	}
	s.networks[Current] = current
	s.networks[Best] = best
	return s, nil
}

// network returns the network playing the given role.
func (s *Scheduler) network(role Role) ai.QPModel {
	return s.networks[role]
}

// Match is the state of a batch of games between the current and the best networks, carried
// from one episode to the next.
type Match struct {
	// roots and rootPlies of each task: the position the next episode starts from.
	roots     []*state.State
	rootPlies []int

	// isDone and numDone per slot of the match.
	isDone  []bool
	numDone int

	startingPlayers []int
	bestStarts      int
	episodes        int

	// Results accumulated so far.
	Results Results
}

// NewMatch creates a match from the given root states: either one per task, or a single one used for all tasks.
//
// The starting player of each task and which network starts are drawn uniformly. The starting player is
// stamped into the roots' player channel, the given states are not modified.
func (s *Scheduler) NewMatch(roots []*state.State) (*Match, error) {
	numTasks := s.cfg.NumTasks()
	if len(roots) != 1 && len(roots) != numTasks {
		return nil, errors.Errorf("NewMatch requires 1 or %d root states, got %d", numTasks, len(roots))
	}
	m := &Match{
		roots:           make([]*state.State, numTasks),
		rootPlies:       make([]int, numTasks),
		isDone:          make([]bool, s.cfg.EpisodeBatchSize),
		startingPlayers: make([]int, numTasks),
		bestStarts:      s.rng.IntN(2),
	}
	for taskIdx := range numTasks {
		root := roots[0]
		if len(roots) > 1 {
			root = roots[taskIdx]
		}
		if root.Shape != s.game.Shape() {
			return nil, errors.Errorf("root state #%d has shape %s, game %s requires %s", taskIdx, root.Shape, s.game, s.game.Shape())
		}
		m.startingPlayers[taskIdx] = s.rng.IntN(2)
		m.roots[taskIdx] = root.Clone()
		m.roots[taskIdx].SetCurrentPlayer(m.startingPlayers[taskIdx])
	}
	return m, nil
}

// Done returns whether every slot of the match is done.
func (m *Match) Done() bool { return m.numDone == len(m.isDone) }

// NumDone returns the number of slots of the match that are done.
func (m *Match) NumDone() int { return m.numDone }

// Episodes returns the number of episodes played in the match.
func (m *Match) Episodes() int { return m.episodes }

// PlayMatches plays a match from the given roots (see NewMatch) to the end, one episode at a time, and
// returns the results.
func (s *Scheduler) PlayMatches(ctx context.Context, roots []*state.State) (Results, error) {
	m, err := s.NewMatch(roots)
	if err != nil {
		return Results{}, err
	}
	for !m.Done() {
		if err := s.RunEpisode(ctx, m); err != nil {
			return m.Results, err
		}
		klog.V(1).Infof("Episode #%d: %d/%d match slots done, results so far: %s",
			m.episodes, m.numDone, len(m.isDone), m.Results)
	}
	return m.Results, nil
}

// roleAt returns the role of the network that moves at a slot with the given ply.
func (m *Match) roleAt(ply int) Role {
	if (ply+m.bestStarts)%2 == 1 {
		return Best
	}
	return Current
}

// RunEpisode runs one episode of the match: it advances the match by one move and appends to the
// recorder one task per unfinished task of the match.
//
// If it returns an error the match is left as it was, and no tasks are recorded.
func (s *Scheduler) RunEpisode(ctx context.Context, m *Match) error {
	if m.Done() {
		return errors.New("RunEpisode called on a finished match")
	}
	if s.cfg.MaxGameLength > 0 && m.episodes >= s.cfg.MaxGameLength {
		return errors.Wrapf(ErrGameTooLong, "match still running after %d episodes", m.episodes)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := s.build(m)
	corrected, err := s.improvePolicies(m, batch)
	if err != nil {
		return err
	}
	s.recordInitialMemories(batch, corrected)

	// The rollouts start from the batch as built, before the match step changes it.
	rollout := batch.clone()
	results, err := s.matchStep(m, batch)
	if err != nil {
		return err
	}
	if err := s.rollout(ctx, m, rollout, corrected); err != nil {
		return err
	}
	tasks, err := s.finalize(batch)
	if err != nil {
		return err
	}

	// The match only advances once the whole episode succeeded.
	m.advance(batch, results)
	s.recorder.Append(tasks...)
	return nil
}

// build creates the TaskBatch for the episode, with NWay clones of each task's root.
func (s *Scheduler) build(m *Match) *TaskBatch {
	nWay := s.cfg.NWay
	batch := &TaskBatch{
		nWay:    nWay,
		states:  make([]*state.State, s.cfg.EpisodeBatchSize),
		plies:   make([]int, s.cfg.EpisodeBatchSize),
		isDone:  append([]bool(nil), m.isDone...),
		numDone: m.numDone,
		tasks:   make([]*Task, len(m.roots)),
	}
	for taskIdx, root := range m.roots {
		firstSlot := taskIdx * nWay
		if !m.isDone[firstSlot] {
			batch.tasks[taskIdx] = newTask(root, m.startingPlayers[taskIdx], nWay)
		}
		for slot := firstSlot; slot < firstSlot+nWay; slot++ {
			batch.states[slot] = root.Clone()
			batch.plies[slot] = m.rootPlies[taskIdx]
		}
	}
	return batch
}

// infer runs the networks on the given slots, each slot with the network whose turn it is.
// It returns full batch sized qs and (uncorrected) policies, filled only at the given slots.
// inputPolicies, if not nil, are indexed by slot.
func (s *Scheduler) infer(m *Match, batch *TaskBatch, slots []int, inputPolicies [][]float32, percentRandom float32) (qs []float32, policies [][]float32) {
	qs = make([]float32, batch.Size())
	policies = make([][]float32, batch.Size())
	var byRole [NumRoles][]int
	for _, slot := range slots {
		role := m.roleAt(batch.plies[slot])
		byRole[role] = append(byRole[role], slot)
	}
	for role, roleSlots := range byRole {
		if len(roleSlots) == 0 {
			continue
		}
		states := make([]*state.State, len(roleSlots))
		var roleInputs [][]float32
		if inputPolicies != nil {
			roleInputs = make([][]float32, len(roleSlots))
		}
		for ii, slot := range roleSlots {
			states[ii] = batch.states[slot]
			if inputPolicies != nil {
				roleInputs[ii] = inputPolicies[slot]
			}
		}
		roleQs, rolePolicies := s.network(Role(role)).Forward(states, roleInputs, percentRandom)
		for ii, slot := range roleSlots {
			qs[slot] = roleQs[ii]
			policies[slot] = rolePolicies[ii]
		}
	}
	return
}

// improvePolicies infers and corrects the policies of every slot of the unfinished tasks, and sets the
// tasks' ImprovedPolicy. It returns the corrected policies, indexed by slot (nil for finished tasks).
func (s *Scheduler) improvePolicies(m *Match, batch *TaskBatch) (corrected [][]float32, err error) {
	nWay := s.cfg.NWay
	var slots []int
	for taskIdx, task := range batch.tasks {
		if task == nil {
			continue
		}
		for line := range nWay {
			slots = append(slots, taskIdx*nWay+line)
		}
	}
	_, raw := s.infer(m, batch, slots, nil, s.cfg.PercentRandom)
	corrected = make([][]float32, batch.Size())
	if err = s.correctSlots(batch, slots, raw, corrected); err != nil {
		return nil, err
	}

	// Q-values of the corrected policies: they weight the policies of each line.
	qs, _ := s.infer(m, batch, slots, corrected, 0)
	for taskIdx, task := range batch.tasks {
		if task == nil {
			continue
		}
		summed := make([]float32, s.cfg.NumActions)
		for line := range nWay {
			slot := taskIdx*nWay + line
			scaledQ := (qs[slot] + 1) / 2
			for action, prob := range corrected[slot] {
				summed[action] += prob * scaledQ
			}
		}
		task.ImprovedPolicy = s.corrector.Correct(summed, batch.states[taskIdx*nWay])
		if policy.Mass(task.ImprovedPolicy) == 0 {
			return nil, errors.Wrapf(policy.ErrDegeneratePolicy, "improved policy of task #%d (%s)", taskIdx, task)
		}
	}
	return corrected, nil
}

// correctSlots corrects the raw policies of the given slots, and writes them to corrected. Both raw and
// corrected are indexed by slot.
func (s *Scheduler) correctSlots(batch *TaskBatch, slots []int, raw, corrected [][]float32) error {
	raws := make([][]float32, len(slots))
	states := make([]*state.State, len(slots))
	for ii, slot := range slots {
		raws[ii] = raw[slot]
		states[ii] = batch.states[slot]
	}
	rows, err := s.corrector.CorrectBatch(raws, states)
	if err != nil {
		return err
	}
	for ii, slot := range slots {
		corrected[slot] = rows[ii]
	}
	return nil
}

// recordInitialMemories adds one memory slot per line of each unfinished task: present with the line's
// corrected policy if the line is live, absent otherwise.
func (s *Scheduler) recordInitialMemories(batch *TaskBatch, corrected [][]float32) {
	for slot := range batch.Size() {
		taskIdx, _ := batch.TaskOf(slot)
		task := batch.tasks[taskIdx]
		if task == nil {
			continue
		}
		if batch.isDone[slot] {
			task.addAbsent()
		} else {
			task.addPresent(corrected[slot])
		}
	}
}

// transition samples an action for slot from p, and applies it.
func (s *Scheduler) transition(batch *TaskBatch, slot int, p []float32) (next *state.State, reward float32, isTerminal bool, err error) {
	action, err := policy.Sample(p, s.rng)
	if err != nil {
		taskIdx, line := batch.TaskOf(slot)
		return nil, 0, false, errors.WithMessagef(err, "slot %d (task #%d, line %d)", slot, taskIdx, line)
	}
	next, reward, isTerminal, err = s.game.TransitionAndEvaluate(batch.states[slot], action)
	if err != nil {
		taskIdx, line := batch.TaskOf(slot)
		return nil, 0, false, errors.WithMessagef(err, "game %s, slot %d (task #%d, line %d), action %d",
			s.game, slot, taskIdx, line, action)
	}
	return
}

// matchStep advances every live slot of the batch by one move, using the tasks' improved policies, and
// returns the results of the games finished. Finished games are re-seeded from a live slot of the same
// task, if any. The match itself is not changed, see Match.advance.
func (s *Scheduler) matchStep(m *Match, batch *TaskBatch) (results Results, err error) {
	for slot := range batch.Size() {
		if batch.isDone[slot] {
			continue
		}
		taskIdx, _ := batch.TaskOf(slot)
		mover := m.roleAt(batch.plies[slot])
		next, reward, isTerminal, err := s.transition(batch, slot, batch.tasks[taskIdx].ImprovedPolicy)
		if err != nil {
			return results, errors.WithMessage(err, "match step")
		}
		batch.states[slot] = next
		batch.plies[slot]++
		if !isTerminal {
			continue
		}
		if err := batch.markDone(slot); err != nil {
			return results, err
		}
		switch {
		case reward > 0 && mover == Current, reward < 0 && mover == Best:
			results.New++
		case reward == 0:
			results.Draw++
		default:
			results.Best++
		}
		batch.reseed(slot)
	}
	return results, nil
}

// advance carries the state of the batch after the match step to the next episode: the first slot of
// each task is its next root.
func (m *Match) advance(batch *TaskBatch, results Results) {
	m.episodes++
	m.Results = m.Results.Add(results)
	copy(m.isDone, batch.isDone)
	m.numDone = batch.numDone
	for taskIdx := range m.roots {
		firstSlot := taskIdx * batch.nWay
		m.roots[taskIdx] = batch.states[firstSlot]
		m.rootPlies[taskIdx] = batch.plies[firstSlot]
	}
}

// rollout plays every live line of the as-built batch to the end, and records each line's outcome in its
// memory slot. The first move uses the corrected policies of IMPROVE_POLICY, the following ones fresh
// (noiseless) inference of the network whose turn it is.
func (s *Scheduler) rollout(ctx context.Context, m *Match, batch *TaskBatch, corrected [][]float32) error {
	policies := make([][]float32, batch.Size())
	copy(policies, corrected)
	for round := 1; ; round++ {
		for _, slot := range batch.liveView() {
			next, reward, isTerminal, err := s.transition(batch, slot, policies[slot])
			if err != nil {
				return errors.WithMessagef(err, "rollout round %d", round)
			}
			batch.states[slot] = next
			batch.plies[slot]++
			if !isTerminal {
				continue
			}
			if err := batch.markDone(slot); err != nil {
				return err
			}
			taskIdx, line := batch.TaskOf(slot)
			task := batch.tasks[taskIdx]
			if task.StartingPlayer != next.CurrentPlayer() {
				reward = -reward
			}
			if err := task.resolve(line, reward); err != nil {
				return err
			}
		}
		klog.V(2).Infof("Rollout round %d: %d/%d slots done", round, batch.numDone, batch.Size())
		if batch.numDone == batch.Size() {
			return nil
		}
		live := batch.liveView()
		if s.cfg.MaxGameLength > 0 && round >= s.cfg.MaxGameLength {
			return errors.Wrapf(ErrGameTooLong, "%d slots still running after %d rollout rounds", len(live), round)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Only the live view goes through inference: the policies are scattered back by slot.
		_, raw := s.infer(m, batch, live, nil, 0)
		if err := s.correctSlots(batch, live, raw, policies); err != nil {
			return errors.WithMessagef(err, "rollout round %d", round)
		}
	}
}

// finalize resolves the memory slots of the tasks, and returns the tasks to record.
func (s *Scheduler) finalize(batch *TaskBatch) ([]*Task, error) {
	tasks := make([]*Task, 0, batch.NumTasks())
	for _, task := range batch.tasks {
		if task == nil {
			continue
		}
		if err := task.finalize(); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
