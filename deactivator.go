package keel

import (
	"sort"
	"sync/atomic"
)

// SleepStats is one Update's summary, published to telemetry and queryable
// via LastStats.
type SleepStats struct {
	Tick              int   `json:"tick"`
	ActiveBodies      int   `json:"activeBodies"`
	SeedCount         int   `json:"seedCount"`
	TraversalCount    int   `json:"traversalCount"`
	IslandsFound      int   `json:"islandsFound"`
	IslandsAccepted   int   `json:"islandsAccepted"`
	BodiesDeactivated int   `json:"bodiesDeactivated"`
	SetIDsAllocated   []int `json:"setIdsAllocated"`
}

// Deactivator finds connected components of sleep-ready bodies in the active
// constraint graph and migrates them into numbered inactive sets. It never
// wakes anything and never removes bodies from the active set; the caller
// performs removal using the set ids reported in LastStats.
type Deactivator struct {
	bodies *Bodies
	solver *Solver
	pool   *BufferPool
	logger Logger

	// IslandIDPool names body/constraint set slots. Id 0 is claimed at
	// construction for the active set.
	IslandIDPool *IdPool

	TestedFractionPerFrame          float32
	TargetDeactivatedFraction       float32
	TargetTraversedFraction         float32
	InitialIslandBodyCapacity       int
	InitialIslandConstraintCapacity int

	scheduleOffset int
	tick           int
	stats          SleepStats
	telemetry      *TelemetryServer

	// per-Update shared state
	targetSeeds                Buffer[int]
	workerResults              []WorkerTraversalResults
	gatherJobs                 []gatheringJob
	traversalJobIndex          int32
	gatherJobIndex             int32
	targetDeactivatedPerThread int
	targetTraversedPerThread   int
	forced                     bool
}

func NewDeactivator(bodies *Bodies, solver *Solver, pool *BufferPool, cfg SleepConfig, logger Logger) *Deactivator {
	d := &Deactivator{
		bodies:                          bodies,
		solver:                          solver,
		pool:                            pool,
		logger:                          ensureLogger(logger),
		IslandIDPool:                    NewIdPool(16),
		TestedFractionPerFrame:          cfg.TestedFractionPerFrame,
		TargetDeactivatedFraction:       cfg.TargetDeactivatedFraction,
		TargetTraversedFraction:         cfg.TargetTraversedFraction,
		InitialIslandBodyCapacity:       cfg.InitialIslandBodyCapacity,
		InitialIslandConstraintCapacity: cfg.InitialIslandConstraintCapacity,
	}
	// claim id 0 for the active set
	if id := d.IslandIDPool.Take(); id != 0 {
		panic("fresh id pool must hand out 0 first")
	}
	return d
}

// AttachTelemetry wires a server that receives a SleepStats snapshot after
// every Update.
func (d *Deactivator) AttachTelemetry(server *TelemetryServer) {
	d.telemetry = server
}

func (d *Deactivator) LastStats() SleepStats { return d.stats }

// EnsureSetsCapacity grows the body and constraint set arrays so ids below
// capacity stay addressable.
func (d *Deactivator) EnsureSetsCapacity(capacity int) {
	highest := d.IslandIDPool.HighestPossiblyClaimed()
	d.bodies.EnsureSetsCapacity(capacity, highest)
	d.solver.EnsureSetsCapacity(capacity, highest)
}

// ResizeSetsCapacity resizes the set arrays toward capacity without dropping
// any potentially claimed id.
func (d *Deactivator) ResizeSetsCapacity(capacity int) {
	highest := d.IslandIDPool.HighestPossiblyClaimed()
	d.bodies.ResizeSetsCapacity(capacity, highest)
	d.solver.ResizeSetsCapacity(capacity, highest)
}

// ReturnSetID hands a set id back after the caller has emptied its set,
// typically from the reactivation path.
func (d *Deactivator) ReturnSetID(id int) {
	d.IslandIDPool.Return(id)
}

// Clear forgets all allocated set ids. The active set keeps id 0.
func (d *Deactivator) Clear() {
	d.IslandIDPool.Clear()
	if id := d.IslandIDPool.Take(); id != 0 {
		panic("fresh id pool must hand out 0 first")
	}
	d.scheduleOffset = 0
}

// Dispose returns the persistent scratch to the orchestrator pool.
func (d *Deactivator) Dispose() {
	d.targetSeeds.Return(d.pool)
	d.targetSeeds = Buffer[int]{}
	d.workerResults = nil
	d.gatherJobs = nil
}

// Update runs one deactivation tick: pick traversal seeds, search for
// sleep-ready islands on the dispatcher's workers, deduplicate, then gather
// survivors into freshly allocated inactive sets in parallel.
func (d *Deactivator) Update(dispatcher *ThreadDispatcher, deterministic bool) {
	activeCount := d.bodies.ActiveSet().Count
	d.tick++
	d.stats = SleepStats{Tick: d.tick, ActiveBodies: activeCount}
	if activeCount == 0 {
		return
	}

	threadCount := 1
	if dispatcher != nil {
		threadCount = dispatcher.ThreadCount()
	}

	d.collectTargetCandidates(activeCount, deterministic)
	d.stats.SeedCount = d.targetSeeds.Len()
	d.targetDeactivatedPerThread = maxInt(1, int(float32(activeCount)*d.TargetDeactivatedFraction)/threadCount)
	d.targetTraversedPerThread = maxInt(1, int(float32(activeCount)*d.TargetTraversedFraction)/threadCount)

	if cap(d.workerResults) < threadCount {
		d.workerResults = make([]WorkerTraversalResults, threadCount)
	}
	d.workerResults = d.workerResults[:threadCount]

	d.traversalJobIndex = -1
	if dispatcher != nil && threadCount > 1 {
		dispatcher.DispatchWorkers(func(workerIndex int) {
			d.findIslandsWorker(workerIndex, dispatcher.WorkerPool(workerIndex))
		})
	} else {
		d.findIslandsWorker(0, d.workerPoolOrDefault(dispatcher))
	}
	popped := int(d.traversalJobIndex) + 1
	d.stats.TraversalCount = minInt(popped, d.targetSeeds.Len())

	d.gatherJobs = d.gatherJobs[:0]
	d.dedupAndAllocate()

	if len(d.gatherJobs) > 0 {
		d.gatherJobIndex = -1
		if dispatcher != nil && threadCount > 1 {
			dispatcher.DispatchWorkers(d.gatherWorker)
		} else {
			d.gatherWorker(0)
		}
	}

	for i := range d.workerResults {
		pool := d.pool
		if dispatcher != nil {
			pool = dispatcher.WorkerPool(i)
		}
		d.workerResults[i].dispose(pool)
	}
	d.targetSeeds.Reset()

	if d.stats.IslandsAccepted > 0 {
		d.logger.Debugf("deactivated %d bodies across %d islands (sets %v)",
			d.stats.BodiesDeactivated, d.stats.IslandsAccepted, d.stats.SetIDsAllocated)
	}
	if d.telemetry != nil {
		d.telemetry.Publish(d.stats)
	}
}

// Deactivate forces the island containing the given body to sleep,
// regardless of candidacy. Returns false if the body is not in the active
// set. Runs on the calling thread.
func (d *Deactivator) Deactivate(handle BodyHandle) bool {
	if int(handle) >= len(d.bodies.HandleToLocation) {
		return false
	}
	loc := d.bodies.HandleToLocation[handle]
	if loc.SetIndex != 0 {
		return false
	}
	d.tick++
	d.stats = SleepStats{Tick: d.tick, ActiveBodies: d.bodies.ActiveSet().Count, SeedCount: 1}

	d.forced = true
	defer func() { d.forced = false }()

	if d.targetSeeds.Cap() == 0 {
		d.targetSeeds = BufferTake[int](d.pool, 16)
	}
	d.targetSeeds.Reset()
	d.targetSeeds.Append(d.pool, loc.Index)
	d.targetDeactivatedPerThread = d.bodies.ActiveSet().Count
	d.targetTraversedPerThread = d.bodies.ActiveSet().Count

	if cap(d.workerResults) < 1 {
		d.workerResults = make([]WorkerTraversalResults, 1)
	}
	d.workerResults = d.workerResults[:1]

	d.traversalJobIndex = -1
	d.findIslandsWorker(0, d.pool)
	d.stats.TraversalCount = 1

	d.gatherJobs = d.gatherJobs[:0]
	d.dedupAndAllocate()
	if len(d.gatherJobs) > 0 {
		d.gatherJobIndex = -1
		d.gatherWorker(0)
	}
	d.workerResults[0].dispose(d.pool)
	d.targetSeeds.Reset()
	return d.stats.IslandsAccepted == 1
}

func (d *Deactivator) workerPoolOrDefault(dispatcher *ThreadDispatcher) *BufferPool {
	if dispatcher != nil {
		return dispatcher.WorkerPool(0)
	}
	return d.pool
}

// collectTargetCandidates emits candidateCount seed indices, uniformly
// spaced and rotated by the persistent schedule offset so every index is
// eventually sampled. In deterministic mode seeds are remapped through a
// handle-sorted permutation, making the seed set a function of handle
// identity instead of memory layout.
func (d *Deactivator) collectTargetCandidates(activeCount int, deterministic bool) {
	candidateCount := maxInt(1, int(float32(activeCount)*d.TestedFractionPerFrame))
	spacing := activeCount / candidateCount

	if d.targetSeeds.Cap() == 0 {
		d.targetSeeds = BufferTake[int](d.pool, maxInt(candidateCount, 16))
	}
	d.targetSeeds.Reset()

	index := d.scheduleOffset
	if index > activeCount {
		// stale offset after the active set shrank; reset rather than wrap
		index = 0
		d.scheduleOffset = 0
	}
	for i := 0; i < candidateCount; i++ {
		d.targetSeeds.Append(d.pool, index)
		index += spacing
		if index > activeCount {
			index -= activeCount
		}
	}
	d.scheduleOffset++
	if d.scheduleOffset > activeCount {
		d.scheduleOffset = 0
	}

	if deterministic {
		set := d.bodies.ActiveSet()
		permutation := BufferTake[int](d.pool, activeCount)
		permutation.Resize(activeCount)
		perm := permutation.Slice()
		for i := range perm {
			perm[i] = i
		}
		sort.Slice(perm, func(a, b int) bool {
			return set.IndexToHandle[perm[a]] < set.IndexToHandle[perm[b]]
		})
		seeds := d.targetSeeds.Slice()
		for i, seed := range seeds {
			if seed < activeCount {
				seeds[i] = perm[seed]
			}
		}
		permutation.Return(d.pool)
	}
}

// findIslandsWorker pops seeds off the shared counter and runs traversals
// until the seeds run out or either per-thread quota is met.
func (d *Deactivator) findIslandsWorker(workerIndex int, pool *BufferPool) {
	activeCount := d.bodies.ActiveSet().Count
	results := &d.workerResults[workerIndex]
	results.TraversedBodies = NewIndexSet(pool, activeCount)
	results.Islands = results.Islands[:0]

	consideredBodies := NewIndexSet(pool, activeCount)
	handleSpace := maxInt(d.solver.HandlePool.HighestPossiblyClaimed()+1, 1)
	consideredConstraints := NewIndexSet(pool, handleSpace)
	stack := BufferTake[int](pool, 64)
	bodyIndices := BufferTake[int](pool, d.InitialIslandBodyCapacity)
	constraintHandles := BufferTake[ConstraintHandle](pool, d.InitialIslandConstraintCapacity)
	connectedScratch := make([]int, 0, 8)

	seeds := d.targetSeeds.Slice()
	deactivated, traversed := 0, 0
	for deactivated < d.targetDeactivatedPerThread && traversed < d.targetTraversedPerThread {
		job := int(atomic.AddInt32(&d.traversalJobIndex, 1))
		if job >= len(seeds) {
			break
		}
		seed := seeds[job]
		if seed >= activeCount {
			// the schedule wrap admits one out-of-range seed; skip it
			continue
		}

		success := d.collectIsland(pool, results, seed, &consideredBodies, &consideredConstraints, &stack, &bodyIndices, &constraintHandles)
		traversed += bodyIndices.Len()
		if success && bodyIndices.Len() > 0 {
			deactivated += bodyIndices.Len()
			island := newIsland(pool, bodyIndices)
			for _, handle := range constraintHandles.Slice() {
				connectedScratch = connectedScratch[:0]
				d.solver.EnumerateConnectedBodies(handle, func(bodyIndex int) bool {
					connectedScratch = append(connectedScratch, bodyIndex)
					return true
				})
				island.addConstraint(pool, handle, d.solver.ConstraintType(handle), connectedScratch)
			}
			results.Islands = append(results.Islands, island)
		}
		// a failed traversal leaves its marks in TraversedBodies but its
		// partial island accumulation is discarded here
		bodyIndices.Reset()
		constraintHandles.Reset()
		consideredBodies.Clear()
		consideredConstraints.Clear()
		stack.Reset()
	}

	consideredBodies.Return(pool)
	consideredConstraints.Return(pool)
	stack.Return(pool)
	bodyIndices.Return(pool)
	constraintHandles.Return(pool)
}

// collectIsland runs one depth-first traversal from seed. On success the
// visited bodies are in bodyIndices in DFS order and every constraint of the
// component is in constraintHandles. On failure (a body refuses traversal)
// the caller discards the partial accumulation.
func (d *Deactivator) collectIsland(pool *BufferPool, results *WorkerTraversalResults, seed int,
	consideredBodies, consideredConstraints *IndexSet,
	stack, bodyIndices *Buffer[int], constraintHandles *Buffer[ConstraintHandle]) bool {

	if !d.testBody(results, seed) {
		return false
	}
	consideredBodies.AddUnsafely(seed)
	stack.Append(pool, seed)
	bodyIndices.Append(pool, seed)

	set := d.bodies.ActiveSet()
	for stack.Len() > 0 {
		bodyIndex := stack.At(stack.Len() - 1)
		stack.Resize(stack.Len() - 1)

		for _, ref := range set.Constraints[bodyIndex] {
			handle := ref.ConnectingConstraintHandle
			if consideredConstraints.Contains(int(handle)) {
				continue
			}
			consideredConstraints.AddUnsafely(int(handle))
			constraintHandles.Append(pool, handle)

			disqualified := false
			d.solver.EnumerateConnectedBodies(handle, func(connected int) bool {
				if connected == bodyIndex || consideredBodies.Contains(connected) {
					return true
				}
				if !d.testBody(results, connected) {
					disqualified = true
					return false
				}
				consideredBodies.AddUnsafely(connected)
				stack.Append(pool, connected)
				bodyIndices.Append(pool, connected)
				return true
			})
			if disqualified {
				return false
			}
		}
	}
	return true
}

// testBody is the traversal predicate. Marking into the worker's cumulative
// TraversedBodies happens before the candidacy check, so a rejected body
// still blocks later seeds on the same worker from re-walking its component.
func (d *Deactivator) testBody(results *WorkerTraversalResults, bodyIndex int) bool {
	if results.TraversedBodies.Contains(bodyIndex) {
		return false
	}
	results.TraversedBodies.AddUnsafely(bodyIndex)
	if d.forced {
		return true
	}
	return d.bodies.ActiveSet().Activity[bodyIndex].DeactivationCandidate
}

// dedupAndAllocate walks workers in ascending index, drops islands whose
// identity body was already traversed by an earlier worker, and allocates a
// set id plus gather jobs for each survivor. Two workers that found the same
// component must both have visited all of it, so testing the identity body
// against each previous worker's traversal union is sufficient.
func (d *Deactivator) dedupAndAllocate() {
	for workerIndex := range d.workerResults {
		results := &d.workerResults[workerIndex]
		d.stats.IslandsFound += len(results.Islands)
		for islandIndex := range results.Islands {
			island := &results.Islands[islandIndex]
			identity := island.BodyIndices.At(0)
			duplicate := false
			for previous := 0; previous < workerIndex; previous++ {
				if d.workerResults[previous].TraversedBodies.Contains(identity) {
					duplicate = true
					break
				}
			}
			if duplicate {
				d.logger.Debugf("dropping duplicate island with identity body %d from worker %d", identity, workerIndex)
				continue
			}
			d.allocateIslandSet(island)
		}
	}
}

// allocateIslandSet takes a fresh set id, sizes the target body and
// constraint sets exactly to the island, and enqueues the copy work.
// Growth happens before the first write into either set array.
func (d *Deactivator) allocateIslandSet(island *Island) {
	setID := d.IslandIDPool.Take()
	d.EnsureSetsCapacity(setID + 1)

	bodyCount := island.BodyIndices.Len()
	target := newBodySet(bodyCount)
	target.Count = bodyCount
	d.bodies.Sets[setID] = target

	constraintSet := ConstraintSet{Batches: make([]ConstraintBatch, len(island.Protobatches))}
	for batchIndex := range island.Protobatches {
		proto := &island.Protobatches[batchIndex]
		batch := newConstraintBatch()
		for _, protoTypeBatch := range proto.TypeBatches {
			n := protoTypeBatch.Handles.Len()
			batch.TypeIndexToTypeBatchIndex[protoTypeBatch.TypeID] = len(batch.TypeBatches)
			batch.TypeBatches = append(batch.TypeBatches, TypeBatch{
				TypeID:         protoTypeBatch.TypeID,
				IndexToHandle:  make([]ConstraintHandle, n),
				BodyReferences: make([][]int, n),
				PrestepData:    make([][]float32, n),
			})
		}
		constraintSet.Batches[batchIndex] = batch
	}
	d.solver.Sets[setID] = constraintSet

	bodySource := island.BodyIndices.Slice()
	splitRanges(bodyCount, func(start, end int) {
		d.gatherJobs = append(d.gatherJobs, gatheringJob{
			Kind:          gatherBodies,
			TargetSetID:   setID,
			Start:         start,
			End:           end,
			SourceIndices: bodySource,
		})
	})
	for batchIndex := range island.Protobatches {
		proto := &island.Protobatches[batchIndex]
		for _, protoTypeBatch := range proto.TypeBatches {
			typeBatchIndex := constraintSet.Batches[batchIndex].TypeIndexToTypeBatchIndex[protoTypeBatch.TypeID]
			handles := protoTypeBatch.Handles.Slice()
			typeID := protoTypeBatch.TypeID
			splitRanges(len(handles), func(start, end int) {
				d.gatherJobs = append(d.gatherJobs, gatheringJob{
					Kind:                 gatherConstraints,
					TargetSetID:          setID,
					Start:                start,
					End:                  end,
					SourceHandles:        handles,
					TargetBatchIndex:     batchIndex,
					TargetTypeBatchIndex: typeBatchIndex,
					TypeID:               typeID,
				})
			})
		}
	}

	d.stats.IslandsAccepted++
	d.stats.BodiesDeactivated += bodyCount
	d.stats.SetIDsAllocated = append(d.stats.SetIDsAllocated, setID)
}

// gatherWorker drains the gather job queue.
func (d *Deactivator) gatherWorker(workerIndex int) {
	for {
		jobIndex := int(atomic.AddInt32(&d.gatherJobIndex, 1))
		if jobIndex >= len(d.gatherJobs) {
			return
		}
		job := &d.gatherJobs[jobIndex]
		switch job.Kind {
		case gatherBodies:
			d.gatherBodyRange(job)
		case gatherConstraints:
			d.gatherConstraintRange(job)
		}
	}
}

func (d *Deactivator) gatherBodyRange(job *gatheringJob) {
	source := d.bodies.ActiveSet()
	target := &d.bodies.Sets[job.TargetSetID]
	for i := job.Start; i < job.End; i++ {
		sourceIndex := job.SourceIndices[i]
		handle := source.IndexToHandle[sourceIndex]
		target.IndexToHandle[i] = handle
		target.Activity[i] = source.Activity[sourceIndex]
		target.Collidables[i] = source.Collidables[sourceIndex]
		// the constraint list moves by reference; the active-set removal
		// that follows must transfer ownership, not dispose it
		target.Constraints[i] = source.Constraints[sourceIndex]
		target.LocalInertias[i] = source.LocalInertias[sourceIndex]
		target.Poses[i] = source.Poses[sourceIndex]
		target.Velocities[i] = source.Velocities[sourceIndex]
		d.bodies.HandleToLocation[handle] = BodyLocation{SetIndex: job.TargetSetID, Index: i}
	}
}

func (d *Deactivator) gatherConstraintRange(job *gatheringJob) {
	target := &d.solver.Sets[job.TargetSetID].Batches[job.TargetBatchIndex].TypeBatches[job.TargetTypeBatchIndex]
	d.solver.TypeProcessors[job.TypeID].GatherActiveConstraints(d.bodies, d.solver, job.SourceHandles, job.Start, job.End, target)
	for i := job.Start; i < job.End; i++ {
		handle := job.SourceHandles[i]
		d.solver.HandleToConstraint[handle] = constraintLocation{
			SetIndex:       job.TargetSetID,
			BatchIndex:     job.TargetBatchIndex,
			TypeBatchIndex: job.TargetTypeBatchIndex,
			RowIndex:       i,
		}
	}
}
