package keel

// IslandProtoTypeBatch is the pre-gather form of a type batch: the type id
// and the handles headed for it, still in traversal discovery order.
type IslandProtoTypeBatch struct {
	TypeID  int
	Handles Buffer[ConstraintHandle]
}

// IslandProtoConstraintBatch groups proto type batches whose constraints
// share no body, mirroring the solver's batch rule so the gathered
// ConstraintSet can be shaped directly from it.
type IslandProtoConstraintBatch struct {
	TypeIDToIndex map[int]int
	TypeBatches   []IslandProtoTypeBatch
	// bodies referenced by this proto batch, keyed by active index
	referencedBodies map[int]struct{}
}

// Island is one traversal's result: the bodies of a connected component in
// DFS order plus its constraints grouped into proto batches. BodyIndices[0]
// is the island's identity for deduplication.
type Island struct {
	BodyIndices  Buffer[int]
	Protobatches []IslandProtoConstraintBatch
}

func newIsland(pool *BufferPool, bodyIndices Buffer[int]) Island {
	copied := BufferTake[int](pool, maxInt(bodyIndices.Len(), 1))
	copied.Resize(bodyIndices.Len())
	copy(copied.Slice(), bodyIndices.Slice())
	return Island{BodyIndices: copied}
}

// addConstraint routes a handle into the first proto batch referencing none
// of its bodies, creating type batches on demand.
func (island *Island) addConstraint(pool *BufferPool, handle ConstraintHandle, typeID int, connectedBodies []int) {
	batchIndex := -1
	for i := range island.Protobatches {
		if !referencesAny(island.Protobatches[i].referencedBodies, connectedBodies) {
			batchIndex = i
			break
		}
	}
	if batchIndex == -1 {
		batchIndex = len(island.Protobatches)
		island.Protobatches = append(island.Protobatches, IslandProtoConstraintBatch{
			TypeIDToIndex:    make(map[int]int),
			referencedBodies: make(map[int]struct{}),
		})
	}
	batch := &island.Protobatches[batchIndex]
	for _, b := range connectedBodies {
		batch.referencedBodies[b] = struct{}{}
	}
	typeBatchIndex, ok := batch.TypeIDToIndex[typeID]
	if !ok {
		typeBatchIndex = len(batch.TypeBatches)
		batch.TypeIDToIndex[typeID] = typeBatchIndex
		batch.TypeBatches = append(batch.TypeBatches, IslandProtoTypeBatch{
			TypeID:  typeID,
			Handles: BufferTake[ConstraintHandle](pool, 16),
		})
	}
	batch.TypeBatches[typeBatchIndex].Handles.Append(pool, handle)
}

// ConstraintCount totals the handles across every proto batch.
func (island *Island) ConstraintCount() int {
	total := 0
	for i := range island.Protobatches {
		for j := range island.Protobatches[i].TypeBatches {
			total += island.Protobatches[i].TypeBatches[j].Handles.Len()
		}
	}
	return total
}

// Return releases the island's pool-owned buffers.
func (island *Island) Return(pool *BufferPool) {
	island.BodyIndices.Return(pool)
	for i := range island.Protobatches {
		for j := range island.Protobatches[i].TypeBatches {
			island.Protobatches[i].TypeBatches[j].Handles.Return(pool)
		}
	}
	island.Protobatches = nil
}

// WorkerTraversalResults is one worker's output: the union of every body it
// visited (successful traversal or not) and the islands that did succeed.
type WorkerTraversalResults struct {
	TraversedBodies IndexSet
	Islands         []Island
}

func (r *WorkerTraversalResults) dispose(pool *BufferPool) {
	r.TraversedBodies.Return(pool)
	for i := range r.Islands {
		r.Islands[i].Return(pool)
	}
	r.Islands = nil
}

type gatherJobKind byte

const (
	gatherBodies gatherJobKind = iota
	gatherConstraints
)

// gatheringJob is one contiguous slice of copy work: either island bodies
// into a target body set, or one proto type batch's handles into a target
// type batch.
type gatheringJob struct {
	Kind        gatherJobKind
	TargetSetID int
	Start, End  int

	// body jobs
	SourceIndices []int

	// constraint jobs
	SourceHandles        []ConstraintHandle
	TargetBatchIndex     int
	TargetTypeBatchIndex int
	TypeID               int
}

// splitRanges partitions [0, count) into max(1, count/32) contiguous ranges,
// handing the first count%rangeCount ranges one extra element.
func splitRanges(count int, emit func(start, end int)) {
	rangeCount := count / 32
	if rangeCount < 1 {
		rangeCount = 1
	}
	base := count / rangeCount
	remainder := count % rangeCount
	start := 0
	for i := 0; i < rangeCount; i++ {
		size := base
		if i < remainder {
			size++
		}
		emit(start, start+size)
		start += size
	}
}
