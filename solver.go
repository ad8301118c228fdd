package keel

import "fmt"

// constraintLocation resolves a constraint handle to its storage slot.
type constraintLocation struct {
	SetIndex       int
	BatchIndex     int
	TypeBatchIndex int
	RowIndex       int
}

// TypeBatch stores every constraint of one type within a batch as parallel
// row arrays. In the active set BodyReferences hold active body indices;
// gathered (sleeping) type batches hold body handles instead, since active
// indices die with the removal that follows deactivation.
type TypeBatch struct {
	TypeID         int
	IndexToHandle  []ConstraintHandle
	BodyReferences [][]int
	PrestepData    [][]float32
}

func newTypeBatch(typeID, capacity int) TypeBatch {
	return TypeBatch{
		TypeID:         typeID,
		IndexToHandle:  make([]ConstraintHandle, 0, capacity),
		BodyReferences: make([][]int, 0, capacity),
		PrestepData:    make([][]float32, 0, capacity),
	}
}

// ConstraintBatch groups type batches whose constraints share no body.
type ConstraintBatch struct {
	TypeBatches               []TypeBatch
	TypeIndexToTypeBatchIndex map[int]int
}

func newConstraintBatch() ConstraintBatch {
	return ConstraintBatch{TypeIndexToTypeBatchIndex: make(map[int]int)}
}

func (b *ConstraintBatch) typeBatchFor(typeID, capacity int) *TypeBatch {
	if idx, ok := b.TypeIndexToTypeBatchIndex[typeID]; ok {
		return &b.TypeBatches[idx]
	}
	b.TypeIndexToTypeBatchIndex[typeID] = len(b.TypeBatches)
	b.TypeBatches = append(b.TypeBatches, newTypeBatch(typeID, capacity))
	return &b.TypeBatches[len(b.TypeBatches)-1]
}

type ConstraintSet struct {
	Batches []ConstraintBatch
}

func (s *ConstraintSet) Allocated() bool {
	return s.Batches != nil
}

// TypeProcessor performs type-specific bulk operations on constraint rows.
// One dispatch covers a whole contiguous range.
type TypeProcessor interface {
	// GatherActiveConstraints copies rows for sourceHandles[start:end] out of
	// the active set into the target type batch, rebasing body references
	// from active indices to handles.
	GatherActiveConstraints(bodies *Bodies, solver *Solver, sourceHandles []ConstraintHandle, start, end int, target *TypeBatch)
}

// rowCopyProcessor is the default TypeProcessor: a straight row copy with
// index-to-handle rebasing. Payload slices move by reference; ownership
// follows the constraint into the sleeping set.
type rowCopyProcessor struct{}

func (rowCopyProcessor) GatherActiveConstraints(bodies *Bodies, solver *Solver, sourceHandles []ConstraintHandle, start, end int, target *TypeBatch) {
	activeBodies := bodies.ActiveSet()
	for i := start; i < end; i++ {
		handle := sourceHandles[i]
		loc := solver.HandleToConstraint[handle]
		if loc.SetIndex != 0 {
			panic(fmt.Sprintf("constraint %d gathered from non-active set %d", handle, loc.SetIndex))
		}
		source := &solver.Sets[0].Batches[loc.BatchIndex].TypeBatches[loc.TypeBatchIndex]
		refs := source.BodyReferences[loc.RowIndex]
		rebased := make([]int, len(refs))
		for j, bodyIndex := range refs {
			rebased[j] = int(activeBodies.IndexToHandle[bodyIndex])
		}
		target.IndexToHandle[i] = handle
		target.BodyReferences[i] = rebased
		target.PrestepData[i] = source.PrestepData[loc.RowIndex]
	}
}

// Solver owns every constraint set. Set 0 is active; higher ids are filled by
// the deactivator's gather phase.
type Solver struct {
	Sets               []ConstraintSet
	HandlePool         *IdPool
	HandleToConstraint []constraintLocation
	TypeProcessors     []TypeProcessor

	// per active batch, the bodies it references; batches stay body-disjoint
	batchReferencedBodies []map[int]struct{}
}

func NewSolver(typeCount int) *Solver {
	s := &Solver{
		Sets:       make([]ConstraintSet, 1, 8),
		HandlePool: NewIdPool(128),
	}
	s.Sets[0] = ConstraintSet{Batches: []ConstraintBatch{}}
	s.TypeProcessors = make([]TypeProcessor, typeCount)
	for i := range s.TypeProcessors {
		s.TypeProcessors[i] = rowCopyProcessor{}
	}
	return s
}

func (s *Solver) ActiveSet() *ConstraintSet {
	return &s.Sets[0]
}

// AddConstraint registers a constraint over the given active body indices.
// The batch is the first one referencing none of the bodies, matching the
// solver's body-disjointness rule.
func (s *Solver) AddConstraint(typeID int, bodyIndices []int, prestep []float32, bodies *Bodies) ConstraintHandle {
	handle := ConstraintHandle(s.HandlePool.Take())
	active := s.ActiveSet()

	batchIndex := -1
	for i := range active.Batches {
		if !referencesAny(s.batchReferencedBodies[i], bodyIndices) {
			batchIndex = i
			break
		}
	}
	if batchIndex == -1 {
		batchIndex = len(active.Batches)
		active.Batches = append(active.Batches, newConstraintBatch())
		s.batchReferencedBodies = append(s.batchReferencedBodies, make(map[int]struct{}))
	}
	for _, bodyIndex := range bodyIndices {
		s.batchReferencedBodies[batchIndex][bodyIndex] = struct{}{}
	}

	batch := &active.Batches[batchIndex]
	typeBatch := batch.typeBatchFor(typeID, 16)
	row := len(typeBatch.IndexToHandle)
	typeBatch.IndexToHandle = append(typeBatch.IndexToHandle, handle)
	typeBatch.BodyReferences = append(typeBatch.BodyReferences, append([]int(nil), bodyIndices...))
	typeBatch.PrestepData = append(typeBatch.PrestepData, prestep)

	for int(handle) >= len(s.HandleToConstraint) {
		s.HandleToConstraint = append(s.HandleToConstraint, constraintLocation{SetIndex: -1})
	}
	s.HandleToConstraint[handle] = constraintLocation{SetIndex: 0, BatchIndex: batchIndex, TypeBatchIndex: batch.TypeIndexToTypeBatchIndex[typeID], RowIndex: row}

	activeBodies := bodies.ActiveSet()
	for slot, bodyIndex := range bodyIndices {
		activeBodies.Constraints[bodyIndex] = append(activeBodies.Constraints[bodyIndex], BodyConstraintRef{
			ConnectingConstraintHandle: handle,
			IndexInConstraint:          slot,
		})
	}
	return handle
}

func referencesAny(set map[int]struct{}, bodyIndices []int) bool {
	for _, b := range bodyIndices {
		if _, ok := set[b]; ok {
			return true
		}
	}
	return false
}

// EnumerateConnectedBodies invokes visit for every body index the constraint
// touches. The visitor returns false to stop early.
func (s *Solver) EnumerateConnectedBodies(handle ConstraintHandle, visit func(bodyIndex int) bool) {
	loc := s.HandleToConstraint[handle]
	if loc.SetIndex != 0 {
		panic(fmt.Sprintf("enumerating bodies of constraint %d outside the active set", handle))
	}
	batch := &s.Sets[0].Batches[loc.BatchIndex].TypeBatches[loc.TypeBatchIndex]
	for _, bodyIndex := range batch.BodyReferences[loc.RowIndex] {
		if !visit(bodyIndex) {
			return
		}
	}
}

// ConstraintType returns the type id of an active constraint.
func (s *Solver) ConstraintType(handle ConstraintHandle) int {
	loc := s.HandleToConstraint[handle]
	return s.Sets[loc.SetIndex].Batches[loc.BatchIndex].TypeBatches[loc.TypeBatchIndex].TypeID
}

func (s *Solver) EnsureSetsCapacity(target, highestOccupied int) {
	needed := maxInt(target, highestOccupied+1)
	if needed <= len(s.Sets) {
		return
	}
	grown := make([]ConstraintSet, needed)
	copy(grown, s.Sets)
	s.Sets = grown
}

func (s *Solver) ResizeSetsCapacity(target, highestOccupied int) {
	needed := maxInt(target, highestOccupied+1)
	if needed == len(s.Sets) {
		return
	}
	resized := make([]ConstraintSet, needed)
	copy(resized, s.Sets[:minInt(len(s.Sets), needed)])
	s.Sets = resized
}
