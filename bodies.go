package keel

import (
	"github.com/go-gl/mathgl/mgl32"
)

type BodyHandle int
type ConstraintHandle int

// BodyLocation resolves a handle to its current storage slot.
// SetIndex 0 is the active set.
type BodyLocation struct {
	SetIndex int
	Index    int
}

type Pose struct {
	Position    mgl32.Vec3
	Orientation mgl32.Quat
}

type BodyVelocity struct {
	Linear  mgl32.Vec3
	Angular mgl32.Vec3
}

type BodyInertia struct {
	InverseInertiaTensor mgl32.Mat3
	InverseMass          float32
}

// Collidable ties a body to its registered collision shape.
type Collidable struct {
	Shape             ShapeID
	SpeculativeMargin float32
	BroadPhaseIndex   int
}

type BodyActivity struct {
	// Speed threshold under which a body accumulates sleepiness; compared
	// against the combined linear and angular speed.
	SleepThreshold float32
	// Consecutive timesteps below the threshold before the body becomes a
	// deactivation candidate.
	MinimumTimestepsUnderThreshold byte
	TimestepsUnderThresholdCount   byte
	DeactivationCandidate          bool
}

// BodyConstraintRef is one entry of a body's constraint list: the handle of a
// constraint touching the body, and which of the constraint's body slots this
// body occupies.
type BodyConstraintRef struct {
	ConnectingConstraintHandle ConstraintHandle
	IndexInConstraint          int
}

// BodySet stores bodies as parallel arrays indexed by body index.
type BodySet struct {
	Count         int
	IndexToHandle []BodyHandle
	Activity      []BodyActivity
	Collidables   []Collidable
	Constraints   [][]BodyConstraintRef
	LocalInertias []BodyInertia
	Poses         []Pose
	Velocities    []BodyVelocity
}

func newBodySet(capacity int) BodySet {
	return BodySet{
		IndexToHandle: make([]BodyHandle, capacity),
		Activity:      make([]BodyActivity, capacity),
		Collidables:   make([]Collidable, capacity),
		Constraints:   make([][]BodyConstraintRef, capacity),
		LocalInertias: make([]BodyInertia, capacity),
		Poses:         make([]Pose, capacity),
		Velocities:    make([]BodyVelocity, capacity),
	}
}

// Allocated reports whether the slot holds a live set.
func (s *BodySet) Allocated() bool {
	return s.IndexToHandle != nil
}

// Bodies owns every body set. Set 0 is the active set; higher ids hold
// sleeping islands and are allocated by the deactivator.
type Bodies struct {
	Sets             []BodySet
	HandleToLocation []BodyLocation
	HandlePool       *IdPool
}

func NewBodies(initialCapacity int) *Bodies {
	b := &Bodies{
		Sets:       make([]BodySet, 1, 8),
		HandlePool: NewIdPool(initialCapacity),
	}
	b.Sets[0] = newBodySet(initialCapacity)
	return b
}

func (b *Bodies) ActiveSet() *BodySet {
	return &b.Sets[0]
}

// AddActive appends a body to the active set and returns its handle.
func (b *Bodies) AddActive(pose Pose, velocity BodyVelocity, inertia BodyInertia, collidable Collidable, activity BodyActivity) BodyHandle {
	handle := BodyHandle(b.HandlePool.Take())
	set := b.ActiveSet()
	index := set.Count
	if index == len(set.IndexToHandle) {
		grown := newBodySet(maxInt(index*2, 8))
		copy(grown.IndexToHandle, set.IndexToHandle)
		copy(grown.Activity, set.Activity)
		copy(grown.Collidables, set.Collidables)
		copy(grown.Constraints, set.Constraints)
		copy(grown.LocalInertias, set.LocalInertias)
		copy(grown.Poses, set.Poses)
		copy(grown.Velocities, set.Velocities)
		grown.Count = set.Count
		*set = grown
	}
	set.IndexToHandle[index] = handle
	set.Activity[index] = activity
	set.Collidables[index] = collidable
	set.Constraints[index] = nil
	set.LocalInertias[index] = inertia
	set.Poses[index] = pose
	set.Velocities[index] = velocity
	set.Count++

	for int(handle) >= len(b.HandleToLocation) {
		b.HandleToLocation = append(b.HandleToLocation, BodyLocation{SetIndex: -1})
	}
	b.HandleToLocation[handle] = BodyLocation{SetIndex: 0, Index: index}
	return handle
}

// EnsureSetsCapacity grows the set array so ids below target are addressable.
// Existing sets are preserved.
func (b *Bodies) EnsureSetsCapacity(target, highestOccupied int) {
	needed := maxInt(target, highestOccupied+1)
	if needed <= len(b.Sets) {
		return
	}
	grown := make([]BodySet, needed)
	copy(grown, b.Sets)
	b.Sets = grown
}

// ResizeSetsCapacity resizes the set array to target, never dropping an
// occupied slot.
func (b *Bodies) ResizeSetsCapacity(target, highestOccupied int) {
	needed := maxInt(target, highestOccupied+1)
	if needed == len(b.Sets) {
		return
	}
	resized := make([]BodySet, needed)
	copy(resized, b.Sets[:minInt(len(b.Sets), needed)])
	b.Sets = resized
}

// UpdateActivityStates advances the sleep candidacy of every active body.
// A body that stays under its velocity threshold long enough becomes a
// deactivation candidate; any body above it resets.
func (b *Bodies) UpdateActivityStates() {
	set := b.ActiveSet()
	for i := 0; i < set.Count; i++ {
		activity := &set.Activity[i]
		v := &set.Velocities[i]
		speedSq := v.Linear.Dot(v.Linear) + v.Angular.Dot(v.Angular)
		if speedSq < activity.SleepThreshold*activity.SleepThreshold {
			if activity.TimestepsUnderThresholdCount < 0xff {
				activity.TimestepsUnderThresholdCount++
			}
			if activity.TimestepsUnderThresholdCount >= activity.MinimumTimestepsUnderThreshold {
				activity.DeactivationCandidate = true
			}
		} else {
			activity.TimestepsUnderThresholdCount = 0
			activity.DeactivationCandidate = false
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
