package keel

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestAddActiveGrowsStorage(t *testing.T) {
	bodies := NewBodies(2)
	var handles []BodyHandle
	for i := 0; i < 5; i++ {
		h := bodies.AddActive(
			Pose{Position: mgl32.Vec3{float32(i), 0, 0}, Orientation: mgl32.QuatIdent()},
			BodyVelocity{},
			BodyInertia{InverseMass: 1},
			Collidable{BroadPhaseIndex: i},
			BodyActivity{SleepThreshold: 0.1, MinimumTimestepsUnderThreshold: 2},
		)
		handles = append(handles, h)
	}

	set := bodies.ActiveSet()
	if set.Count != 5 {
		t.Fatalf("expected 5 active bodies, got %d", set.Count)
	}
	for i, h := range handles {
		loc := bodies.HandleToLocation[h]
		if loc.SetIndex != 0 || loc.Index != i {
			t.Errorf("handle %d resolves to %+v, want active index %d", h, loc, i)
		}
		if set.Poses[i].Position.X() != float32(i) {
			t.Errorf("body %d pose lost during growth", i)
		}
	}
}

func TestUpdateActivityStates(t *testing.T) {
	bodies := NewBodies(4)
	slow := bodies.AddActive(Pose{Orientation: mgl32.QuatIdent()},
		BodyVelocity{Linear: mgl32.Vec3{0.01, 0, 0}},
		BodyInertia{InverseMass: 1}, Collidable{},
		BodyActivity{SleepThreshold: 0.1, MinimumTimestepsUnderThreshold: 3})
	fast := bodies.AddActive(Pose{Orientation: mgl32.QuatIdent()},
		BodyVelocity{Linear: mgl32.Vec3{5, 0, 0}},
		BodyInertia{InverseMass: 1}, Collidable{},
		BodyActivity{SleepThreshold: 0.1, MinimumTimestepsUnderThreshold: 3})

	set := bodies.ActiveSet()
	for step := 0; step < 2; step++ {
		bodies.UpdateActivityStates()
		if set.Activity[bodies.HandleToLocation[slow].Index].DeactivationCandidate {
			t.Fatalf("slow body became a candidate after only %d steps", step+1)
		}
	}
	bodies.UpdateActivityStates()
	if !set.Activity[bodies.HandleToLocation[slow].Index].DeactivationCandidate {
		t.Errorf("slow body should be a candidate after three quiet steps")
	}
	if set.Activity[bodies.HandleToLocation[fast].Index].DeactivationCandidate {
		t.Errorf("fast body must never become a candidate")
	}

	// a burst of motion resets candidacy
	set.Velocities[bodies.HandleToLocation[slow].Index].Linear = mgl32.Vec3{3, 0, 0}
	bodies.UpdateActivityStates()
	activity := set.Activity[bodies.HandleToLocation[slow].Index]
	if activity.DeactivationCandidate || activity.TimestepsUnderThresholdCount != 0 {
		t.Errorf("moving body should reset sleep accumulation, got %+v", activity)
	}
}

func TestEnsureAndResizeSetsCapacity(t *testing.T) {
	bodies := NewBodies(4)
	bodies.EnsureSetsCapacity(8, 0)
	if len(bodies.Sets) != 8 {
		t.Fatalf("expected 8 set slots, got %d", len(bodies.Sets))
	}
	if !bodies.Sets[0].Allocated() {
		t.Fatalf("active set lost during growth")
	}

	bodies.Sets[5] = newBodySet(1)
	bodies.ResizeSetsCapacity(2, 5)
	if len(bodies.Sets) != 6 {
		t.Errorf("resize must not drop occupied slot 5, got len %d", len(bodies.Sets))
	}
}
