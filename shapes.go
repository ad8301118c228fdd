package keel

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

type ShapeID string

// ShapeRegistry caches processed convex hulls so collidables can share one
// shape by id. Not safe for concurrent use; register shapes during setup.
type ShapeRegistry struct {
	hulls map[ShapeID]*ConvexHull
}

func NewShapeRegistry() *ShapeRegistry {
	return &ShapeRegistry{hulls: make(map[ShapeID]*ConvexHull)}
}

func makeShapeId() ShapeID {
	return ShapeID(uuid.NewString())
}

// Register computes the hull of the point cloud, processes it into its
// runtime form, and caches it under a fresh id.
func (r *ShapeRegistry) Register(points []mgl32.Vec3, pool *BufferPool) (ShapeID, *ConvexHull) {
	data := ComputeHull(points, pool)
	hull := ProcessHull(points, data, pool)
	id := makeShapeId()
	r.hulls[id] = hull
	return id, hull
}

func (r *ShapeRegistry) Get(id ShapeID) (*ConvexHull, bool) {
	hull, ok := r.hulls[id]
	return hull, ok
}

func (r *ShapeRegistry) Remove(id ShapeID) {
	delete(r.hulls, id)
}

func (r *ShapeRegistry) Count() int {
	return len(r.hulls)
}
