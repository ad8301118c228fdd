package keel

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shuffledCubeCorners() []mgl32.Vec3 {
	return []mgl32.Vec3{
		{1, -1, 1},
		{-1, -1, -1},
		{1, 1, 1},
		{-1, 1, -1},
		{1, 1, -1},
		{-1, -1, 1},
		{1, -1, -1},
		{-1, 1, 1},
	}
}

// faceOriginal returns face f's vertices as source-cloud indices.
func faceOriginal(data HullData, f int) []int {
	verts := data.FaceVertices(f)
	original := make([]int, len(verts))
	for i, v := range verts {
		original[i] = data.OriginalVertexMapping[v]
	}
	return original
}

// directedEdgeCounts tallies every directed boundary edge across all faces,
// keyed by hull vertex index pairs.
func directedEdgeCounts(data HullData) map[[2]int]int {
	counts := map[[2]int]int{}
	for f := 0; f < data.FaceCount(); f++ {
		verts := data.FaceVertices(f)
		for i := range verts {
			u := verts[i]
			v := verts[(i+1)%len(verts)]
			counts[[2]int{u, v}]++
		}
	}
	return counts
}

func requireManifold(t *testing.T, data HullData) {
	t.Helper()
	counts := directedEdgeCounts(data)
	for edge, count := range counts {
		require.Equal(t, 1, count, "directed edge %v used %d times", edge, count)
		reverse := [2]int{edge[1], edge[0]}
		require.Equal(t, 1, counts[reverse], "edge %v has no twin", edge)
	}
}

func newellNormal(points []mgl32.Vec3, data HullData, f int) mgl32.Vec3 {
	face := faceOriginal(data, f)
	pivot := points[face[0]]
	var normal mgl32.Vec3
	for i := 1; i+1 < len(face); i++ {
		u := points[face[i]].Sub(pivot)
		v := points[face[i+1]].Sub(pivot)
		normal = normal.Add(u.Cross(v))
	}
	return normal
}

func TestHullDegenerateInputs(t *testing.T) {
	pool := NewBufferPool()

	empty := ComputeHull(nil, pool)
	assert.Empty(t, empty.OriginalVertexMapping)
	assert.Zero(t, empty.FaceCount())

	single := ComputeHull([]mgl32.Vec3{{1, 2, 3}}, pool)
	assert.Equal(t, []int{0}, single.OriginalVertexMapping)
	assert.Zero(t, single.FaceCount())

	pair := ComputeHull([]mgl32.Vec3{{0, 0, 0}, {1, 0, 0}}, pool)
	assert.Equal(t, []int{0, 1}, pair.OriginalVertexMapping)
	assert.Zero(t, pair.FaceCount())

	triangle := ComputeHull([]mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}, pool)
	assert.Equal(t, []int{0, 1, 2}, triangle.OriginalVertexMapping)
	require.Equal(t, 1, triangle.FaceCount())
	assert.Equal(t, []int{0, 1, 2}, triangle.FaceVertices(0))
}

func TestHullOfCoincidentPoints(t *testing.T) {
	pool := NewBufferPool()
	p := mgl32.Vec3{0.5, -2, 1}
	cloud := []mgl32.Vec3{p, p, p, p, p}
	data := ComputeHull(cloud, pool)
	assert.Equal(t, []int{0}, data.OriginalVertexMapping)
	assert.Zero(t, data.FaceCount())
}

func TestHullOfTetrahedron(t *testing.T) {
	pool := NewBufferPool()
	points := []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	data := ComputeHull(points, pool)

	require.Equal(t, 4, data.FaceCount())
	require.Len(t, data.OriginalVertexMapping, 4)
	for f := 0; f < 4; f++ {
		assert.Len(t, data.FaceVertices(f), 3)
	}
	requireManifold(t, data)
}

func TestHullOfCube(t *testing.T) {
	pool := NewBufferPool()
	points := shuffledCubeCorners()
	data := ComputeHull(points, pool)

	require.Equal(t, 6, data.FaceCount())
	require.Len(t, data.OriginalVertexMapping, 8)
	undirected := map[edgeEndpoints]bool{}
	for f := 0; f < data.FaceCount(); f++ {
		require.Len(t, data.FaceVertices(f), 4, "cube faces are quads")
		verts := data.FaceVertices(f)
		for i := range verts {
			a, b := verts[i], verts[(i+1)%len(verts)]
			if a > b {
				a, b = b, a
			}
			undirected[edgeEndpoints{A: a, B: b}] = true
		}
	}
	assert.Len(t, undirected, 12)
	requireManifold(t, data)

	// every face normal is axis aligned at unit distance
	hull := ProcessHull(points, data, pool)
	for f, plane := range hull.BoundingPlanes {
		n := plane.Normal
		axis := absFloat32(n.X()) + absFloat32(n.Y()) + absFloat32(n.Z())
		assert.InDelta(t, 1, axis, 1e-4, "face %d normal %v is not axis aligned", f, n)
		assert.InDelta(t, 1, plane.Offset, 1e-4)
	}
}

func TestHullWindingIsOutward(t *testing.T) {
	pool := NewBufferPool()
	points := shuffledCubeCorners()
	data := ComputeHull(points, pool)

	var hullCentroid mgl32.Vec3
	for _, original := range data.OriginalVertexMapping {
		hullCentroid = hullCentroid.Add(points[original])
	}
	hullCentroid = hullCentroid.Mul(1 / float32(len(data.OriginalVertexMapping)))

	for f := 0; f < data.FaceCount(); f++ {
		normal := newellNormal(points, data, f)
		face := faceOriginal(data, f)
		var faceCentroid mgl32.Vec3
		for _, original := range face {
			faceCentroid = faceCentroid.Add(points[original])
		}
		faceCentroid = faceCentroid.Mul(1 / float32(len(face)))
		outward := faceCentroid.Sub(hullCentroid)
		assert.Greater(t, normal.Dot(outward), float32(0), "face %d wound inward", f)
	}
}

func TestHullConvexity(t *testing.T) {
	pool := NewBufferPool()
	for name, points := range map[string][]mgl32.Vec3{
		"cube":        shuffledCubeCorners(),
		"tetrahedron": {{0, 0, 0}, {2, 0, 0}, {0, 2, 0}, {0.3, 0.3, 2}},
		"octahedron":  {{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}},
	} {
		data := ComputeHull(points, pool)
		for f := 0; f < data.FaceCount(); f++ {
			normal := newellNormal(points, data, f).Normalize()
			pivot := points[faceOriginal(data, f)[0]]
			for _, original := range data.OriginalVertexMapping {
				distance := normal.Dot(points[original].Sub(pivot))
				assert.LessOrEqual(t, distance, float32(1e-4),
					"%s: vertex %d pokes out of face %d by %v", name, original, f, distance)
			}
		}
	}
}

func TestHullCoplanarQuadWithCenter(t *testing.T) {
	pool := NewBufferPool()
	points := []mgl32.Vec3{
		{1, 1, 0},
		{-1, 1, 0},
		{-1, -1, 0},
		{1, -1, 0},
		{0, 0, 0}, // interior midpoint, must be reduced away
	}
	data := ComputeHull(points, pool)

	require.Len(t, data.OriginalVertexMapping, 4)
	for _, original := range data.OriginalVertexMapping {
		assert.NotEqual(t, 4, original, "the interior point survived reduction")
	}
	require.GreaterOrEqual(t, data.FaceCount(), 1)
	for f := 0; f < data.FaceCount(); f++ {
		assert.GreaterOrEqual(t, len(data.FaceVertices(f)), 3)
	}
}

func TestHullDuplicatePointsAreTopologicallyInert(t *testing.T) {
	pool := NewBufferPool()
	base := shuffledCubeCorners()
	baseline := ComputeHull(base, pool)

	padded := append(append([]mgl32.Vec3(nil), base...), base[2], base[2], base[5])
	duplicated := ComputeHull(padded, pool)

	assert.Equal(t, baseline.FaceCount(), duplicated.FaceCount())
	assert.Len(t, duplicated.OriginalVertexMapping, len(baseline.OriginalVertexMapping))
	requireManifold(t, duplicated)
}

func TestHullRotationPreservesTopology(t *testing.T) {
	pool := NewBufferPool()
	octahedron := []mgl32.Vec3{
		{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1},
	}
	baseline := ComputeHull(octahedron, pool)
	require.Equal(t, 8, baseline.FaceCount())

	rotation := mgl32.Rotate3DX(0.37).Mul3(mgl32.Rotate3DY(1.13)).Mul3(mgl32.Rotate3DZ(2.71))
	rotated := make([]mgl32.Vec3, len(octahedron))
	for i, p := range octahedron {
		rotated[i] = rotation.Mul3x1(p)
	}
	data := ComputeHull(rotated, pool)
	assert.Equal(t, baseline.FaceCount(), data.FaceCount())
	requireManifold(t, data)
}

func TestProcessHullBundlesAndPlanes(t *testing.T) {
	pool := NewBufferPool()
	points := shuffledCubeCorners()
	data := ComputeHull(points, pool)
	hull := ProcessHull(points, data, pool)

	require.Equal(t, 8, hull.PointCount)
	require.Len(t, hull.Points, 2)
	require.Equal(t, data.FaceCount(), len(hull.BoundingPlanes))

	// bundled face vertices resolve to the same positions as the topology
	for f := 0; f < data.FaceCount(); f++ {
		start := hull.FaceToVertexIndicesStart[f]
		for i, hullIndex := range data.FaceVertices(f) {
			bundled := hull.FaceVertexIndices[start+i]
			got := hull.Points[bundled.BundleIndex].lane(bundled.InnerIndex)
			want := points[data.OriginalVertexMapping[hullIndex]]
			assert.Equal(t, want, got)
		}
		assert.Equal(t, len(data.FaceVertices(f)), hull.FaceVertexCount(f))
	}
}

func TestShapeRegistryCachesHulls(t *testing.T) {
	pool := NewBufferPool()
	registry := NewShapeRegistry()
	id, hull := registry.Register(shuffledCubeCorners(), pool)
	require.NotEmpty(t, id)
	require.NotNil(t, hull)
	assert.Equal(t, 1, registry.Count())

	cached, ok := registry.Get(id)
	require.True(t, ok)
	assert.Same(t, hull, cached)

	other, _ := registry.Register(shuffledCubeCorners(), pool)
	assert.NotEqual(t, id, other, "every registration gets its own id")

	registry.Remove(id)
	_, ok = registry.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Count())
}
