package keel

import (
	"github.com/go-gl/mathgl/mgl32"
)

// HullData is the indexed face-vertex topology of a convex hull.
// OriginalVertexMapping[i] is hull vertex i's index in the source cloud.
// Face f spans FaceVertexIndices[FaceStartIndices[f] : FaceStartIndices[f+1]]
// (or the buffer end for the last face); entries index OriginalVertexMapping.
type HullData struct {
	OriginalVertexMapping []int
	FaceStartIndices      []int
	FaceVertexIndices     []int
}

func (h *HullData) FaceCount() int {
	return len(h.FaceStartIndices)
}

// FaceVertices returns face f's vertex indices (into OriginalVertexMapping).
func (h *HullData) FaceVertices(f int) []int {
	start := h.FaceStartIndices[f]
	end := len(h.FaceVertexIndices)
	if f+1 < len(h.FaceStartIndices) {
		end = h.FaceStartIndices[f+1]
	}
	return h.FaceVertexIndices[start:end]
}

// edgeEndpoints is an unordered vertex pair: (a,b) and (b,a) are the same
// edge.
type edgeEndpoints struct {
	A, B int
}

func (e edgeEndpoints) matches(o edgeEndpoints) bool {
	return (e.A == o.A && e.B == o.B) || (e.A == o.B && e.B == o.A)
}

type edgeCountEntry struct {
	edge  edgeEndpoints
	count int
}

// edgeFaceCounts tracks how many accepted faces touch each boundary edge.
// Open chained table hashed on A xor B, which is symmetric in the pair by
// construction.
type edgeFaceCounts struct {
	buckets [][]edgeCountEntry
	mask    int
}

func newEdgeFaceCounts(expectedEdges int) edgeFaceCounts {
	size := 16
	for size < expectedEdges*2 {
		size <<= 1
	}
	return edgeFaceCounts{buckets: make([][]edgeCountEntry, size), mask: size - 1}
}

func (t *edgeFaceCounts) bucketFor(e edgeEndpoints) int {
	return (e.A ^ e.B) & t.mask
}

func (t *edgeFaceCounts) count(e edgeEndpoints) int {
	for _, entry := range t.buckets[t.bucketFor(e)] {
		if entry.edge.matches(e) {
			return entry.count
		}
	}
	return 0
}

// increment bumps the edge's face count, inserting at 1, and returns the new
// count.
func (t *edgeFaceCounts) increment(e edgeEndpoints) int {
	bucket := t.bucketFor(e)
	for i := range t.buckets[bucket] {
		if t.buckets[bucket][i].edge.matches(e) {
			t.buckets[bucket][i].count++
			return t.buckets[bucket][i].count
		}
	}
	t.buckets[bucket] = append(t.buckets[bucket], edgeCountEntry{edge: e, count: 1})
	return 1
}

type edgeToTest struct {
	Endpoints  edgeEndpoints
	FaceNormal mgl32.Vec3
}

// ComputeHull builds the convex hull topology of a point cloud by gift
// wrapping: find a starting supporting face, then expand across boundary
// edges until every edge is shared by exactly two faces.
func ComputeHull(points []mgl32.Vec3, pool *BufferPool) HullData {
	n := len(points)
	switch {
	case n == 0:
		return HullData{}
	case n == 1:
		return HullData{OriginalVertexMapping: []int{0}}
	case n == 2:
		return HullData{OriginalVertexMapping: []int{0, 1}}
	case n == 3:
		return HullData{
			OriginalVertexMapping: []int{0, 1, 2},
			FaceStartIndices:      []int{0},
			FaceVertexIndices:     []int{0, 1, 2},
		}
	}

	var centroid mgl32.Vec3
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float32(n))

	bundles := bundlePoints(points, centroid, pool)
	defer func() { bundles.Return(pool) }()

	initialIndex, farthestDistance := findFarthestPoint(bundles.Slice(), centroid, n)
	if farthestDistance < 1e-7 {
		// every point coincides; a single vertex is the whole hull
		return HullData{OriginalVertexMapping: []int{0}}
	}
	planeEpsilon := 1e-6 * farthestDistance

	allowVertex := make([]bool, n)
	for i := range allowVertex {
		allowVertex[i] = true
	}

	rawFace := BufferTake[int](pool, 32)
	reduced := BufferTake[int](pool, 32)
	edgeStack := BufferTake[edgeToTest](pool, 32)
	defer func() {
		// Append may have moved these onto larger slabs; return whatever
		// they hold now
		rawFace.Return(pool)
		reduced.Return(pool)
		edgeStack.Return(pool)
	}()

	var faceVertexLists [][]int
	edgeCounts := newEdgeFaceCounts(n * 3)

	acceptFace := func(polygon []int, normal mgl32.Vec3) {
		owned := append([]int(nil), polygon...)
		faceVertexLists = append(faceVertexLists, owned)
		for i := range owned {
			edge := edgeEndpoints{A: owned[i], B: owned[(i+1)%len(owned)]}
			if edgeCounts.increment(edge) == 1 {
				edgeStack.Append(pool, edgeToTest{Endpoints: edge, FaceNormal: normal})
			}
		}
	}

	// initial face: support the cloud at the farthest point, scanning in a
	// plane whose X axis points back toward the centroid
	initialBasisX := centroid.Sub(points[initialIndex])
	if initialBasisX.Len() < 1e-12 {
		initialBasisX = mgl32.Vec3{1, 0, 0}
	} else {
		initialBasisX = initialBasisX.Normalize()
	}
	initialBasisY := perpendicularTo(initialBasisX)

	rawFace.Reset()
	initialNormal, ok := findExtremeFace(points[initialIndex], initialBasisX, initialBasisY,
		initialIndex, initialIndex, bundles.Slice(), n, planeEpsilon, pool, &rawFace)
	if !ok {
		return HullData{OriginalVertexMapping: []int{initialIndex}}
	}
	reduced.Reset()
	reduceFace(rawFace.Slice(), initialNormal, points, allowVertex, pool, &reduced)

	switch {
	case reduced.Len() >= 3:
		acceptFace(reduced.Slice(), initialNormal)
	case reduced.Len() == 2:
		// collinear supporting set: expand from the lone edge instead
		edge := edgeEndpoints{A: reduced.At(0), B: reduced.At(1)}
		edgeStack.Append(pool, edgeToTest{Endpoints: edge, FaceNormal: initialNormal})
	default:
		return HullData{OriginalVertexMapping: []int{initialIndex}}
	}

	for edgeStack.Len() > 0 {
		entry := edgeStack.At(edgeStack.Len() - 1)
		edgeStack.Resize(edgeStack.Len() - 1)
		if edgeCounts.count(entry.Endpoints) >= 2 {
			continue
		}

		a, b := entry.Endpoints.A, entry.Endpoints.B
		edgeOffset := points[b].Sub(points[a])
		basisY := edgeOffset.Cross(entry.FaceNormal) // away from the parent face
		basisX := edgeOffset.Cross(basisY)           // into the cloud
		if basisY.Len() < 1e-12 || basisX.Len() < 1e-12 {
			continue
		}
		basisY = basisY.Normalize()
		basisX = basisX.Normalize()

		rawFace.Reset()
		normal, ok := findExtremeFace(points[a], basisX, basisY, a, b,
			bundles.Slice(), n, planeEpsilon, pool, &rawFace)
		if !ok {
			continue
		}
		reduced.Reset()
		reduceFace(rawFace.Slice(), normal, points, allowVertex, pool, &reduced)
		if reduced.Len() < 3 {
			continue
		}
		acceptFace(reduced.Slice(), normal)
	}

	if len(faceVertexLists) == 0 {
		// the whole cloud collapsed to a segment
		mapping := []int{initialIndex}
		if reduced.Len() == 2 {
			mapping = []int{reduced.At(0), reduced.At(1)}
		}
		return HullData{OriginalVertexMapping: mapping}
	}

	return remapFaces(faceVertexLists, n)
}

// remapFaces compacts the surviving original vertex indices into dense hull
// indices, walking faces in acceptance order.
func remapFaces(faceVertexLists [][]int, pointCount int) HullData {
	hullIndexFor := make([]int, pointCount)
	for i := range hullIndexFor {
		hullIndexFor[i] = -1
	}
	var data HullData
	for _, face := range faceVertexLists {
		data.FaceStartIndices = append(data.FaceStartIndices, len(data.FaceVertexIndices))
		for _, original := range face {
			hullIndex := hullIndexFor[original]
			if hullIndex == -1 {
				hullIndex = len(data.OriginalVertexMapping)
				hullIndexFor[original] = hullIndex
				data.OriginalVertexMapping = append(data.OriginalVertexMapping, original)
			}
			data.FaceVertexIndices = append(data.FaceVertexIndices, hullIndex)
		}
	}
	return data
}

// BundleVertexIndex addresses one lane of one point bundle.
type BundleVertexIndex struct {
	BundleIndex int
	InnerIndex  int
}

type hullBoundingPlane struct {
	Normal mgl32.Vec3
	Offset float32
}

// ConvexHull is the runtime shape built from hull topology: bundled points,
// per-face vertex index ranges, and one bounding plane per face.
type ConvexHull struct {
	Points                   []pointBundle
	PointCount               int
	FaceToVertexIndicesStart []int
	FaceVertexIndices        []BundleVertexIndex
	BoundingPlanes           []hullBoundingPlane
}

// FaceVertexCount returns the number of vertices on face f.
func (h *ConvexHull) FaceVertexCount(f int) int {
	end := len(h.FaceVertexIndices)
	if f+1 < len(h.FaceToVertexIndicesStart) {
		end = h.FaceToVertexIndicesStart[f+1]
	}
	return end - h.FaceToVertexIndicesStart[f]
}

// ProcessHull converts hull topology into the bundled runtime shape.
// Pure function of its inputs; single threaded.
func ProcessHull(points []mgl32.Vec3, data HullData, pool *BufferPool) *ConvexHull {
	hull := &ConvexHull{PointCount: len(data.OriginalVertexMapping)}
	if hull.PointCount == 0 {
		return hull
	}

	bundleCount := (hull.PointCount + hullLaneCount - 1) / hullLaneCount
	hull.Points = make([]pointBundle, bundleCount)
	for i := 0; i < bundleCount*hullLaneCount; i++ {
		source := i
		if source >= hull.PointCount {
			// pad tail lanes with the first hull point
			source = 0
		}
		hull.Points[i/hullLaneCount].setLane(i%hullLaneCount, points[data.OriginalVertexMapping[source]])
	}

	hull.FaceToVertexIndicesStart = append([]int(nil), data.FaceStartIndices...)
	hull.FaceVertexIndices = make([]BundleVertexIndex, len(data.FaceVertexIndices))
	for i, hullIndex := range data.FaceVertexIndices {
		hull.FaceVertexIndices[i] = BundleVertexIndex{
			BundleIndex: hullIndex / hullLaneCount,
			InnerIndex:  hullIndex % hullLaneCount,
		}
	}

	hull.BoundingPlanes = make([]hullBoundingPlane, data.FaceCount())
	for f := range hull.BoundingPlanes {
		face := data.FaceVertices(f)
		pivot := points[data.OriginalVertexMapping[face[0]]]
		var normal mgl32.Vec3
		for i := 1; i+1 < len(face); i++ {
			u := points[data.OriginalVertexMapping[face[i]]].Sub(pivot)
			v := points[data.OriginalVertexMapping[face[i+1]]].Sub(pivot)
			normal = normal.Add(u.Cross(v))
		}
		if normal.Len() > 0 {
			normal = normal.Normalize()
		}
		hull.BoundingPlanes[f] = hullBoundingPlane{Normal: normal, Offset: normal.Dot(pivot)}
	}
	return hull
}
