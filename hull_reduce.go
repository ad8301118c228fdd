package keel

import (
	"github.com/go-gl/mathgl/mgl32"
)

const collinearEpsilon = 1e-6

// perpendicularTo returns an arbitrary unit vector orthogonal to v.
func perpendicularTo(v mgl32.Vec3) mgl32.Vec3 {
	reference := mgl32.Vec3{0, 1, 0}
	if v.Y()*v.Y() > 0.81*v.Dot(v) {
		reference = mgl32.Vec3{1, 0, 0}
	}
	return v.Cross(reference).Normalize()
}

// reduceFace boils a raw coplanar vertex set down to its boundary polygon,
// wound counterclockwise about faceNormal. Vertices disallowed by earlier
// reductions are filtered up front. With three or fewer candidates, any that
// coincide with an earlier candidate are dropped and disallowed, and the rest
// are kept as is. Otherwise vertices that end up interior to this
// face's polygon are disallowed globally so later faces cannot resurrect
// them. A fully degenerate face (no wrap possible) disallows everything it
// touched and produces an empty polygon.
func reduceFace(rawIndices []int, faceNormal mgl32.Vec3, points []mgl32.Vec3,
	allowVertex []bool, pool *BufferPool, reduced *Buffer[int]) {

	filtered := BufferTake[int](pool, maxInt(len(rawIndices), 1))
	defer func() { filtered.Return(pool) }()
	for _, index := range rawIndices {
		if allowVertex[index] {
			filtered.Append(pool, index)
		}
	}
	candidates := filtered.Slice()

	if len(candidates) <= 3 {
		for _, index := range candidates {
			coincident := false
			for _, kept := range reduced.Slice() {
				if points[kept] == points[index] {
					coincident = true
					break
				}
			}
			if coincident {
				allowVertex[index] = false
				continue
			}
			reduced.Append(pool, index)
		}
		if reduced.Len() == 3 {
			fixTriangleWinding(reduced.Slice(), faceNormal, points)
		}
		return
	}

	// project onto a 2D basis where counterclockwise matches the normal:
	// basisX × basisY == faceNormal
	basisX := perpendicularTo(faceNormal)
	basisY := faceNormal.Cross(basisX)

	projected := BufferTake[mgl32.Vec2](pool, len(candidates))
	defer func() { projected.Return(pool) }()
	projected.Resize(len(candidates))
	flat := projected.Slice()
	var centroid mgl32.Vec2
	for i, index := range candidates {
		p := points[index]
		flat[i] = mgl32.Vec2{p.Dot(basisX), p.Dot(basisY)}
		centroid = centroid.Add(flat[i])
	}
	centroid = centroid.Mul(1 / float32(len(flat)))

	start := 0
	bestDistSq := float32(-1)
	for i := range flat {
		d := flat[i].Sub(centroid)
		distSq := d.Dot(d)
		if distSq > bestDistSq {
			bestDistSq = distSq
			start = i
		}
	}

	inPolygon := BufferTake[bool](pool, len(candidates))
	defer func() { inPolygon.Return(pool) }()
	inPolygon.Resize(len(candidates))
	member := inPolygon.Slice()
	for i := range member {
		member[i] = false
	}

	// 2D gift wrap. The start point is extreme, so every point sits on the
	// inner side of its tangent; walking counterclockwise from the tangent
	// direction keeps the winding consistent with the basis.
	radial := flat[start].Sub(centroid)
	previousDirection := mgl32.Vec2{-radial.Y(), radial.X()}
	current := start
	degenerate := false
	for {
		reduced.Append(pool, candidates[current])
		member[current] = true
		next := wrapStep(flat, current, previousDirection)
		if next == -1 {
			degenerate = true
			break
		}
		if next == start {
			break
		}
		previousDirection = flat[next].Sub(flat[current])
		current = next
		if reduced.Len() > len(candidates) {
			// wrap failed to close; numerical degeneracy
			degenerate = true
			break
		}
	}

	if degenerate {
		for _, index := range candidates {
			allowVertex[index] = false
		}
		reduced.Reset()
		return
	}

	// interior points never appear on any face again
	for i, index := range candidates {
		if !member[i] {
			allowVertex[index] = false
		}
	}
}

// wrapStep finds the point minimizing the counterclockwise angle between
// previousDirection and the edge from the current point. Near-collinear
// candidates prefer the farther point, suppressing redundant boundary
// vertices.
func wrapStep(flat []mgl32.Vec2, current int, previousDirection mgl32.Vec2) int {
	best := -1
	var bestNumerator, bestDenominator, bestDistSq float32
	dirLenSq := previousDirection.Dot(previousDirection)
	if dirLenSq == 0 {
		return -1
	}
	for i := range flat {
		if i == current {
			continue
		}
		offset := flat[i].Sub(flat[current])
		distSq := offset.Dot(offset)
		if distSq == 0 {
			continue
		}
		// y along the previous direction, x across it
		y := offset.Dot(previousDirection)
		numerator := y * y
		if y < 0 {
			numerator = -numerator
		}
		denominator := distSq * dirLenSq
		if best == -1 {
			best = i
			bestNumerator = numerator
			bestDenominator = denominator
			bestDistSq = distSq
			continue
		}
		a := numerator * bestDenominator
		b := bestNumerator * denominator
		scale := absFloat32(a)
		if absFloat32(b) > scale {
			scale = absFloat32(b)
		}
		if a-b > collinearEpsilon*scale {
			best = i
			bestNumerator = numerator
			bestDenominator = denominator
			bestDistSq = distSq
		} else if a-b >= -collinearEpsilon*scale && distSq > bestDistSq {
			// near-collinear: take the farther point
			best = i
			bestNumerator = numerator
			bestDenominator = denominator
			bestDistSq = distSq
		}
	}
	return best
}

func fixTriangleWinding(triangle []int, faceNormal mgl32.Vec3, points []mgl32.Vec3) {
	a := points[triangle[0]]
	b := points[triangle[1]]
	c := points[triangle[2]]
	cross := b.Sub(a).Cross(c.Sub(a))
	if cross.Dot(faceNormal) < 0 {
		triangle[0], triangle[1] = triangle[1], triangle[0]
	}
}

func absFloat32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
