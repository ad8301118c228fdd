package keel

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// hullLaneCount is the bundle width of the hull kernels. Points are packed
// into SoA lane groups so the extreme-point scans run lane-parallel with a
// single scalar reduction at the end.
const hullLaneCount = 4

type pointBundle struct {
	X [hullLaneCount]float32
	Y [hullLaneCount]float32
	Z [hullLaneCount]float32
}

func (b *pointBundle) lane(i int) mgl32.Vec3 {
	return mgl32.Vec3{b.X[i], b.Y[i], b.Z[i]}
}

func (b *pointBundle) setLane(i int, p mgl32.Vec3) {
	b.X[i] = p.X()
	b.Y[i] = p.Y()
	b.Z[i] = p.Z()
}

// bundlePoints packs the cloud into lane groups, padding the tail lanes with
// the centroid so they never win an extreme scan.
func bundlePoints(points []mgl32.Vec3, centroid mgl32.Vec3, pool *BufferPool) Buffer[pointBundle] {
	bundleCount := (len(points) + hullLaneCount - 1) / hullLaneCount
	bundles := BufferTake[pointBundle](pool, maxInt(bundleCount, 1))
	bundles.Resize(bundleCount)
	slice := bundles.Slice()
	for i := range slice {
		for lane := 0; lane < hullLaneCount; lane++ {
			index := i*hullLaneCount + lane
			if index < len(points) {
				slice[i].setLane(lane, points[index])
			} else {
				slice[i].setLane(lane, centroid)
			}
		}
	}
	return bundles
}

// findFarthestPoint returns the index and distance of the point farthest
// from the centroid. Per-lane maxima accumulate across bundles; the final
// reduction breaks ties toward the lowest lane, so among equally distant
// points the winner is not always the lowest index.
func findFarthestPoint(bundles []pointBundle, centroid mgl32.Vec3, count int) (int, float32) {
	var bestDistSq [hullLaneCount]float32
	var bestIndex [hullLaneCount]int32
	for lane := range bestIndex {
		bestDistSq[lane] = -1
		bestIndex[lane] = -1
	}
	for b := range bundles {
		base := int32(b * hullLaneCount)
		for lane := 0; lane < hullLaneCount; lane++ {
			index := base + int32(lane)
			if int(index) >= count {
				break
			}
			dx := bundles[b].X[lane] - centroid.X()
			dy := bundles[b].Y[lane] - centroid.Y()
			dz := bundles[b].Z[lane] - centroid.Z()
			distSq := dx*dx + dy*dy + dz*dz
			if distSq > bestDistSq[lane] {
				bestDistSq[lane] = distSq
				bestIndex[lane] = index
			}
		}
	}
	winnerLane := 0
	for lane := 1; lane < hullLaneCount; lane++ {
		if bestDistSq[lane] > bestDistSq[winnerLane] {
			winnerLane = lane
		}
	}
	if bestIndex[winnerLane] < 0 {
		return -1, 0
	}
	return int(bestIndex[winnerLane]), float32(math.Sqrt(float64(bestDistSq[winnerLane])))
}

// findExtremeFace rotates a plane around the ray from origin along basisY
// and returns every point lying on the first supporting plane it touches.
//
// For each candidate the projections x=(p-o)·bx, y=(p-o)·by are formed; the
// winner minimizes the counterclockwise angle from +basisY, found by
// maximizing sign(y)·y²/(x²+y²) with division-free cross-multiplied
// comparisons. Lanes are masked when the index is out of range, matches an
// ignored edge endpoint, or the point coincides with the origin in the
// projection plane. A scalar second pass collects all points within
// planeEpsilon of the winning plane; faceVertices receives their indices and
// the returned normal is the supporting plane's outward normal.
func findExtremeFace(origin, basisX, basisY mgl32.Vec3, edgeA, edgeB int,
	bundles []pointBundle, count int, planeEpsilon float32,
	pool *BufferPool, faceVertices *Buffer[int]) (mgl32.Vec3, bool) {

	var bestNumerator [hullLaneCount]float32
	var bestDenominator [hullLaneCount]float32
	var bestIndex [hullLaneCount]int32
	for lane := range bestIndex {
		bestIndex[lane] = -1
	}

	for b := range bundles {
		base := int32(b * hullLaneCount)
		for lane := 0; lane < hullLaneCount; lane++ {
			index := base + int32(lane)
			if int(index) >= count || int(index) == edgeA || int(index) == edgeB {
				continue
			}
			p := bundles[b].lane(lane)
			offset := p.Sub(origin)
			x := offset.Dot(basisX)
			y := offset.Dot(basisY)
			denominator := x*x + y*y
			if denominator == 0 {
				continue
			}
			numerator := y * y
			if y < 0 {
				numerator = -numerator
			}
			if bestIndex[lane] < 0 || numerator*bestDenominator[lane] > bestNumerator[lane]*denominator {
				bestNumerator[lane] = numerator
				bestDenominator[lane] = denominator
				bestIndex[lane] = index
			}
		}
	}

	winnerLane := -1
	for lane := 0; lane < hullLaneCount; lane++ {
		if bestIndex[lane] < 0 {
			continue
		}
		if winnerLane < 0 || bestNumerator[lane]*bestDenominator[winnerLane] > bestNumerator[winnerLane]*bestDenominator[lane] {
			winnerLane = lane
		}
	}
	if winnerLane < 0 {
		return mgl32.Vec3{}, false
	}

	winner := bundles[bestIndex[winnerLane]/hullLaneCount].lane(int(bestIndex[winnerLane]) % hullLaneCount)
	winnerOffset := winner.Sub(origin)
	winnerX := winnerOffset.Dot(basisX)
	winnerY := winnerOffset.Dot(basisY)
	// plane normal in the projection plane, perpendicular to the winner
	// direction and pointing away from the cloud
	planeNormal2 := mgl32.Vec2{-winnerY, winnerX}
	length := planeNormal2.Len()
	if length == 0 {
		return mgl32.Vec3{}, false
	}
	planeNormal2 = planeNormal2.Mul(1 / length)

	for b := range bundles {
		base := b * hullLaneCount
		for lane := 0; lane < hullLaneCount; lane++ {
			index := base + lane
			if index >= count {
				break
			}
			p := bundles[b].lane(lane)
			offset := p.Sub(origin)
			x := offset.Dot(basisX)
			y := offset.Dot(basisY)
			distance := x*planeNormal2.X() + y*planeNormal2.Y()
			if distance < planeEpsilon && distance > -planeEpsilon {
				faceVertices.Append(pool, index)
			}
		}
	}

	faceNormal := basisX.Mul(planeNormal2.X()).Add(basisY.Mul(planeNormal2.Y()))
	return faceNormal, true
}
