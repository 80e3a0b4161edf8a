package montecarlo

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
	"sfmprecision/internal/project/projecttest"
)

func TestBaselineRestoresBestFitValues(t *testing.T) {
	live := projecttest.Scene(projecttest.DefaultOptions())
	exact := live.TiePoints.Projections[0][0].Coord
	exactMarker := live.Markers[0].Projections[1]
	live.TiePoints.Projections[0][0].Coord.X += 3
	live.Markers[0].Projections[1] = r2.Add(exactMarker, r2.Vec{X: 2, Y: -2})
	live.Markers[0].Reference.Location.Z += 1

	base, err := NewBaseline(live)
	require.NoError(t, err)
	b := base.Chunk()

	assert.InDelta(t, exact.X, b.TiePoints.Projections[0][0].Coord.X, 1e-9)
	assert.InDelta(t, exactMarker.X, b.Markers[0].Projections[1].X, 1e-9)
	assert.InDelta(t, exactMarker.Y, b.Markers[0].Projections[1].Y, 1e-9)
	want := live.ToWorld(*live.Markers[0].Position)
	assert.InDelta(t, want.Z, b.Markers[0].Reference.Location.Z, 1e-9)

	// the live chunk keeps its noisy observations
	assert.InDelta(t, exact.X+3, live.TiePoints.Projections[0][0].Coord.X, 1e-9)
	assert.InDelta(t, want.Z+1, live.Markers[0].Reference.Location.Z, 1e-9)
}

func TestBaselineSkipsMissingPoseAndPosition(t *testing.T) {
	opts := projecttest.DefaultOptions()
	opts.Unaligned = 1
	opts.Markers = 2
	live := projecttest.Scene(opts)
	live.Markers[1].Position = nil
	live.Markers[1].Projections[0] = r2.Vec{X: 1, Y: 2}
	refBefore := *live.Markers[1].Reference.Location

	base, err := NewBaseline(live)
	require.NoError(t, err)
	b := base.Chunk()
	assert.Equal(t, refBefore, *b.Markers[1].Reference.Location)
	assert.Equal(t, r2.Vec{X: 1, Y: 2}, b.Markers[1].Projections[0])
	assert.Nil(t, b.Cameras[2].Transform)
}

func TestBaselineRejectsUnsortedTracks(t *testing.T) {
	live := projecttest.Scene(projecttest.DefaultOptions())
	pts := live.TiePoints.Points
	pts[0], pts[1] = pts[1], pts[0]
	_, err := NewBaseline(live)
	assert.ErrorIs(t, err, ErrUnsortedTracks)

	live = projecttest.Scene(projecttest.DefaultOptions())
	projs := live.TiePoints.Projections[1]
	projs[0], projs[1] = projs[1], projs[0]
	_, err = NewBaseline(live)
	assert.ErrorIs(t, err, ErrUnsortedTracks)
}

func TestPerturbLeavesBaselineUntouched(t *testing.T) {
	live := projecttest.Scene(projecttest.Options{Cameras: 3, ReferencedCameras: 2, CameraAccuracy: 0.1, Markers: 2, GridSize: 5, InvalidEvery: 4, TrackStride: 2})
	base, err := NewBaseline(live)
	require.NoError(t, err)
	before := project.ToSnapshot(base.Copy())

	noise := NewNoise(DefaultSeed)
	for range 3 {
		perturb(live, base, noise)
	}
	assert.Equal(t, before, project.ToSnapshot(base.Chunk()))
	assert.NotEqual(t, before.TiePoints, project.ToSnapshot(live).TiePoints)
}

func TestPerturbIsReproducible(t *testing.T) {
	run := func(seed uint64) *project.Snapshot {
		live := projecttest.Scene(projecttest.DefaultOptions())
		base, err := NewBaseline(live)
		require.NoError(t, err)
		noise := NewNoise(seed)
		perturb(live, base, noise)
		perturb(live, base, noise)
		return project.ToSnapshot(live)
	}
	assert.Equal(t, run(1), run(1))
	assert.NotEqual(t, run(1), run(2))
}

func TestPerturbSkipsInvalidAndOneSidedTracks(t *testing.T) {
	live := projecttest.Scene(projecttest.DefaultOptions())
	base, err := NewBaseline(live)
	require.NoError(t, err)

	// track 1 falls between strided ids and exists only on the working side
	projs := live.TiePoints.Projections[0]
	orphan := project.Projection{TrackID: 1, Coord: r2.Vec{X: 7, Y: 7}}
	projs = slices.Insert(projs, 1, orphan)
	live.TiePoints.Projections[0] = projs

	invalid := -1
	for i, p := range projs {
		if p.TrackID != 1 && !base.ValidTrack(p.TrackID) {
			invalid = i
			break
		}
	}
	require.NotEqual(t, -1, invalid, "scene has an invalid observed point")
	invalidBefore := projs[invalid].Coord

	perturb(live, base, NewNoise(DefaultSeed))
	assert.Equal(t, orphan.Coord, projs[1].Coord)
	assert.Equal(t, invalidBefore, projs[invalid].Coord)
	assert.NotEqual(t, base.Chunk().TiePoints.Projections[0][0].Coord, projs[0].Coord)
}

func TestPerturbUsesGlobalMarkerAccuracy(t *testing.T) {
	live := projecttest.Scene(projecttest.Options{Cameras: 2, Markers: 3, GridSize: 3})
	live.Accuracy.MarkerLocation = r3.Vec{}
	own := r3.Vec{X: 1, Y: 1, Z: 1}
	live.Markers[2].Reference.Accuracy = &own

	base, err := NewBaseline(live)
	require.NoError(t, err)
	perturb(live, base, NewNoise(DefaultSeed))

	for i := 0; i < 2; i++ {
		assert.Equal(t, live.Accuracy.MarkerLocation, live.ResolveMarkerAccuracy(live.Markers[i]))
		assert.Equal(t, *base.Chunk().Markers[i].Reference.Location, *live.Markers[i].Reference.Location,
			"markers without their own accuracy take the zero global default")
	}
	assert.NotEqual(t, *base.Chunk().Markers[2].Reference.Location, *live.Markers[2].Reference.Location)
}

func TestPerturbMarkerNoiseScalesWithGlobalAccuracy(t *testing.T) {
	offsets := func(sigma float64) []r3.Vec {
		live := projecttest.Scene(projecttest.Options{Cameras: 2, Markers: 3, GridSize: 3})
		live.Accuracy.MarkerLocation = r3.Vec{X: sigma, Y: sigma, Z: sigma}
		base, err := NewBaseline(live)
		require.NoError(t, err)
		perturb(live, base, NewNoise(DefaultSeed))

		var out []r3.Vec
		for i, m := range live.Markers {
			require.Nil(t, m.Reference.Accuracy)
			out = append(out, r3.Sub(*m.Reference.Location, *base.Chunk().Markers[i].Reference.Location))
		}
		return out
	}
	single, double := offsets(0.01), offsets(0.02)
	require.Len(t, double, len(single))
	for i := range single {
		assert.NotEqual(t, r3.Vec{}, single[i])
		assert.InDelta(t, 2*single[i].X, double[i].X, 1e-9)
		assert.InDelta(t, 2*single[i].Y, double[i].Y, 1e-9)
		assert.InDelta(t, 2*single[i].Z, double[i].Z, 1e-9)
	}
}

func TestPerturbSkipsZeroLengthScalebar(t *testing.T) {
	run := func(dist *float64) *project.Chunk {
		live := projecttest.Scene(projecttest.Options{Cameras: 2, Markers: 2, GridSize: 3})
		live.Scalebars[0].Reference.Distance = dist
		base, err := NewBaseline(live)
		require.NoError(t, err)
		perturb(live, base, NewNoise(DefaultSeed))
		return live
	}
	zero := 0.0
	withZero, withNone := run(&zero), run(nil)

	require.NotNil(t, withZero.Scalebars[0].Reference.Distance)
	assert.Zero(t, *withZero.Scalebars[0].Reference.Distance)
	// no draw was consumed, so later observations see the same stream
	assert.Equal(t, withNone.TiePoints.Projections, withZero.TiePoints.Projections)
}

func TestPerturbScalebarsAndCameras(t *testing.T) {
	live := projecttest.Scene(projecttest.Options{Cameras: 3, ReferencedCameras: 1, CameraAccuracy: 0.5, Markers: 2, GridSize: 3})
	base, err := NewBaseline(live)
	require.NoError(t, err)
	perturb(live, base, NewNoise(7))

	assert.NotEqual(t, *base.Chunk().Scalebars[0].Reference.Distance, *live.Scalebars[0].Reference.Distance)
	assert.NotEqual(t, *base.Chunk().Cameras[0].Reference.Location, *live.Cameras[0].Reference.Location)
	assert.Nil(t, live.Cameras[1].Reference.Location)
}

func TestNoiseStream(t *testing.T) {
	a, b := NewNoise(1), NewNoise(1)
	for range 10 {
		assert.Equal(t, a.Gauss(2), b.Gauss(2))
	}
	assert.Equal(t, r3.Vec{}, NewNoise(3).Vec3(r3.Vec{}))
}
