package montecarlo

import (
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
	"sfmprecision/internal/trackmatch"
)

// perturb resets every reference value and observation of chunk to its
// baseline value plus Gaussian noise. Draw order is fixed: camera
// references, marker references, scalebar distances, then per aligned
// camera its tie-point observations followed by its marker observations.
func perturb(chunk *project.Chunk, base *Baseline, noise *Noise) {
	b := base.Chunk()

	for i, cam := range chunk.Cameras {
		loc := b.Cameras[i].Reference.Location
		if loc == nil {
			continue
		}
		v := r3.Add(*loc, noise.Vec3(chunk.ResolveCameraAccuracy(cam)))
		cam.Reference.Location = &v
	}

	for i, m := range chunk.Markers {
		loc := b.Markers[i].Reference.Location
		if loc == nil {
			continue
		}
		v := r3.Add(*loc, noise.Vec3(chunk.ResolveMarkerAccuracy(m)))
		m.Reference.Location = &v
	}

	for i, sb := range chunk.Scalebars {
		dist := b.Scalebars[i].Reference.Distance
		if dist == nil || *dist == 0 {
			continue
		}
		v := *dist + noise.Gauss(chunk.ResolveScalebarAccuracy(sb))
		sb.Reference.Distance = &v
	}

	tieSigma := chunk.TiePointSigma()
	markerSigma := chunk.MarkerProjectionSigma()
	for i, cam := range chunk.Cameras {
		if cam.Transform == nil {
			continue
		}
		key := b.Cameras[i].Key

		working := chunk.TiePoints.Projections[cam.Key]
		baseline := b.TiePoints.Projections[key]
		for w, o := range trackmatch.Pairs(working, baseline, projectionTrack, projectionTrack) {
			if !base.ValidTrack(working[w].TrackID) {
				continue
			}
			working[w].Coord = r2.Add(baseline[o].Coord, noise.Vec2(tieSigma))
		}

		for k, m := range chunk.Markers {
			if _, seen := m.Projections[cam.Key]; !seen {
				continue
			}
			uv, ok := b.Markers[k].Projections[key]
			if !ok {
				continue
			}
			m.Projections[cam.Key] = r2.Add(uv, noise.Vec2(markerSigma))
		}
	}
}
