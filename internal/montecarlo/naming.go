package montecarlo

import "fmt"

// Run-level artifacts, written directly under the output directory.
const (
	ActiveControlFile       = "active_ctrl_indices.txt"
	LocalOriginFile         = "_coordinate_local_origin.txt"
	ObservationDistanceFile = "_observation_distances.txt"
	CoordinateSystemFile    = "_coordinate_system.txt"
	ReferenceMarkersFile    = "referenceMarkers.xml"
	ReferenceCloudFile      = "sparse_pts_reference.ply"

	// TrialDir holds the per-trial artifacts.
	TrialDir = "Monte_Carlo_output"
)

// Per-trial artifact suffixes.
const (
	ControlSuffix     = "_GC.txt"
	CameraRefSuffix   = "_cams_c.txt"
	CamerasSuffix     = "_cams.xml"
	PointCloudSuffix  = "_pts.ply"
	calibrationSuffix = "_cal%d.xml"
)

// TrialName carries the values encoded in a trial's file names.
type TrialName struct {
	Index                    int
	MarkerAccuracy           float64
	MarkerProjectionAccuracy float64
	TiePointAccuracy         float64
	ActiveMarkers            int
	Line                     int
}

// Stem is the common prefix of every file of the trial.
func (n TrialName) Stem() string {
	return fmt.Sprintf("%04d_MA%.5f_PA%.5f_TA%.5f_NAM%03d_LID%03d",
		n.Index, n.MarkerAccuracy, n.MarkerProjectionAccuracy, n.TiePointAccuracy, n.ActiveMarkers, n.Line)
}

// File returns the stem joined with suffix.
func (n TrialName) File(suffix string) string {
	return n.Stem() + suffix
}

// Calibration returns the calibration file name of the k-th sensor, 1-based.
func (n TrialName) Calibration(k int) string {
	return n.Stem() + fmt.Sprintf(calibrationSuffix, k)
}
