// Package hostbridge carries optimization requests between the estimator
// and the process that owns the bundle adjuster. Requests and replies are
// chunk snapshots wrapped in protobuf Struct messages, so no generated code
// is needed on either side.
package hostbridge

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/types/known/structpb"

	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/project"
)

const (
	serviceName    = "sfmprecision.hostbridge.v1.Optimizer"
	optimizeMethod = "/" + serviceName + "/Optimize"

	// maxMessageSize allows tie point clouds of a few million projections.
	maxMessageSize = 100 * 1024 * 1024
)

type optimizeRequest struct {
	Snapshot *project.Snapshot   `json:"snapshot"`
	Fit      optimizer.FitParams `json:"fit"`
}

type optimizeReply struct {
	Snapshot *project.Snapshot `json:"snapshot"`
	Report   optimizer.Report  `json:"report"`
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct fills v from s through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("empty message")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
