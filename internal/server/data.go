package server

import (
	"encoding/json"
	"io"
)

func toJSON(i interface{}, w io.Writer) error {
	e := json.NewEncoder(w)
	return e.Encode(i)
}

func fromJSON(i interface{}, r io.Reader) error {
	d := json.NewDecoder(r)
	return d.Decode(i)
}

// StartRunRequest carries the tunables of one profiling run. Zero values fall
// back to the scheduler defaults; AcceptFailures is a pointer because its
// default is true.
type StartRunRequest struct {
	Rounds              int               `json:"rounds"`
	PolyDegree          int               `json:"polyDegree"`
	FractionFit         float64           `json:"fractionFit"`
	MinFitClients       int               `json:"minFitClients"`
	MinAvailableClients int               `json:"minAvailableClients"`
	AcceptFailures      *bool             `json:"acceptFailures"`
	ProbeSteps          int               `json:"probeSteps"`
	DefaultSteps        int               `json:"defaultSteps"`
	Profiles            map[string]int    `json:"profiles"`
	Seed                int64             `json:"seed"`
	RoundConfig         map[string]string `json:"roundConfig"`
}

type RunStatus struct {
	RunId        string  `json:"runId"`
	Phase        string  `json:"phase"`
	Round        int     `json:"round"`
	Devices      int     `json:"devices"`
	LastMakespan float64 `json:"lastMakespanSeconds"`
	Finished     bool    `json:"finished"`
	ExitMessage  string  `json:"exitMessage,omitempty"`
}
