package protocol

// Wire types of the emubridge HTTP API.
// This package defines shared types used by the server and its clients.

// SimulateRequest is the body of POST /api/simulate.
type SimulateRequest struct {
	Source string `json:"source"`
}

// ResultResponse carries a guest result pair. JSON is the guest's own
// document, passed through as a string.
type ResultResponse struct {
	Text string `json:"text"`
	JSON string `json:"json"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	State      string `json:"state"`
	Emulator   string `json:"emulator"`
	Generation uint64 `json:"generation"`
}

// ErrorResponse is returned with every non-2xx status. Kind names the
// failure class, e.g. NotLoaded or DecodeFailure.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// EmulatorInfo describes a discovered emulator package.
type EmulatorInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Arch        string `json:"arch"`
	Description string `json:"description,omitempty"`
	Module      string `json:"module"`
}
