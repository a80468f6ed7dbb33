package bridge

// Result is the pair of representations a guest reports: a free-text log
// and a structured form. JSON is passed through as the guest wrote it; its
// schema belongs to the emulator.
type Result struct {
	Text string `json:"text"`
	JSON string `json:"json"`
}

func project(text, json string) Result {
	return Result{Text: text, JSON: json}
}
