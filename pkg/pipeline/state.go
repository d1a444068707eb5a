package pipeline

// State is one step of the per-chunk processing cycle. The orchestrator
// moves through the states in order for every chunk, terminating the job in
// Completed, or marking individual chunks Failed without aborting the job.
type State int

const (
	StateIdle State = iota
	StateLoadingCache
	StateExtracting
	StateValidating
	StateResolvingIdentities
	StateResolvingSpeakers
	StateRecordingEvents
	StateCompacting
	StatePersisting
	StateAdvancing
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateLoadingCache:        "loading_cache",
	StateExtracting:          "extracting",
	StateValidating:          "validating",
	StateResolvingIdentities: "resolving_identities",
	StateResolvingSpeakers:   "resolving_speakers",
	StateRecordingEvents:     "recording_events",
	StateCompacting:          "compacting",
	StatePersisting:          "persisting",
	StateAdvancing:           "advancing",
	StateCompleted:           "completed",
	StateFailed:              "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
