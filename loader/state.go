package loader

// State is a point in the instance lifecycle:
//
//	Uninitialized --acquire--> Open --load--> Loaded
//	Loaded --no exception--> Clean --release--> Closed
//	Loaded --exception--> Faulted --report--> FaultedReported --release--> Closed
type State int

const (
	StateUninitialized State = iota
	StateOpen
	StateLoaded
	StateClean
	StateFaulted
	StateFaultedReported
	StateClosed
)

var stateNames = [...]string{
	StateUninitialized:   "UNINITIALIZED",
	StateOpen:            "OPEN",
	StateLoaded:          "LOADED",
	StateClean:           "CLEAN",
	StateFaulted:         "FAULTED",
	StateFaultedReported: "FAULTED_REPORTED",
	StateClosed:          "CLOSED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}
