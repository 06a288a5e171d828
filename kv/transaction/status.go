package transaction

// Status is the state of a transaction as recorded by its coordinator.
//
// A transaction starts Pending and reaches exactly one of Committed or
// Aborted; the decision is irrevocable. Committed records then move through
// Applying to Applied as intents are converted to committed versions; both
// are internal refinements of Committed and are reported as Committed
// outside the coordinator.
type Status int32

const (
	Pending Status = iota
	Committed
	Aborted
	Applying
	Applied
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case Applying:
		return "APPLYING"
	case Applied:
		return "APPLIED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the commit/abort decision has been made.
func (s Status) Terminal() bool {
	return s != Pending
}

// External collapses the internal apply states into the client-visible
// status.
func (s Status) External() Status {
	if s == Applying || s == Applied {
		return Committed
	}
	return s
}
