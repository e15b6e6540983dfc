package replication

import "fmt"

// Policy is the redundancy rule an operation has to satisfy.
type Policy int

const (
	// PolicyAllButOne tolerates one slot being out of rotation.
	PolicyAllButOne Policy = iota
	// PolicyHalf needs half of the slots.
	PolicyHalf
	// PolicyAll needs every slot.
	PolicyAll
)

// ParsePolicy parses the configuration names "N-1", "N/2" and "N".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "N-1":
		return PolicyAllButOne, nil
	case "N/2":
		return PolicyHalf, nil
	case "N":
		return PolicyAll, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

func (p Policy) String() string {
	switch p {
	case PolicyAllButOne:
		return "N-1"
	case PolicyHalf:
		return "N/2"
	case PolicyAll:
		return "N"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Purpose selects which rule of a policy applies.
type Purpose int

const (
	// PurposeHealth asks whether a handle still has its redundancy margin.
	PurposeHealth Purpose = iota
	// PurposeRead asks whether a single read succeeded.
	PurposeRead
	// PurposeWrite asks whether a fanned out write succeeded.
	PurposeWrite
)

func (p Purpose) String() string {
	switch p {
	case PurposeHealth:
		return "health"
	case PurposeRead:
		return "read"
	case PurposeWrite:
		return "write"
	}
	return fmt.Sprintf("Purpose(%d)", int(p))
}

// Check evaluates the policy. ok is the number of slots that succeeded,
// working the number of slots in rotation with a live connection, dbNum the
// number of slots per shard.
//
// Reads need a single answer whatever the policy. A write under N-1 must
// have reached every working slot and at least dbNum-1 of them; N needs
// all slots and N/2 half of them. No write succeeds without at least one
// slot taking it. The health rule asks whether one more failure would still
// leave the write rule satisfiable.
func (p Policy) Check(purpose Purpose, ok, working, dbNum int) bool {
	switch purpose {
	case PurposeRead:
		return ok >= 1
	case PurposeWrite:
		if ok < 1 {
			return false
		}
		switch p {
		case PolicyAllButOne:
			return ok == working && working >= dbNum-1
		case PolicyHalf:
			return ok >= dbNum/2
		case PolicyAll:
			return ok == dbNum
		}
	case PurposeHealth:
		switch p {
		case PolicyAllButOne:
			return ok >= dbNum
		case PolicyHalf:
			return ok-1 >= dbNum/2
		case PolicyAll:
			return ok == dbNum
		}
	}
	return false
}

// FailoverLevel limits what error handling may do to a failing slot.
type FailoverLevel int

const (
	// FailoverNone only deactivates failing slots.
	FailoverNone FailoverLevel = iota
	// FailoverNormal promotes a spare and falls back to deactivation, but
	// never switches off the last slot in rotation.
	FailoverNormal
	// FailoverLast is FailoverNormal that may also switch off the last slot.
	FailoverLast
)

// ParseFailoverLevel parses "none", "normal" and "last".
func ParseFailoverLevel(s string) (FailoverLevel, error) {
	switch s {
	case "none":
		return FailoverNone, nil
	case "normal":
		return FailoverNormal, nil
	case "last":
		return FailoverLast, nil
	}
	return 0, fmt.Errorf("unknown failover level %q", s)
}

func (l FailoverLevel) String() string {
	switch l {
	case FailoverNone:
		return "none"
	case FailoverNormal:
		return "normal"
	case FailoverLast:
		return "last"
	}
	return fmt.Sprintf("FailoverLevel(%d)", int(l))
}
