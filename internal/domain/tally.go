package domain

// Tally holds the vote counters for one token address.
// The authoritative copy lives in the remote store; local copies are
// read-only projections refreshed by subscription push.
type Tally struct {
	Likes    int64
	Dislikes int64
}

// TallySnapshot is the full address→Tally mapping at one point in time.
// Every subscription delivery carries a complete snapshot; an address
// absent from the map means {0,0}.
type TallySnapshot map[string]Tally

// Clone returns an independent copy of the snapshot.
func (s TallySnapshot) Clone() TallySnapshot {
	out := make(TallySnapshot, len(s))
	for addr, t := range s {
		out[addr] = t
	}
	return out
}

// VoteField identifies which counter an increment targets.
type VoteField string

const (
	VoteLikes    VoteField = "likes"
	VoteDislikes VoteField = "dislikes"
)

// Valid reports whether f is a known vote field.
func (f VoteField) Valid() bool {
	return f == VoteLikes || f == VoteDislikes
}
