package call

import (
	"errors"

	"github.com/BioHazard786/warpcall/internal/peer"
)

// CandidateApplier accepts remote ICE candidates.
type CandidateApplier interface {
	AddCandidate(peer.Candidate) error
}

// CandidateBuffer parks remote candidates that arrive before the peer
// session has a remote description. It is owned by the manager's run loop
// and is not safe for concurrent use.
type CandidateBuffer struct {
	queue []peer.Candidate
}

func (b *CandidateBuffer) Push(c peer.Candidate) {
	b.queue = append(b.queue, c)
}

func (b *CandidateBuffer) Len() int {
	return len(b.queue)
}

// IsReady reports whether candidates can bypass the buffer and go straight
// to p.
func (b *CandidateBuffer) IsReady(p interface{ HasRemoteDescription() bool }) bool {
	return p != nil && p.HasRemoteDescription()
}

// DrainInto applies every buffered candidate to a in arrival order and
// empties the buffer. A candidate that fails does not stop the rest; all
// failures are returned together.
func (b *CandidateBuffer) DrainInto(a CandidateApplier) error {
	queue := b.queue
	b.queue = nil

	var errs []error
	for _, c := range queue {
		if err := a.AddCandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset drops everything buffered.
func (b *CandidateBuffer) Reset() {
	b.queue = nil
}
