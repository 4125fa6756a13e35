package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/keel/internal/ids"
)

// SequentialAgentIDs issues agent-1, agent-2, ... so traces that embed agent
// ids stay byte-identical across runs.
//
// Thread-safety: Next is safe for concurrent use.
type SequentialAgentIDs struct {
	mu sync.Mutex
	n  int
}

// Next returns the next agent id. Matches the lock manager's ID generator
// signature.
func (s *SequentialAgentIDs) Next() ids.AgentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return ids.AgentID(fmt.Sprintf("agent-%d", s.n))
}
