package control

import "sync"

// Slot is a single-command mailbox with overwrite semantics: Offer replaces
// any command not yet taken. Stale input is worse than dropped input for a
// real-time control loop, so there is no queue.
type Slot struct {
	mu       sync.Mutex
	cmd      *Command
	replaced uint64
	notify   chan struct{}
}

// NewSlot constructs an empty slot.
func NewSlot() *Slot {
	return &Slot{notify: make(chan struct{}, 1)}
}

// Offer stores cmd, replacing any pending command. It reports whether a
// pending command was overwritten. Offer never blocks.
func (s *Slot) Offer(cmd Command) bool {
	s.mu.Lock()
	replaced := s.cmd != nil
	if replaced {
		s.replaced++
	}
	c := cmd
	s.cmd = &c
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return replaced
}

// Ready returns a channel that receives a value after Offer. A receive does not
// guarantee Take will find a command if another consumer raced ahead.
func (s *Slot) Ready() <-chan struct{} {
	return s.notify
}

// Take removes and returns the pending command, if any.
func (s *Slot) Take() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return Command{}, false
	}
	c := *s.cmd
	s.cmd = nil
	return c, true
}

// Replaced returns how many pending commands were overwritten before being
// taken.
func (s *Slot) Replaced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}
