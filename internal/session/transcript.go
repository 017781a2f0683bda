package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEmptyTranscript = errors.New("transcript is empty")
	ErrTurnNotFound    = errors.New("turn not found")
	ErrInvalidRole     = errors.New("invalid role")
)

// Transcript is the ordered conversation history of a session.
//
// Mutations come from a single writer (the controller running a submit
// cycle); readers may take snapshots from any goroutine.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds a turn to the end and returns its index
func (t *Transcript) Append(turn Turn) (int, error) {
	if !turn.Role.Valid() {
		return -1, fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, turn)
	return len(t.turns) - 1, nil
}

// AppendToLast appends delta to the content of the last turn
func (t *Transcript) AppendToLast(delta string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.turns) == 0 {
		return ErrEmptyTranscript
	}
	t.turns[len(t.turns)-1].Content += delta
	return nil
}

// ReplaceLast replaces the content of the last turn
func (t *Transcript) ReplaceLast(content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.turns) == 0 {
		return ErrEmptyTranscript
	}
	t.turns[len(t.turns)-1].Content = content
	return nil
}

// AppendAt appends delta to the content of the turn at index i
func (t *Transcript) AppendAt(i int, delta string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkIndexLocked(i); err != nil {
		return err
	}
	t.turns[i].Content += delta
	return nil
}

// ReplaceAt replaces the content of the turn at index i
func (t *Transcript) ReplaceAt(i int, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkIndexLocked(i); err != nil {
		return err
	}
	t.turns[i].Content = content
	return nil
}

// Finalize clears the pending flag of the turn at index i
func (t *Transcript) Finalize(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkIndexLocked(i); err != nil {
		return err
	}
	t.turns[i].Pending = false
	return nil
}

// Turn returns a copy of the turn at index i
func (t *Transcript) Turn(i int) (Turn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkIndexLocked(i); err != nil {
		return Turn{}, err
	}
	return t.turns[i], nil
}

// Clear drops every turn
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = nil
}

// Snapshot returns a copy of the turns in conversation order
func (t *Transcript) Snapshot() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

func (t *Transcript) checkIndexLocked(i int) error {
	if len(t.turns) == 0 {
		return ErrEmptyTranscript
	}
	if i < 0 || i >= len(t.turns) {
		return fmt.Errorf("%w: index %d of %d", ErrTurnNotFound, i, len(t.turns))
	}
	return nil
}
