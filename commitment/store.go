// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package commitment persists the conductor's commitment state to disk.
// The whole state is a single JSON record rewritten atomically on every
// advance, so a crash leaves either the old record or the new one, never a
// torn write.
package commitment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/execution"
)

var (
	// ErrNoState is returned by Load when no state has been recorded yet.
	ErrNoState = errors.New("no commitment state recorded")
	// ErrFirmAheadOfSoft is returned when an advance would move the firm
	// pointer past the soft pointer.
	ErrFirmAheadOfSoft = errors.New("firm commitment must not advance past soft commitment")
	// ErrNonContiguous is returned when an advance skips block numbers.
	ErrNonContiguous = errors.New("commitment advance must be contiguous")
	// ErrBrokenChain is returned when an advance does not link to the
	// previous block's hash.
	ErrBrokenChain = errors.New("commitment advance does not link to previous hash")
)

type Store struct {
	path string

	mutex  sync.Mutex
	state  execution.CommitmentState
	loaded bool
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the recorded state from disk. It returns ErrNoState when the
// file does not exist, which callers treat as a first run.
func (s *Store) Load() (*execution.CommitmentState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading commitment state")
	}
	var state execution.CommitmentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.Wrapf(err, "corrupt commitment state in %s", s.path)
	}
	if err := state.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid commitment state in %s", s.path)
	}
	s.state = state
	s.loaded = true
	return s.snapshot(), nil
}

// Put overwrites the recorded state wholesale. Used for the initial state
// of a first run and when resetting after a rollback.
func (s *Store) Put(state *execution.CommitmentState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	previous := s.state
	wasLoaded := s.loaded
	s.state = *state
	s.loaded = true
	if err := s.persistLocked(); err != nil {
		s.state = previous
		s.loaded = wasLoaded
		return err
	}
	return nil
}

// AdvanceSoft moves the soft pointer to meta. The new block must extend
// the current soft block.
func (s *Store) AdvanceSoft(meta *execution.ExecutedBlockMetadata) (*execution.CommitmentState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.checkLink(&s.state.Soft, meta); err != nil {
		return nil, err
	}
	previous := s.state
	s.state.Soft = *meta
	if err := s.persistLocked(); err != nil {
		s.state = previous
		return nil, err
	}
	return s.snapshot(), nil
}

// AdvanceFirm moves the firm pointer to meta and records where the firm
// source should resume scanning the data availability chain. The firm
// pointer can never pass the soft pointer.
func (s *Store) AdvanceFirm(meta *execution.ExecutedBlockMetadata, lowestCelestiaSearchHeight uint64) (*execution.CommitmentState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if meta.Number > s.state.Soft.Number {
		return nil, errors.Wrapf(ErrFirmAheadOfSoft, "firm %d, soft %d", meta.Number, s.state.Soft.Number)
	}
	if err := s.checkLink(&s.state.Firm, meta); err != nil {
		return nil, err
	}
	previous := s.state
	s.state.Firm = *meta
	if lowestCelestiaSearchHeight > s.state.LowestCelestiaSearchHeight {
		s.state.LowestCelestiaSearchHeight = lowestCelestiaSearchHeight
	}
	if err := s.persistLocked(); err != nil {
		s.state = previous
		return nil, err
	}
	return s.snapshot(), nil
}

// AdvanceBoth moves both pointers to the same block in one durable write.
// Used when a firm block arrives for a height the soft source has not
// reached yet.
func (s *Store) AdvanceBoth(meta *execution.ExecutedBlockMetadata, lowestCelestiaSearchHeight uint64) (*execution.CommitmentState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.checkLink(&s.state.Firm, meta); err != nil {
		return nil, err
	}
	if s.state.Soft.Number != s.state.Firm.Number {
		return nil, errors.Wrapf(ErrNonContiguous, "cannot advance both pointers while soft %d is ahead of firm %d", s.state.Soft.Number, s.state.Firm.Number)
	}
	previous := s.state
	s.state.Soft = *meta
	s.state.Firm = *meta
	if lowestCelestiaSearchHeight > s.state.LowestCelestiaSearchHeight {
		s.state.LowestCelestiaSearchHeight = lowestCelestiaSearchHeight
	}
	if err := s.persistLocked(); err != nil {
		s.state = previous
		return nil, err
	}
	return s.snapshot(), nil
}

// State returns a copy of the in-memory state.
func (s *Store) State() *execution.CommitmentState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.snapshot()
}

func (s *Store) snapshot() *execution.CommitmentState {
	state := s.state
	return &state
}

func (s *Store) checkLink(current *execution.ExecutedBlockMetadata, next *execution.ExecutedBlockMetadata) error {
	if !s.loaded {
		return ErrNoState
	}
	if next.Number != current.Number+1 {
		return errors.Wrapf(ErrNonContiguous, "at %d, advancing to %d", current.Number, next.Number)
	}
	if current.Hash != (common.Hash{}) && next.ParentHash != current.Hash {
		return errors.Wrapf(ErrBrokenChain, "block %d parent %s, expected %s", next.Number, next.ParentHash, current.Hash)
	}
	return nil
}

// persistLocked writes the state to a temp file in the same directory and
// renames it over the target.
func (s *Store) persistLocked() error {
	encoded, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding commitment state")
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "creating temp commitment state file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(encoded); err != nil {
		cleanup()
		return errors.Wrap(err, "writing commitment state")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "syncing commitment state")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "closing commitment state file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "renaming commitment state file")
	}
	return nil
}
