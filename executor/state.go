// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package executor

import (
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/execution"
)

// Status is the executor's reconciliation state.
type Status int32

const (
	StatusUninitialized Status = iota
	// StatusSyncing: replaying firm blocks from the data availability
	// chain to catch the firm pointer up after a restart.
	StatusSyncing
	// StatusFollowing: executing soft blocks as they stream in and
	// confirming them as firm blocks surface.
	StatusFollowing
	// StatusWaitingForSession: the session's block range is exhausted and
	// the executor is polling the engine for the next session.
	StatusWaitingForSession
	// StatusHalted: an unrecoverable fault, no further blocks will be
	// executed.
	StatusHalted
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusSyncing:
		return "syncing"
	case StatusFollowing:
		return "following"
	case StatusWaitingForSession:
		return "waiting-for-session"
	case StatusHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// SequencerHeightToRollupNumber maps a sequencer block height onto the
// rollup block number it produces under the session's affine mapping. The
// arithmetic is checked: heights below the session start and overflow are
// errors, never wrapped values.
func SequencerHeightToRollupNumber(params *execution.ExecutionSessionParameters, height uint64) (uint64, error) {
	if height < params.SequencerStartBlockHeight {
		return 0, errors.Errorf("sequencer height %d is below the session start height %d", height, params.SequencerStartBlockHeight)
	}
	offset := height - params.SequencerStartBlockHeight
	number := params.RollupStartBlockNumber + offset
	if number < params.RollupStartBlockNumber {
		return 0, errors.Errorf("rollup number overflows mapping sequencer height %d", height)
	}
	return number, nil
}

// RollupNumberToSequencerHeight is the inverse mapping.
func RollupNumberToSequencerHeight(params *execution.ExecutionSessionParameters, number uint64) (uint64, error) {
	if number < params.RollupStartBlockNumber {
		return 0, errors.Errorf("rollup number %d is below the session start number %d", number, params.RollupStartBlockNumber)
	}
	offset := number - params.RollupStartBlockNumber
	height := params.SequencerStartBlockHeight + offset
	if height < params.SequencerStartBlockHeight {
		return 0, errors.Errorf("sequencer height overflows mapping rollup number %d", number)
	}
	return height, nil
}
