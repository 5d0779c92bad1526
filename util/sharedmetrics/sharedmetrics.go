// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE
package sharedmetrics

import (
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	softBlockNumberGauge   = metrics.NewRegisteredGauge("conductor/commitment/soft", nil)
	firmBlockNumberGauge   = metrics.NewRegisteredGauge("conductor/commitment/firm", nil)
	commitmentSpreadGauge  = metrics.NewRegisteredGauge("conductor/commitment/spread", nil)
	divergencesCounter     = metrics.NewRegisteredCounter("conductor/divergences", nil)
	executedBlocksCounter  = metrics.NewRegisteredCounter("conductor/blocks/executed", nil)
	confirmedBlocksCounter = metrics.NewRegisteredCounter("conductor/blocks/confirmed", nil)
)

func UpdateCommitmentGauges(softNumber, firmNumber uint64) {
	// #nosec G115
	softBlockNumberGauge.Update(int64(softNumber))
	// #nosec G115
	firmBlockNumberGauge.Update(int64(firmNumber))
	// #nosec G115
	commitmentSpreadGauge.Update(int64(softNumber - firmNumber))
}

func RecordExecutedBlock() {
	executedBlocksCounter.Inc(1)
}

func RecordConfirmedBlock() {
	confirmedBlocksCounter.Inc(1)
}

func RecordDivergence() {
	divergencesCounter.Inc(1)
}
