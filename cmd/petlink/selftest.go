package main

import (
	"log/slog"
	"math/rand/v2"
)

// SelfTest drives synthetic activity through the StateStore and the
// reporting channel so a bench device exercises the full report path
// without a human touching it.
type SelfTest struct {
	store    *StateStore
	reporter interface{ SendNow() error }
	onHunger func(level int)
	logger   *slog.Logger

	// intn returns a value in [0,n). Replaced in tests.
	intn func(n int) int
}

func NewSelfTest(store *StateStore, reporter interface{ SendNow() error }, onHunger func(level int), logger *slog.Logger) *SelfTest {
	return &SelfTest{
		store:    store,
		reporter: reporter,
		onHunger: onHunger,
		logger:   logger,
		intn:     rand.IntN,
	}
}

const (
	selfTestCalories      = 10
	selfTestSoilPercent   = 10
	selfTestWalkPercent   = 5
	selfTestPercentRanges = 100
)

// Run performs one round.
func (t *SelfTest) Run() {
	muts := []Mutation{
		{Kind: MutTouch},
		{Kind: MutFeeding},
		{Kind: MutAddCalories, Value: selfTestCalories},
	}

	hunger := t.intn(maxHungerLevel + 1)
	muts = append(muts, Mutation{Kind: MutSetHunger, Value: hunger})

	if t.intn(selfTestPercentRanges) < selfTestSoilPercent {
		muts = append(muts, Mutation{Kind: MutSoil}, Mutation{Kind: MutCleanup})
	}
	if t.intn(selfTestPercentRanges) < selfTestWalkPercent {
		muts = append(muts, Mutation{Kind: MutWalking})
	}

	for _, m := range muts {
		if err := t.store.ApplyEvent(m); err != nil {
			t.logger.Warn("self-test mutation rejected", "mutation", m.String(), "error", err)
		}
	}
	if t.onHunger != nil {
		t.onHunger(hunger)
	}

	if err := t.reporter.SendNow(); err != nil {
		t.logger.Info("self-test report not sent", "error", err)
		return
	}
	t.logger.Debug("self-test round reported", "mutations", len(muts), "hunger", hunger)
}
