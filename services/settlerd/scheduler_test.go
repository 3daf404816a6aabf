package settlerd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stakearena/core/ledger"
	"stakearena/core/lobby"
	"stakearena/storage/archive"
)

func TestGraceExpiresWhileSettlementBlocks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100*60+15, 0).UTC()}
	manager, err := lobby.NewManager(lobby.Config{
		RoundDuration:  time.Minute,
		GracePeriod:    30 * time.Second,
		CashOutGrace:   10 * time.Second,
		ReconnectGrace: 30 * time.Second,
		Stake:          testStake,
	}, lobby.WithClock(clock.Now))
	require.NoError(t, err)
	store, err := archive.OpenBolt(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	delivery := &scriptedDelivery{started: make(chan struct{}), release: make(chan struct{})}
	submitter, err := NewSubmitter(delivery, WithBackoffUnit(0), WithClock(clock.Now))
	require.NoError(t, err)
	finalizer, err := NewFinalizer(FinalizerConfig{
		Manager:   manager,
		Submitter: submitter,
		Store:     store,
		FeeBps:    500,
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	scheduler := NewScheduler(SchedulerConfig{
		FinalizeInterval: 5 * time.Millisecond,
		GraceInterval:    5 * time.Millisecond,
		EvictInterval:    time.Hour,
		SettleTimeout:    time.Minute,
		Clock:            clock.Now,
	}, manager, finalizer, submitter, nil)

	_, err = manager.Deposit(100, "pA", addrA, ledger.Receipt{TxHash: "0x01", Amount: testStake})
	require.NoError(t, err)
	clock.Advance(50 * time.Second) // lobby 100 ended, lobby 101 running
	_, err = manager.Deposit(101, "pB", addrB, ledger.Receipt{TxHash: "0x02", Amount: testStake})
	require.NoError(t, err)
	_, err = manager.Disconnect("pB", "transport close")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-delivery.started:
	case <-time.After(5 * time.Second):
		t.Fatal("settlement of lobby 100 never started")
	}

	clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		snap, err := manager.Snapshot(101)
		return err == nil && len(snap.Entries) == 1 && snap.Entries[0].Status == "dead"
	}, 5*time.Second, 5*time.Millisecond, "grace expiry must not wait for the blocked settlement")

	info, _ := manager.Info(100)
	require.Equal(t, lobby.StateFinalizable, info.State)

	close(delivery.release)
	require.Eventually(t, func() bool {
		info, _ := manager.Info(100)
		return info.State == lobby.StateFinalized
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, delivery.count())
}
