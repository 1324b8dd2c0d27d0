package r8139

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/r8139/emu"
	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/irq"
	"github.com/slackhq/r8139/nic"
	"github.com/slackhq/r8139/ring"
	"github.com/slackhq/r8139/tap"
	"github.com/slackhq/r8139/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dropped(reason string) int64 {
	return metrics.GetOrRegisterCounter("inside.dropped."+reason, nil).Count()
}

func TestDropReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nic.ErrCarrierDown, "carrier"},
		{fmt.Errorf("submit: %w", nic.ErrDeviceDown), "down"},
		{nic.ErrTxDisabled, "tx_disabled"},
		{ring.ErrFrameTooLarge, "invalid"},
		{ring.ErrFrameEmpty, "invalid"},
		{errors.New("gremlins"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dropReason(tt.err), tt.err.Error())
	}
}

func TestInterface_DropsWhileDown(t *testing.T) {
	ctrl, _ := newTestControl(t, "")

	before := dropped("down")
	ctrl.f.consumeInsideFrame(context.Background(), testFrame(64, 1))
	assert.Equal(t, before+1, dropped("down"))
}

func TestInterface_DropsOversized(t *testing.T) {
	ctrl, _ := newTestControl(t, "")
	startControl(t, ctrl)
	defer ctrl.Stop()

	before := dropped("invalid")
	ctrl.f.consumeInsideFrame(context.Background(), testFrame(4000, 1))
	assert.Equal(t, before+1, dropped("invalid"))
}

// newManualInterface wires an Interface to an adapter that leaves frames in
// flight until the test completes them.
func newManualInterface(t *testing.T) (*Interface, *emu.Adapter) {
	t.Helper()
	l := test.NewLogger()
	a := emu.New(l, emu.Options{ManualTx: true})
	line := irq.NewLine(l, t.Name(), irq.NewChanTrigger())
	a.SetAsserter(line)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		line.Run(ctx)
		close(done)
	}()

	cfg := nic.DefaultConfig()
	cfg.Name = "manual0"
	cfg.TxRing = 1
	cfg.TxTimeout = 0
	dev, err := nic.New(l, a, a, cfg)
	require.NoError(t, err)

	f, err := NewInterface(&InterfaceConfig{
		Device:       dev,
		Inside:       tap.NewTestDevice(l, "tap-test"),
		RetryTimeout: 20 * time.Millisecond,
		l:            l,
	})
	require.NoError(t, err)

	require.NoError(t, dev.Open(ctx, line))
	require.Eventually(t, dev.Carrier, waitFor, time.Millisecond)

	t.Cleanup(func() {
		dev.Close()
		cancel()
		<-done
		line.Close()
	})
	return f, a
}

func TestInterface_RingFullTimeout(t *testing.T) {
	f, a := newManualInterface(t)

	f.consumeInsideFrame(context.Background(), testFrame(64, 1))
	require.Len(t, a.InFlight(), 1)

	before := dropped("ring_full")
	start := time.Now()
	f.consumeInsideFrame(context.Background(), testFrame(64, 2))
	assert.Equal(t, before+1, dropped("ring_full"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestInterface_RingFullResumes(t *testing.T) {
	f, a := newManualInterface(t)
	f.retryTimeout = waitFor

	f.consumeInsideFrame(context.Background(), testFrame(64, 1))
	require.Len(t, a.InFlight(), 1)

	done := make(chan struct{})
	go func() {
		f.consumeInsideFrame(context.Background(), testFrame(64, 2))
		close(done)
	}()

	// The waiting frame goes out once the slot it needs is reclaimed.
	time.Sleep(5 * time.Millisecond)
	require.True(t, a.CompleteTx(a.InFlight()[0], hw.TxOK))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("submission did not resume")
	}
	assert.Len(t, a.InFlight(), 1)
}

func TestInterface_RingFullCanceled(t *testing.T) {
	f, a := newManualInterface(t)
	f.retryTimeout = time.Hour

	f.consumeInsideFrame(context.Background(), testFrame(64, 1))
	require.Len(t, a.InFlight(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	before := dropped("ring_full")
	f.consumeInsideFrame(ctx, testFrame(64, 2))
	assert.Equal(t, before, dropped("ring_full"))
}

func TestInterface_CanceledWhileWaiting(t *testing.T) {
	ctrl, _ := newTestControl(t, "")
	startControl(t, ctrl)
	defer ctrl.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A canceled context still lets a frame through when a slot is free.
	before := ctrl.Device().Stats().TxPackets
	ctrl.f.consumeInsideFrame(ctx, testFrame(64, 1))
	require.Eventually(t, func() bool { return ctrl.Device().Stats().TxPackets == before+1 }, waitFor, time.Millisecond)
}
