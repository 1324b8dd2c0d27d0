package r8139

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/slackhq/r8139/nic"
	"github.com/slackhq/r8139/tap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testFrame(n int, fill byte) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = fill
	}
	copy(f, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 2, 0, 0, 0, 0, 1})
	f[12], f[13] = 0x88, 0xb5
	return f
}

func getFrame(t *testing.T, td *tap.TestDevice) []byte {
	t.Helper()
	select {
	case f := <-td.TxFrames:
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame reached the tap device")
		return nil
	}
}

func startControl(t *testing.T, ctrl *Control) {
	t.Helper()
	require.NoError(t, ctrl.Start())
	require.Equal(t, nic.Up, ctrl.Device().State())
	require.Eventually(t, ctrl.Device().Carrier, waitFor, time.Millisecond)
}

func TestControl_RoundTrip(t *testing.T) {
	ctrl, td := newTestControl(t, "")
	startControl(t, ctrl)

	var sent [][]byte
	for i := 0; i < 10; i++ {
		f := testFrame(64+i, byte(i))
		td.Send(f)
		sent = append(sent, f)
	}

	// The loopback wire hands every frame the adapter sent back to it, and
	// from there to the host.
	for _, f := range sent {
		assert.Equal(t, f, getFrame(t, td))
	}

	require.Eventually(t, func() bool { return ctrl.Device().Stats().TxPackets == 10 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(10), ctrl.Device().Stats().RxPackets)

	ctrl.Stop()
	assert.Equal(t, nic.Down, ctrl.Device().State())
	assert.Zero(t, ctrl.backend.adapter.Allocated())
}

func TestControl_ShortFrame(t *testing.T) {
	ctrl, td := newTestControl(t, "")
	startControl(t, ctrl)
	defer ctrl.Stop()

	td.Send(testFrame(20, 7))
	got := getFrame(t, td)
	require.Len(t, got, 60)
	assert.Equal(t, testFrame(20, 7), got[:20])
	assert.Equal(t, make([]byte, 40), got[20:])
}

func TestControl_Capture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt.pcap")
	ctrl, td := newTestControl(t, "capture:\n  path: "+path+"\n  snaplen: 32\n")
	startControl(t, ctrl)

	f := testFrame(100, 3)
	td.Send(f)
	getFrame(t, td)
	ctrl.Stop()

	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()

	r, err := pcapgo.NewReader(fh)
	require.NoError(t, err)

	// The frame is seen leaving for the adapter and again coming back.
	for i := 0; i < 2; i++ {
		data, ci, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, f[:32], data)
		assert.Equal(t, 32, ci.CaptureLength)
		assert.Equal(t, 100, ci.Length)
	}
	_, _, err = r.ReadPacketData()
	assert.Error(t, err)
}

func TestControl_StartFailure(t *testing.T) {
	// A reset that never finishes fails Open, which has to release what
	// Start set up.
	ctrl, _ := newTestControlFromString(t, "nic:\n  name: test0\n  reset_timeout: 5ms\n  reset_poll_interval: 1ms\nbackend:\n  reset_polls: 1000000\n")
	err := ctrl.Start()
	require.ErrorIs(t, err, nic.ErrHardwareResetTimeout)
	assert.Equal(t, nic.Error, ctrl.Device().State())
	ctrl.Stop()
}

func TestControl_StopUnblocksReader(t *testing.T) {
	ctrl, _ := newTestControl(t, "")
	startControl(t, ctrl)

	stopped := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}
	assert.Error(t, ctrl.Context().Err())
}
