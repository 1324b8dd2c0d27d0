package hw

import (
	"fmt"
	"strings"
)

// Command is the value of the CR register.
type Command uint8

const (
	CmdBufferEmpty Command = 1 << 0
	CmdTxEnable    Command = 1 << 2
	CmdRxEnable    Command = 1 << 3
	CmdReset       Command = 1 << 4
)

// Resetting reports whether a software reset is still in progress. The
// adapter clears the bit once the reset is complete.
func (c Command) Resetting() bool { return c&CmdReset != 0 }

// BufferEmpty reports whether the receive ring holds no unread frames.
func (c Command) BufferEmpty() bool { return c&CmdBufferEmpty != 0 }

func (c Command) TxEnabled() bool { return c&CmdTxEnable != 0 }
func (c Command) RxEnabled() bool { return c&CmdRxEnable != 0 }

// Interrupt is an interrupt cause bitmask, as found in ISR and IMR.
type Interrupt uint16

const (
	IntRxOK           Interrupt = 1 << 0
	IntRxErr          Interrupt = 1 << 1
	IntTxOK           Interrupt = 1 << 2
	IntTxErr          Interrupt = 1 << 3
	IntRxOverflow     Interrupt = 1 << 4
	IntLinkChange     Interrupt = 1 << 5 // shares the bit with packet underrun
	IntRxFifoOverflow Interrupt = 1 << 6
	IntCableLenChange Interrupt = 1 << 13
	IntTimeout        Interrupt = 1 << 14
	IntSystemError    Interrupt = 1 << 15

	IntTx  = IntTxOK | IntTxErr
	IntRx  = IntRxOK | IntRxErr | IntRxOverflow | IntRxFifoOverflow
	IntAll = Interrupt(0xffff)
)

var interruptNames = [16]string{
	0:  "rx-ok",
	1:  "rx-err",
	2:  "tx-ok",
	3:  "tx-err",
	4:  "rx-overflow",
	5:  "link-change",
	6:  "rx-fifo-overflow",
	13: "cable-length-change",
	14: "timeout",
	15: "system-error",
}

// Has reports whether any bit of m is set.
func (i Interrupt) Has(m Interrupt) bool { return i&m != 0 }

func (i Interrupt) Link() bool        { return i.Has(IntLinkChange) }
func (i Interrupt) Rx() bool          { return i.Has(IntRx) }
func (i Interrupt) Tx() bool          { return i.Has(IntTx) }
func (i Interrupt) SystemError() bool { return i.Has(IntSystemError) }

func (i Interrupt) String() string {
	if i == 0 {
		return "none"
	}
	var names []string
	for b := range interruptNames {
		if i&(1<<b) == 0 {
			continue
		}
		if n := interruptNames[b]; n != "" {
			names = append(names, n)
		} else {
			names = append(names, fmt.Sprintf("bit%d", b))
		}
	}
	return strings.Join(names, "|")
}

// TxStatus is the value of a per-slot TSD register.
type TxStatus uint32

const (
	TxSizeMask       TxStatus = 0x1fff
	TxOwn            TxStatus = 1 << 13 // dma of the slot buffer into the fifo is done
	TxUnderrun       TxStatus = 1 << 14
	TxOK             TxStatus = 1 << 15
	TxEarlyThreshold TxStatus = 0x3f << 16
	TxCollisionCount TxStatus = 0xf << 24
	TxHeartbeatFail  TxStatus = 1 << 28
	TxOutOfWindow    TxStatus = 1 << 29
	TxAborted        TxStatus = 1 << 30
	TxCarrierLost    TxStatus = 1 << 31

	txErrorMask = TxUnderrun | TxOutOfWindow | TxAborted

	// txThresholdUnit is the granularity of the early transmit threshold.
	txThresholdUnit = 32
)

// MakeTxStatus builds the TSD value that starts a transmit of size bytes.
// The fifo threshold is the number of bytes the adapter buffers before it
// starts sending.
func MakeTxStatus(size, fifoThreshold int) TxStatus {
	t := TxStatus(fifoThreshold/txThresholdUnit) << 16
	return (t & TxEarlyThreshold) | (TxStatus(size) & TxSizeMask)
}

// OK reports whether the slot was sent successfully.
func (s TxStatus) OK() bool { return s&TxOK != 0 }

// Failed reports whether the adapter gave up on the slot.
func (s TxStatus) Failed() bool { return !s.OK() && s&txErrorMask != 0 }

// Completed reports whether the adapter is done with the slot, successfully or not.
func (s TxStatus) Completed() bool { return s.OK() || s.Failed() }

func (s TxStatus) Aborted() bool     { return s&TxAborted != 0 }
func (s TxStatus) Underrun() bool    { return s&TxUnderrun != 0 }
func (s TxStatus) OutOfWindow() bool { return s&TxOutOfWindow != 0 }
func (s TxStatus) CarrierLost() bool { return s&TxCarrierLost != 0 }
func (s TxStatus) Owned() bool       { return s&TxOwn != 0 }

// Size is the frame length recorded in the descriptor.
func (s TxStatus) Size() int { return int(s & TxSizeMask) }

// Collisions is the number of collisions seen while sending the slot.
func (s TxStatus) Collisions() int { return int((s & TxCollisionCount) >> 24) }

func (s TxStatus) String() string {
	var flags []string
	if s.OK() {
		flags = append(flags, "ok")
	}
	if s.Owned() {
		flags = append(flags, "own")
	}
	if s.Aborted() {
		flags = append(flags, "abort")
	}
	if s.Underrun() {
		flags = append(flags, "underrun")
	}
	if s.OutOfWindow() {
		flags = append(flags, "owc")
	}
	if s.CarrierLost() {
		flags = append(flags, "crs")
	}
	return fmt.Sprintf("size %d ncc %d [%s]", s.Size(), s.Collisions(), strings.Join(flags, " "))
}

// RxStatus is the status word of a receive ring frame header.
type RxStatus uint16

const (
	RxOK            RxStatus = 1 << 0
	RxFrameAlign    RxStatus = 1 << 1
	RxCRC           RxStatus = 1 << 2
	RxLong          RxStatus = 1 << 3
	RxRunt          RxStatus = 1 << 4
	RxInvalidSymbol RxStatus = 1 << 5
	RxBroadcast     RxStatus = 1 << 13
	RxPhysMatch     RxStatus = 1 << 14
	RxMulticast     RxStatus = 1 << 15

	rxErrorMask = RxFrameAlign | RxCRC | RxLong | RxRunt | RxInvalidSymbol
)

// OK reports whether the frame was received intact.
func (s RxStatus) OK() bool { return s&RxOK != 0 && s&rxErrorMask == 0 }

// Errored reports whether any receive error bit is set.
func (s RxStatus) Errored() bool { return s&rxErrorMask != 0 }

func (s RxStatus) CRCError() bool        { return s&RxCRC != 0 }
func (s RxStatus) FrameAlignError() bool { return s&RxFrameAlign != 0 }
func (s RxStatus) Runt() bool            { return s&RxRunt != 0 }
func (s RxStatus) Long() bool            { return s&RxLong != 0 }
func (s RxStatus) InvalidSymbol() bool   { return s&RxInvalidSymbol != 0 }
func (s RxStatus) Broadcast() bool       { return s&RxBroadcast != 0 }
func (s RxStatus) Multicast() bool       { return s&RxMulticast != 0 }

// MediaStatus is the value of the MSR register.
type MediaStatus uint8

const (
	MSRRxPause      MediaStatus = 1 << 0
	MSRTxPause      MediaStatus = 1 << 1
	MSRLinkBad      MediaStatus = 1 << 2
	MSRSpeed10      MediaStatus = 1 << 3
	MSRAuxPower     MediaStatus = 1 << 4
	MSRRxFlowEnable MediaStatus = 1 << 6
	MSRTxFlowEnable MediaStatus = 1 << 7
)

// LinkUp reports whether the phy sees a carrier.
func (m MediaStatus) LinkUp() bool { return m&MSRLinkBad == 0 }

// SpeedMbps returns the negotiated link speed.
func (m MediaStatus) SpeedMbps() int {
	if m&MSRSpeed10 != 0 {
		return 10
	}
	return 100
}

// BasicModeControl is the value of the BMCR phy register.
type BasicModeControl uint16

const (
	BMCRFullDuplex BasicModeControl = 1 << 8
	BMCRRestartAN  BasicModeControl = 1 << 9
	BMCRAutoNeg    BasicModeControl = 1 << 12
	BMCRSpeed100   BasicModeControl = 1 << 13
	BMCRReset      BasicModeControl = 1 << 15
)

func (b BasicModeControl) FullDuplex() bool { return b&BMCRFullDuplex != 0 }
func (b BasicModeControl) AutoNeg() bool    { return b&BMCRAutoNeg != 0 }

// TxConfig is the value of the TCR register.
type TxConfig uint32

const (
	TxMaxDMABurst1024 TxConfig = 6 << 8
	TxLoopback        TxConfig = 3 << 17
	TxIFG96           TxConfig = 3 << 24
	TxVersionMask     TxConfig = 0x7cc00000
)

// Version extracts the chip revision from the TCR value.
func (t TxConfig) Version() ChipVersion {
	return ChipVersion(t & TxVersionMask)
}

// ChipVersion identifies a member of the RTL8139 family.
type ChipVersion uint32

const (
	VersionRTL8139      ChipVersion = 1<<30 | 1<<29
	VersionRTL8139A     ChipVersion = 1<<30 | 1<<29 | 1<<28
	VersionRTL8139AG    ChipVersion = 1<<30 | 1<<29 | 1<<28 | 1<<26
	VersionRTL8139B     ChipVersion = 1<<30 | 1<<29 | 1<<28 | 1<<27
	VersionRTL8100      ChipVersion = 1<<30 | 1<<29 | 1<<28 | 1<<27 | 1<<23
	VersionRTL8100B     ChipVersion = 1<<30 | 1<<29 | 1<<28 | 1<<26 | 1<<22
	VersionRTL8139CPlus ChipVersion = 1<<30 | 1<<29 | 1<<28 | 1<<26 | 1<<23
	VersionRTL8101      ChipVersion = 1<<30 | 1<<29 | 1<<28 | 1<<26 | 1<<23 | 1<<22
)

var chipVersionNames = map[ChipVersion]string{
	VersionRTL8139:      "RTL8139",
	VersionRTL8139A:     "RTL8139A",
	VersionRTL8139AG:    "RTL8139A-G/RTL8139C",
	VersionRTL8139B:     "RTL8139B/RTL8130",
	VersionRTL8100:      "RTL8100",
	VersionRTL8100B:     "RTL8100B/RTL8139D",
	VersionRTL8139CPlus: "RTL8139C+",
	VersionRTL8101:      "RTL8101",
}

func (v ChipVersion) String() string {
	if n, ok := chipVersionNames[v]; ok {
		return n
	}
	return fmt.Sprintf("unknown(0x%08x)", uint32(v))
}

// RxConfig is the value of the RCR register.
type RxConfig uint32

const (
	RxAcceptAll       RxConfig = 1 << 0
	RxAcceptMyPhys    RxConfig = 1 << 1
	RxAcceptMulticast RxConfig = 1 << 2
	RxAcceptBroadcast RxConfig = 1 << 3
	RxAcceptRunt      RxConfig = 1 << 4
	RxAcceptErr       RxConfig = 1 << 5
	RxWrap            RxConfig = 1 << 7
	RxMaxDMAUnlimited RxConfig = 7 << 8
	RxFifoNoThreshold RxConfig = 7 << 13

	rxBufLenShift = 11
	rxBufLenMask  RxConfig = 3 << rxBufLenShift
	rxBufLenMin            = 8 << 10
)

// RxPad is the slack the adapter may write past the end of the receive
// buffer, which has to be allocated along with it.
const RxPad = 16

// RxBufferLength returns the RCR buffer length field for a ring of capacity
// bytes. Capacity must be one of 8K, 16K, 32K or 64K.
func RxBufferLength(capacity int) (RxConfig, error) {
	for i := RxConfig(0); i < 4; i++ {
		if rxBufLenMin<<i == capacity {
			return i << rxBufLenShift, nil
		}
	}
	return 0, fmt.Errorf("receive buffer of %d bytes is not one of 8K, 16K, 32K or 64K", capacity)
}

// BufferCapacity decodes the ring capacity selected by the RCR value.
func (r RxConfig) BufferCapacity() int {
	return rxBufLenMin << ((r & rxBufLenMask) >> rxBufLenShift)
}
