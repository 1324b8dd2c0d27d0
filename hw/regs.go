package hw

import "fmt"

// Offset is a register byte offset from the register base.
type Offset uint16

// Register offsets. Only the subset touched by the driver core is named.
const (
	IDR0    Offset = 0x00 // station address, 6 bytes, 32 bit writes only
	IDR4    Offset = 0x04
	MAR0    Offset = 0x08 // multicast filter, 8 bytes
	MAR4    Offset = 0x0c
	TSD0    Offset = 0x10 // transmit status of descriptor 0..3
	TSAD0   Offset = 0x20 // transmit start address of descriptor 0..3
	RBSTART Offset = 0x30 // receive buffer start address
	CR      Offset = 0x37 // command
	CAPR    Offset = 0x38 // current address of packet read
	CBR     Offset = 0x3a // current buffer address (write pointer)
	IMR     Offset = 0x3c // interrupt mask
	ISR     Offset = 0x3e // interrupt status, write 1 to clear
	TCR     Offset = 0x40 // transmit configuration
	RCR     Offset = 0x44 // receive configuration
	MPC     Offset = 0x4c // missed packet counter
	CFG9346 Offset = 0x50 // eeprom command, config register unlock
	CONFIG1 Offset = 0x52
	MSR     Offset = 0x58 // media status
	TSAD    Offset = 0x60 // transmit status of all descriptors
	BMCR    Offset = 0x62 // basic mode control
	BMSR    Offset = 0x64 // basic mode status
)

// TxSlots is the number of transmit descriptors the adapter implements.
const TxSlots = 4

// tsdGap is the distance between consecutive per-descriptor registers.
const tsdGap = 4

// TSD returns the transmit status register of descriptor slot i.
func TSD(i int) Offset {
	return TSD0 + Offset((i%TxSlots)*tsdGap)
}

// TSADn returns the transmit start address register of descriptor slot i.
func TSADn(i int) Offset {
	return TSAD0 + Offset((i%TxSlots)*tsdGap)
}

// IDR returns the offset of byte i of the station address.
func IDR(i int) Offset {
	return IDR0 + Offset(i)
}

var offsetNames = map[Offset]string{
	IDR0:    "IDR0",
	IDR4:    "IDR4",
	MAR0:    "MAR0",
	MAR4:    "MAR4",
	RBSTART: "RBSTART",
	CR:      "CR",
	CAPR:    "CAPR",
	CBR:     "CBR",
	IMR:     "IMR",
	ISR:     "ISR",
	TCR:     "TCR",
	RCR:     "RCR",
	MPC:     "MPC",
	CFG9346: "CFG9346",
	CONFIG1: "CONFIG1",
	MSR:     "MSR",
	TSAD:    "TSAD",
	BMCR:    "BMCR",
	BMSR:    "BMSR",
}

func (o Offset) String() string {
	if n, ok := offsetNames[o]; ok {
		return n
	}
	switch {
	case o >= TSD0 && o < TSAD0:
		return fmt.Sprintf("TSD%d", (o-TSD0)/tsdGap)
	case o >= TSAD0 && o < RBSTART:
		return fmt.Sprintf("TSAD%d", (o-TSAD0)/tsdGap)
	}
	return fmt.Sprintf("0x%02x", uint16(o))
}

// Config register unlock values for CFG9346.
const (
	Cfg9346Lock   uint8 = 0x00
	Cfg9346Unlock uint8 = 0xc0
)
