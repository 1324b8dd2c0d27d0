package capture

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Describe summarizes an ethernet frame on one line for debug logs.
func Describe(frame []byte) string {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return fmt.Sprintf("malformed frame, %d bytes", len(frame))
	}

	var s strings.Builder
	fmt.Fprintf(&s, "%s > %s", eth.SrcMAC, eth.DstMAC)

	switch {
	case packet.Layer(layers.LayerTypeARP) != nil:
		arp := packet.Layer(layers.LayerTypeARP).(*layers.ARP)
		if arp.Operation == layers.ARPRequest {
			fmt.Fprintf(&s, " ARP who-has %s tell %s", net.IP(arp.DstProtAddress), net.IP(arp.SourceProtAddress))
		} else {
			fmt.Fprintf(&s, " ARP %s is-at %s", net.IP(arp.SourceProtAddress), net.HardwareAddr(arp.SourceHwAddress))
		}

	case packet.NetworkLayer() != nil:
		flow := packet.NetworkLayer().NetworkFlow()
		src, dst := flow.Endpoints()
		fmt.Fprintf(&s, " %s %s > %s", eth.EthernetType, src, dst)

		if t := packet.TransportLayer(); t != nil {
			tsrc, tdst := t.TransportFlow().Endpoints()
			fmt.Fprintf(&s, " %s %s > %s", t.LayerType(), tsrc, tdst)
		} else if icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
			fmt.Fprintf(&s, " ICMP %s", icmp.TypeCode)
		} else if icmp, ok := packet.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
			fmt.Fprintf(&s, " ICMPv6 %s", icmp.TypeCode)
		}

	default:
		fmt.Fprintf(&s, " %s", eth.EthernetType)
	}

	fmt.Fprintf(&s, ", %d bytes", len(frame))
	return s.String()
}
