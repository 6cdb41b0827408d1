// Package transfer delivers payloads to one attribute in unit-sized chunks,
// gated by the transport's capacity and acknowledgment signals.
package transfer

import "github.com/srg/blemux/pkg/device"

// Segment splits payload into consecutive slices of at most unit bytes. The
// slices share payload's backing array. unit must be positive.
func Segment(payload []byte, unit int) [][]byte {
	if unit <= 0 || len(payload) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(payload)+unit-1)/unit)
	for start := 0; start < len(payload); start += unit {
		end := min(start+unit, len(payload))
		chunks = append(chunks, payload[start:end:end])
	}
	return chunks
}

// Packets segments payload into packets of the given mode.
func Packets(payload []byte, unit int, mode device.WriteMode) []device.Packet {
	chunks := Segment(payload, unit)
	packets := make([]device.Packet, len(chunks))
	for i, c := range chunks {
		packets[i] = device.Packet{Mode: mode, Data: c}
	}
	return packets
}
