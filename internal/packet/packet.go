// Package packet frames and decodes the gateway's tag-packet lines.
//
// A tag packet arrives on the serial link as a text line of the form
//
//	process_packet("<hex payload>")
//
// where the payload carries at least PacketLength characters at fixed
// offsets. Everything in this package is pure: no I/O, no locks, no timers.
package packet

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefix marks a line reporting a tag sighting.
const Prefix = "process_packet"

// PacketLength is the minimum payload length of a valid tag packet.
const PacketLength = 78

// Field offsets into the payload (character offsets, end exclusive).
const (
	advAddressStart = 0
	advAddressEnd   = 12
	groupIDStart    = 20
	groupIDEnd      = 26
	rssiStart       = 74
	rssiEnd         = 76
	nFilterStart    = 76
	nFilterEnd      = 78
)

// RawSample is one accepted line, stamped with seconds since the listener started.
type RawSample struct {
	Raw       string  `json:"raw"`
	Timestamp float64 `json:"timestamp"`
}

// ProcessedPacket is the decoded form of exactly one RawSample.
// Nil pointer fields mean "not available" and encode as JSON null.
type ProcessedPacket struct {
	Packet           string   `json:"packet"`
	IsValidTagPacket bool     `json:"is_valid_tag_packet"`
	AdvAddress       *string  `json:"adv_address"`
	GroupID          *string  `json:"group_id"`
	RSSI             *int16   `json:"rssi"`
	NPacketFilter    *int16   `json:"n_packet_filter"`
	TimeFromStart    *float64 `json:"time_from_start"`
	CounterTag       *int     `json:"counter_tag"`
}

// Frame applies the line-acceptance predicate.
//
// matched reports whether the trimmed line starts with Prefix. payload is the
// text between the first pair of double quotes, or "" when there is none.
// valid reports whether payload is long enough to be a tag packet.
func Frame(line string) (payload string, matched, valid bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, Prefix) {
		return "", false, false
	}
	payload = quoted(line)
	return payload, true, len(payload) >= PacketLength
}

// IsTagLine reports whether line carries the process_packet prefix.
func IsTagLine(line string) bool {
	_, matched, _ := Frame(line)
	return matched
}

// quoted returns the text between the first two '"' in s.
func quoted(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

// Fields holds the positional fields of a valid payload.
type Fields struct {
	AdvAddress    string
	GroupID       string
	RSSI          *int16
	NPacketFilter *int16
}

// DecodeFields extracts the fixed-offset fields of a payload. The payload must
// be at least PacketLength characters; a hex field that fails to parse is
// left nil without affecting the others.
func DecodeFields(payload string) (Fields, error) {
	if len(payload) < PacketLength {
		return Fields{}, fmt.Errorf("packet: payload too short: %d < %d", len(payload), PacketLength)
	}
	return Fields{
		AdvAddress:    payload[advAddressStart:advAddressEnd],
		GroupID:       payload[groupIDStart:groupIDEnd],
		RSSI:          hexByte(payload[rssiStart:rssiEnd]),
		NPacketFilter: hexByte(payload[nFilterStart:nFilterEnd]),
	}, nil
}

// hexByte parses a two-character hex field. A leading sign is accepted, so
// "-1" decodes to -1.
func hexByte(s string) *int16 {
	v, err := strconv.ParseInt(s, 16, 16)
	if err != nil {
		return nil
	}
	n := int16(v)
	return &n
}

// Decode frames and decodes a raw sample. The returned packet has no
// CounterTag or TimeFromStart; those depend on run history and are filled in
// by the processor.
func Decode(s RawSample) ProcessedPacket {
	payload, matched, valid := Frame(s.Raw)
	p := ProcessedPacket{Packet: payload}
	if !matched {
		p.Packet = strings.TrimSpace(s.Raw)
		return p
	}
	if !valid {
		return p
	}
	f, err := DecodeFields(payload)
	if err != nil {
		return p
	}
	p.IsValidTagPacket = true
	p.AdvAddress = &f.AdvAddress
	p.GroupID = &f.GroupID
	p.RSSI = f.RSSI
	p.NPacketFilter = f.NPacketFilter
	return p
}

// Encode builds a process_packet line from fields. Short or long addresses are
// padded or truncated to their slot; the remaining slots are filled with '0'.
func Encode(advAddress, groupID string, rssi, nPacketFilter uint8) string {
	buf := []byte(strings.Repeat("0", PacketLength))
	copy(buf[advAddressStart:advAddressEnd], fit(advAddress, advAddressEnd-advAddressStart))
	copy(buf[groupIDStart:groupIDEnd], fit(groupID, groupIDEnd-groupIDStart))
	copy(buf[rssiStart:rssiEnd], fmt.Sprintf("%02X", rssi))
	copy(buf[nFilterStart:nFilterEnd], fmt.Sprintf("%02X", nPacketFilter))
	return fmt.Sprintf("%s(%q)", Prefix, string(buf))
}

func fit(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat("0", n-len(s))
}
