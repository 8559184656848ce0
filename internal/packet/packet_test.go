package packet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioLine is the end-to-end example: adv A1*6, group B2*3, rssi 0x0A, filter 0x03.
func scenarioLine() string {
	payload := strings.Repeat("A1", 6) + strings.Repeat("0", 8) + strings.Repeat("B2", 3) +
		strings.Repeat("0", 48) + "0A" + "03"
	return `process_packet("` + payload + `")`
}

func TestFrame(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantPayload string
		wantMatched bool
		wantValid   bool
	}{
		{"full packet", scenarioLine(), scenarioLine()[len(`process_packet("`) : len(scenarioLine())-2], true, true},
		{"surrounding whitespace", "  " + scenarioLine() + "\r\n", scenarioLine()[len(`process_packet("`) : len(scenarioLine())-2], true, true},
		{"short payload", `process_packet("ABCDEF")`, "ABCDEF", true, false},
		{"prefix without quotes", "process_packet()", "", true, false},
		{"unterminated quote", `process_packet("ABC`, "", true, false},
		{"other line", "Energizing Pattern: 18", "", false, false},
		{"prefix not at start", `x process_packet("` + strings.Repeat("0", 80) + `")`, "", false, false},
		{"empty", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, matched, valid := Frame(tt.line)
			assert.Equal(t, tt.wantPayload, payload)
			assert.Equal(t, tt.wantMatched, matched)
			assert.Equal(t, tt.wantValid, valid)
		})
	}
}

func TestDecodeScenario(t *testing.T) {
	p := Decode(RawSample{Raw: scenarioLine(), Timestamp: 0.5})

	assert.True(t, p.IsValidTagPacket)
	require.NotNil(t, p.AdvAddress)
	assert.Equal(t, "A1A1A1A1A1A1", *p.AdvAddress)
	require.NotNil(t, p.GroupID)
	assert.Equal(t, "B2B2B2", *p.GroupID)
	require.NotNil(t, p.RSSI)
	assert.Equal(t, int16(10), *p.RSSI)
	require.NotNil(t, p.NPacketFilter)
	assert.Equal(t, int16(3), *p.NPacketFilter)
	assert.Nil(t, p.CounterTag)
	assert.Nil(t, p.TimeFromStart)
}

func TestDecodeShortPayloadIsInvalid(t *testing.T) {
	for n := 0; n < PacketLength; n += 7 {
		line := `process_packet("` + strings.Repeat("F", n) + `")`
		p := Decode(RawSample{Raw: line})
		assert.False(t, p.IsValidTagPacket, "length %d", n)
		assert.Nil(t, p.AdvAddress)
		assert.Nil(t, p.RSSI)
	}

	p := Decode(RawSample{Raw: "SW_VER line"})
	assert.False(t, p.IsValidTagPacket)
	assert.Equal(t, "SW_VER line", p.Packet)
}

func TestDecodeBadHexDegradesSingleField(t *testing.T) {
	payload := []byte(strings.Repeat("0", PacketLength))
	copy(payload[74:76], "ZZ")
	copy(payload[76:78], "1F")
	p := Decode(RawSample{Raw: `process_packet("` + string(payload) + `")`})

	assert.True(t, p.IsValidTagPacket)
	assert.Nil(t, p.RSSI)
	require.NotNil(t, p.NPacketFilter)
	assert.Equal(t, int16(31), *p.NPacketFilter)
	require.NotNil(t, p.AdvAddress)
}

func TestDecodeSignedHexField(t *testing.T) {
	payload := []byte(strings.Repeat("0", PacketLength))
	copy(payload[74:76], "-1")
	copy(payload[76:78], "FF")
	p := Decode(RawSample{Raw: `process_packet("` + string(payload) + `")`})

	require.NotNil(t, p.RSSI)
	assert.Equal(t, int16(-1), *p.RSSI)
	require.NotNil(t, p.NPacketFilter)
	assert.Equal(t, int16(255), *p.NPacketFilter)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for v := 0; v <= 255; v++ {
		line := Encode("AABBCCDDEEFF", "123456", uint8(v), uint8(255-v))
		p := Decode(RawSample{Raw: line})
		require.True(t, p.IsValidTagPacket)
		require.NotNil(t, p.RSSI)
		require.NotNil(t, p.NPacketFilter)
		assert.Equal(t, int16(v), *p.RSSI)
		assert.Equal(t, int16(255-v), *p.NPacketFilter)
	}
}

func TestDecodeFieldsRejectsShortPayload(t *testing.T) {
	_, err := DecodeFields("ABC")
	assert.Error(t, err)
}

func TestTagHistoryCounters(t *testing.T) {
	h := NewTagHistory()
	const a, b = "AABBCCDDEEFF", "112233445566"

	assert.Equal(t, 1, h.Next(a))
	assert.Equal(t, 2, h.Next(a))
	assert.Equal(t, 1, h.Next(b))
	assert.Equal(t, 3, h.Next(a))
	assert.Equal(t, 2, h.Next(b))
	assert.Equal(t, 4, h.Next(a))

	last, ok := h.Last(a)
	assert.True(t, ok)
	assert.Equal(t, 4, last)
	_, ok = h.Last("000000000000")
	assert.False(t, ok)
	assert.Equal(t, 6, h.Len())
}
