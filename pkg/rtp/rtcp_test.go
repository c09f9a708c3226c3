package rtp

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReceptionReport(t *testing.T) {
	rr := NewReceptionReport(0xCAFEBABE, 25, 3, 70000, 12, 0x11112222, 65536)
	assert.Equal(t, rtcp.ReceptionReport{
		SSRC:               0xCAFEBABE,
		FractionLost:       25,
		TotalLost:          3,
		LastSequenceNumber: 70000,
		Jitter:             12,
		LastSenderReport:   0x11112222,
		Delay:              65536,
	}, rr)
}

func TestReceptionReportLostClamped(t *testing.T) {
	assert.Equal(t, uint32(0), NewReceptionReport(1, 0, -5, 0, 0, 0, 0).TotalLost)
	assert.Equal(t, uint32(0x7FFFFF), NewReceptionReport(1, 0, 1<<40, 0, 0, 0, 0).TotalLost)

	// Значение после ограничения кодируется библиотекой
	sr := &rtcp.SenderReport{SSRC: 1, Reports: []rtcp.ReceptionReport{NewReceptionReport(2, 0, 1<<40, 0, 0, 0, 0)}}
	_, err := sr.Marshal()
	assert.NoError(t, err)
}

func TestParseCompound(t *testing.T) {
	data, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.SenderReport{SSRC: 1, NTPTime: 0x0102030405060708, RTPTime: 160, PacketCount: 10, OctetCount: 1600},
		rtcp.NewCNAMESourceDescription(1, "user@example"),
		&rtcp.Goodbye{Sources: []uint32{1}, Reason: "hangup"},
	})
	require.NoError(t, err)

	packets, err := ParseCompound(data)
	require.NoError(t, err)
	require.Len(t, packets, 3)

	sr, ok := packets[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0102030405060708), sr.NTPTime)
	assert.Equal(t, uint32(10), sr.PacketCount)

	sdes, ok := packets[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	cname, ok := CNAME(sdes)
	require.True(t, ok)
	assert.Equal(t, "user@example", cname)

	bye, ok := packets[2].(*rtcp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, "hangup", bye.Reason)
}

func TestParseCompoundErrors(t *testing.T) {
	sdes, err := rtcp.NewCNAMESourceDescription(1, "x").Marshal()
	require.NoError(t, err)
	_, err = ParseCompound(sdes)
	assert.Error(t, err, "составной пакет начинается с SDES")

	_, err = ParseCompound(nil)
	assert.Error(t, err)

	_, err = ParseCompound([]byte{0x80, 201})
	assert.Error(t, err)

	rr, err := (&rtcp.ReceiverReport{SSRC: 1}).Marshal()
	require.NoError(t, err)
	rr[3] = 10 // Длина больше данных
	_, err = ParseCompound(rr)
	assert.Error(t, err)
}

func TestCNAMEMissing(t *testing.T) {
	_, ok := CNAME(&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
		Source: 1,
		Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESName, Text: "alice"}},
	}}})
	assert.False(t, ok)
}
