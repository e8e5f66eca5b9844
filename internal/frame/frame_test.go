package frame

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFrameEmbedsValidCRC(t *testing.T) {
	built := BuildFrame("<TblName>tbl_actual</TblName><X>1</X>", true)
	assert.Contains(t, string(built), "\r\n")

	trimmed := built[:len(built)-2]
	crc, err := FrameCRC(trimmed)
	require.NoError(t, err)

	embedded := extractEmbeddedCRC(t, trimmed)
	assert.Equal(t, embedded, crc)
}

func TestBuildFrameStripsPreexistingCRC(t *testing.T) {
	built := BuildFrame("<X>1</X><CRC>00000</CRC>", false)
	s := string(built)
	assert.Equal(t, 1, countSubstr(s, "<CRC>"))
}

func TestBuildFrameNoCRLF(t *testing.T) {
	built := BuildFrame("<X>1</X>", false)
	assert.NotContains(t, string(built), "\r\n")
}

func TestExtractOneFrameRoundTrip(t *testing.T) {
	f := BuildFrame("<TblName>tbl_actual</TblName>", true)
	extracted, rest, ok := ExtractOneFrame(f)
	require.True(t, ok)
	assert.Empty(t, rest)
	assert.Equal(t, string(f[:len(f)-2]), string(extracted))
}

func TestExtractOneFrameWithTrailingBytes(t *testing.T) {
	f := BuildFrame("<X>1</X>", true)
	buf := append(append([]byte{}, f...), []byte("<Frame>next</Frame>")...)

	extracted, rest, ok := ExtractOneFrame(buf)
	require.True(t, ok)
	assert.Equal(t, string(f[:len(f)-2]), string(extracted))
	assert.Equal(t, "<Frame>next</Frame>", string(rest))
}

func TestExtractOneFrameIncompleteLoneCR(t *testing.T) {
	f := BuildFrame("<X>1</X>", false)
	buf := append(append([]byte{}, f...), '\r')

	_, rest, ok := ExtractOneFrame(buf)
	assert.False(t, ok)
	assert.Equal(t, string(buf), string(rest))
}

func TestExtractOneFrameCRLFTerminates(t *testing.T) {
	f := BuildFrame("<X>1</X>", false)
	buf := append(append([]byte{}, f...), '\r', '\n')

	extracted, rest, ok := ExtractOneFrame(buf)
	require.True(t, ok)
	assert.Equal(t, string(f), string(extracted))
	assert.Empty(t, rest)
}

func TestExtractOneFrameBareTagDoesNotConsumeNextByte(t *testing.T) {
	f := BuildFrame("<X>1</X>", false)
	buf := append(append([]byte{}, f...), 'X')

	extracted, rest, ok := ExtractOneFrame(buf)
	require.True(t, ok)
	assert.Equal(t, string(f), string(extracted))
	assert.Equal(t, "X", string(rest))
}

func TestExtractOneFrameNoEndTagIsIncomplete(t *testing.T) {
	buf := []byte("<Frame><X>1</X>")
	_, rest, ok := ExtractOneFrame(buf)
	assert.False(t, ok)
	assert.Equal(t, string(buf), string(rest))
}

func TestExtractOneFrameNothingTrailingIsIncomplete(t *testing.T) {
	buf := []byte("<Frame><X>1</X></Frame>")
	_, rest, ok := ExtractOneFrame(buf)
	assert.False(t, ok)
	assert.Equal(t, string(buf), string(rest))
}

func countSubstr(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}

func extractEmbeddedCRC(t *testing.T, frameBytes []byte) uint16 {
	t.Helper()
	var crc uint16
	_, err := fmt.Sscanf(string(crcTagRe.Find(frameBytes)), "<CRC>%05d</CRC>", &crc)
	require.NoError(t, err)
	return crc
}
