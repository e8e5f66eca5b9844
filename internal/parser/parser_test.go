package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameExtractsSyntheticKeys(t *testing.T) {
	rec, ok := ParseFrame([]byte("<Frame><TblName>tbl_actual</TblName><ID_Device>123</ID_Device><DT>2024-01-01</DT><X>1</X></Frame>"))
	require.True(t, ok)
	assert.Equal(t, "tbl_actual", rec.Table)
	assert.Equal(t, "123", rec.DeviceID)
	assert.Equal(t, "2024-01-01", rec.DT)
	assert.Equal(t, int64(1), rec.Fields["X"])
}

func TestParseFrameTableFallsBackToResult(t *testing.T) {
	rec, ok := ParseFrame([]byte("<Frame><Result>IsNewSet</Result></Frame>"))
	require.True(t, ok)
	assert.Equal(t, "IsNewSet", rec.Table)
}

func TestParseFrameDropsInactiveSubframe(t *testing.T) {
	_, ok := ParseFrame([]byte("<Frame><TblName>tbl_batt_prms</TblName><ID_SubD>1</ID_SubD><X>1</X></Frame>"))
	assert.False(t, ok)
}

func TestParseFrameKeepsActiveSubframe(t *testing.T) {
	rec, ok := ParseFrame([]byte("<Frame><TblName>tbl_batt_prms</TblName><ID_SubD>0</ID_SubD><X>1</X></Frame>"))
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Fields["X"])
}

func TestParseFrameSkipsMetaFields(t *testing.T) {
	rec, ok := ParseFrame([]byte("<Frame><TblName>tbl_actual</TblName><ID_Device>1</ID_Device><ID_Set>5</ID_Set><Reason>Setting</Reason><ver>1</ver><CRC>00000</CRC><DT>x</DT><X>1</X></Frame>"))
	require.True(t, ok)
	assert.Len(t, rec.Fields, 1)
	assert.Contains(t, rec.Fields, "X")
}

func TestParseFrameCoercesValues(t *testing.T) {
	rec, ok := ParseFrame([]byte("<Frame><TblName>t</TblName><Int>42</Int><Dec>3.5</Dec><Txt>hello</Txt></Frame>"))
	require.True(t, ok)
	assert.Equal(t, int64(42), rec.Fields["Int"])
	assert.Equal(t, 3.5, rec.Fields["Dec"])
	assert.Equal(t, "hello", rec.Fields["Txt"])
}

func TestExtractModeFromEvent(t *testing.T) {
	mode, ok := ExtractModeFromEvent("Remotely : tbl_box_prms / MODE: [0]->[3]")
	require.True(t, ok)
	assert.Equal(t, 3, mode)
}

func TestExtractModeFromEventNoMatch(t *testing.T) {
	_, ok := ExtractModeFromEvent("some unrelated event text")
	assert.False(t, ok)
}
