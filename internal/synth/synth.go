// Package synth builds a cloud-style ACK frame locally, for use when the
// hybrid state machine or the offline configured mode decides not to
// forward a frame to the cloud endpoint.
package synth

import (
	"strings"
	"time"

	"github.com/marmos91/oig-proxy/internal/frame"
)

const (
	resultACK = "<Result>ACK</Result>"
	resultEND = "<Result>END</Result>"
)

// Reply builds the synthesized inner XML for a frame whose table name
// (TblName, or Result as a fallback — see internal/parser.Record.Table)
// is table. Callers wrap the result with frame.BuildFrame.
func Reply(table string) string {
	switch table {
	case "IsNewSet", "END":
		return endWithTimes(time.Now())
	case "IsNewWeather", "IsNewFW":
		return resultEND
	}
	if strings.HasPrefix(table, "tbl_") {
		return resultACK + "<ToDo>GetActual</ToDo>"
	}
	return resultACK
}

func endWithTimes(now time.Time) string {
	local := now.Format("2006-01-02 15:04:05")
	utc := now.UTC().Format("2006-01-02 15:04:05")
	return resultEND + "<Time>" + local + "</Time><UTCTime>" + utc + "</UTCTime>"
}

// BuildReply synthesizes and wraps the full "<Frame>...</Frame>\r\n" reply
// for table.
func BuildReply(table string) []byte {
	return frame.BuildFrame(Reply(table), true)
}

// SuppressReplay reports whether an inbound frame carrying
// Result=END and Reason="All data sent" should be dropped rather than
// echoed back to the BOX in offline mode — it signals end-of-stream, not
// a request awaiting a reply. rawInner is the frame's inner XML text
// (Reason is not captured by internal/parser.ParseFrame, which treats it
// as a meta field, so this checks the raw text directly).
func SuppressReplay(table string, rawInner string) bool {
	return table == "END" && strings.Contains(rawInner, "<Reason>All data sent</Reason>")
}
