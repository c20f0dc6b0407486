package strand

import (
	"expvar"
	"fmt"
	"net/http"

	"github.com/leesper/holmes"
)

var (
	connExported   *expvar.Int
	handleExported *expvar.Int
	bytesExported  *expvar.Int
	timeExported   *expvar.Float
)

func init() {
	connExported = expvar.NewInt("TotalConn")
	handleExported = expvar.NewInt("TotalHandle")
	bytesExported = expvar.NewInt("TotalBytesReceived")
	timeExported = expvar.NewFloat("TotalHandleTime")
}

// MonitorOn serves the expvar counters over HTTP on the given port.
func MonitorOn(port int) {
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), nil); err != nil {
			holmes.Errorln(err)
			return
		}
	}()
}

func addTotalConn(delta int64) {
	connExported.Add(delta)
}

func addTotalHandle() {
	handleExported.Add(1)
}

func addTotalBytes(delta int64) {
	bytesExported.Add(delta)
}

func addTotalTime(seconds float64) {
	timeExported.Add(seconds)
}
