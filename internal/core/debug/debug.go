package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// PacketLoggingEnabled returns whether the server should dump the contents of
// sent and received datagrams to the log.
func PacketLoggingEnabled() bool {
	return viper.GetBool("debugging.packet_logging_enabled")
}

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger *logrus.Logger, pprofPort int) {
	startPprofServer(logger, pprofPort)
}

// This function starts the default pprof HTTP server that can be accessed via
// localhost to get runtime information about the server.
// See https://golang.org/pkg/net/http/pprof/
func startPprofServer(logger *logrus.Logger, pprofPort int) {
	listenerAddr := fmt.Sprintf("localhost:%d", pprofPort)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

// LogPacket writes a dump of data to the log at debug level, tagged with the
// direction and the session it belongs to. No-op unless packet logging is on.
func LogPacket(logger *logrus.Logger, direction string, sessionID uint32, data []byte) {
	if !PacketLoggingEnabled() {
		return
	}
	logger.Debugf("%s session=%d %d bytes\n%s", direction, sessionID, len(data), spew.Sdump(data))
}
