package armi

import "github.com/sirupsen/logrus"

// packageLogger is the root entry every component field-tags with its own
// name, in the style of factom-p2p's packageLogger.WithField("subpack", ...).
var packageLogger = logrus.StandardLogger()

var (
	frameLog    = packageLogger.WithField("component", "frame")
	peerLog     = packageLogger.WithField("component", "peer")
	hubLog      = packageLogger.WithField("component", "hub")
	callLog     = packageLogger.WithField("component", "call")
	registryLog = packageLogger.WithField("component", "registry")
)
