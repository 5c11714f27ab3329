package core

import (
	"github.com/sirupsen/logrus"
)

// Logger is shared by all packages of the transfer.
var Logger = logrus.New()

func init() {
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
