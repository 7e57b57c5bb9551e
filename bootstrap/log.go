package bootstrap

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "bootstrap")
