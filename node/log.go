package node

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "node")
