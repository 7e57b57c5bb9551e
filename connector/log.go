package connector

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "connector")
