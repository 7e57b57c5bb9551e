package bls

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "bls")
