package bunchnet

import (
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var doLogging = false

func init() {
	doLogging = os.Getenv("BNLOG") != ""
}

// Services are the platform facilities a connection depends on.
type Services struct {
	Now  func() time.Time
	Log  logrus.FieldLogger
	Rand *rand.Rand
}

func (s Services) fixup() Services {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}
