package ota

import (
	"k8s.io/utils/clock"

	"github.com/autopeer-io/trustagent/internal/adu"
	"github.com/autopeer-io/trustagent/internal/pkg/metrics"
	"github.com/autopeer-io/trustagent/pkg/log"
)

// TimedChecker records manifest signature checks in the verify latency histogram.
type TimedChecker struct {
	Checker adu.Checker
	Clock   clock.PassiveClock
}

func (c TimedChecker) Verify(manifest []byte, jws string) error {
	start := c.Clock.Now()
	defer func() {
		metrics.SignatureVerifyDuration.WithLabelValues("manifest").Observe(c.Clock.Since(start).Seconds())
	}()
	err := c.Checker.Verify(manifest, jws)
	if err != nil {
		log.Debug("Manifest signature not verified", log.KeySignature, jws, log.KeyManifest, manifest, "reason", err.Error())
	}
	return err
}
