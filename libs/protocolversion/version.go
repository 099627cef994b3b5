// Package protocolversion gates the integer schema_version carried on
// every TaskMessage and CompletionMessage against the window of
// versions a given build understands. It decides whether a build can
// process a given message's schema version now, must leave it
// unacknowledged for a future build to pick up, or should treat it as
// permanently obsolete.
package protocolversion

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var schemaMismatches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "taskgraph",
		Name:      "schema_version_mismatches_total",
		Help:      "Total messages encountered with an incompatible schema_version",
	},
	[]string{"reason"}, // future, obsolete, invalid
)

// Disposition describes what a replica should do with a message of a
// given schema_version.
type Disposition string

const (
	// Processable means the build understands this version and should
	// handle the message normally.
	Processable Disposition = "processable"
	// Unacknowledged means the version is newer than anything this
	// build understands; the message must be left unacknowledged so
	// the reaper reclaims it for a replica running a newer build, or
	// for human intervention.
	Unacknowledged Disposition = "unacknowledged"
	// Obsolete means the version predates the oldest version this
	// build still supports; the message is permanently unprocessable
	// (no reclaim will help) and should route to the dead-letter log.
	Obsolete Disposition = "obsolete"
)

// Gate decides message-processability against a [min, max] window of
// supported integer schema versions, expressed as semver so the
// comparison rules stay well-defined as the window grows (major
// version only is meaningful here; schema_version maps to the semver
// major component).
type Gate struct {
	min *semver.Version
	max *semver.Version
}

// NewGate builds a Gate over the inclusive range [minVersion, maxVersion].
func NewGate(minVersion, maxVersion int) (*Gate, error) {
	min, err := semver.NewVersion(fmt.Sprintf("%d.0.0", minVersion))
	if err != nil {
		return nil, fmt.Errorf("protocolversion: invalid min version: %w", err)
	}
	max, err := semver.NewVersion(fmt.Sprintf("%d.0.0", maxVersion))
	if err != nil {
		return nil, fmt.Errorf("protocolversion: invalid max version: %w", err)
	}
	return &Gate{min: min, max: max}, nil
}

// Check classifies an incoming message's schema_version.
func (g *Gate) Check(schemaVersion int) Disposition {
	v, err := semver.NewVersion(fmt.Sprintf("%d.0.0", schemaVersion))
	if err != nil {
		schemaMismatches.WithLabelValues("invalid").Inc()
		return Obsolete
	}
	if v.GreaterThan(g.max) {
		schemaMismatches.WithLabelValues("future").Inc()
		return Unacknowledged
	}
	if v.LessThan(g.min) {
		schemaMismatches.WithLabelValues("obsolete").Inc()
		return Obsolete
	}
	return Processable
}
