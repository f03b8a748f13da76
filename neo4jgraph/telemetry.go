package neo4jgraph

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/ledgertwin/neo4jgraph")
var meter = otel.Meter("github.com/go-digitaltwin/ledgertwin/neo4jgraph")

var (
	// projectionFailures counts folded events the graph did not receive. Each one
	// leaves the graph behind the twin until it is rebuilt.
	projectionFailures metric.Int64Counter
)

func init() {
	// An error here is a programming error in the instrument options.
	var err error
	projectionFailures, err = meter.Int64Counter(
		"graph.projection.failures",
		metric.WithDescription("folded events that could not be projected onto the graph"),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jgraph: failed to init 'graph.projection.failures' instrument: %v", err))
	}
}
