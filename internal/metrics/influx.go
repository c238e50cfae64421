// Package metrics ships engine snapshots to InfluxDB for solvency and
// membership dashboards.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/aeromutual/internal/engine"
)

// Recorder writes one point per committed mutation. The write API is
// non-blocking; a slow InfluxDB never stalls the engine.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder connects to InfluxDB.
func NewRecorder(cfg Config) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// Observe implements engine.Observer.
func (r *Recorder) Observe(s engine.Snapshot) {
	balance, _ := s.InsuranceBalance.Float64()

	point := influxdb2.NewPoint(
		"surety_state",
		map[string]string{
			"mode":  s.Mode.String(),
			"phase": s.Phase.String(),
		},
		map[string]interface{}{
			"registered_airlines": s.RegisteredCount,
			"authorized_airlines": s.AuthorizedCount,
			"change_votes":        s.ChangeVotes,
			"insurance_balance":   balance,
		},
		time.Now(),
	)
	r.write.WritePoint(point)
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() {
	r.write.Flush()
	r.client.Close()
}
