package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo: gauge со статич. значением 1 и метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pim_build_info",
			Help: "pimd build information.",
		},
		[]string{"version", "commit", "flow"},
	)
)

// InitBuildInfo registers build_info once and publishes the running version
// together with the OAuth flow the daemon was configured for.
func InitBuildInfo(version, commit, flow string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, flow).Set(1)
}
