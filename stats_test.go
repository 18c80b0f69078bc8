package tigon

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/tigon/config"
	"github.com/slackhq/tigon/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStats(t *testing.T) {
	l := test.NewLogger()

	tests := []struct {
		name       string
		raw        string
		configTest bool
		start      bool
		err        string
	}{
		{name: "unset", raw: "device: {}"},
		{name: "none", raw: "stats: {type: none}"},
		{name: "no interval", raw: "stats: {type: prometheus}", err: "stats.interval was an invalid duration"},
		{name: "unknown type", raw: "stats: {type: statsd, interval: 1s}", err: "stats.type was not understood: statsd"},
		{name: "prometheus no listen", raw: "stats: {type: prometheus, interval: 1s, path: /metrics}", err: "stats.listen should not be empty"},
		{name: "prometheus no path", raw: "stats: {type: prometheus, interval: 1s, listen: \"127.0.0.1:0\"}", err: "stats.path should not be empty"},
		{name: "graphite no host", raw: "stats: {type: graphite, interval: 1s}", err: "stats.host can not be empty"},
		{name: "graphite bad host", raw: "stats: {type: graphite, interval: 1s, host: nowhere}", err: "error while setting up graphite sink"},
		{
			name:       "prometheus config test",
			raw:        "stats: {type: prometheus, interval: 1s, listen: \"127.0.0.1:0\", path: /metrics}",
			configTest: true,
		},
		{
			name:  "prometheus",
			raw:   "stats: {type: prometheus, interval: 1s, listen: \"127.0.0.1:0\", path: /metrics}",
			start: true,
		},
		{
			name:       "graphite config test",
			raw:        "stats: {type: graphite, interval: 1s, host: \"127.0.0.1:2003\"}",
			configTest: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			start, err := startStats(l, c, metrics.NewRegistry(), "1.2.3", tt.configTest)
			if tt.err != "" {
				assert.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			if tt.start {
				assert.NotNil(t, start)
			} else {
				assert.Nil(t, start)
			}
		})
	}
}
