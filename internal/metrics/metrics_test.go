package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/padetect-agent/pkg/types"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesCaptured.Add(3)
	m.RecordActivation(types.AlertPhone)
	m.RecordActivation(types.AlertPhone)
	m.RecordActivation(types.AlertNone)
	m.SetWorkerAlive(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "padetect_frames_captured_total 3")
	assert.Contains(t, out, `padetect_alert_activations_total{kind="phone"} 2`)
	assert.Contains(t, out, `padetect_alert_activations_total{kind="peep"} 0`)
	assert.Contains(t, out, "padetect_worker_alive 1")
	assert.Contains(t, out, "padetect_active_alert -1")
}
