package simulator

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailsim/metrics"
	"github.com/synqronlabs/mailsim/policy"
)

func TestAdminRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	orch := policy.NewOrchestrator(m, discardLogger())
	require.NoError(t, orch.Register(policy.PhaseRcptPre, &scriptedRule{typ: "greylisting"}))
	m.AuthResult("spf", "pass")

	srv := httptest.NewServer(NewAdminRouter(reg, orch))
	t.Cleanup(srv.Close)

	get := func(t *testing.T, path string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	t.Run("healthz", func(t *testing.T) {
		resp, body := get(t, "/healthz")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok\n", body)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, body := get(t, "/metrics")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, `mailsim_auth_results_total{protocol="spf",result="pass"} 1`)
	})

	t.Run("rules", func(t *testing.T) {
		resp, body := get(t, "/rules")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var got map[string][]string
		require.NoError(t, json.Unmarshal([]byte(body), &got))
		assert.Equal(t, []string{"greylisting"}, got["RCPT_PRE"])
		assert.Empty(t, got["CONNECT_PRE"])
		assert.Len(t, got, len(policy.Phases))
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, _ := get(t, "/debug")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
