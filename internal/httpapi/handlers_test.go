package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replikv/internal/metrics"
	"replikv/internal/replica"
	"replikv/internal/statemachine"
	"replikv/internal/transport"
)

// newLeaderAPI runs a single-replica cluster until it elects itself and
// returns its inspection router.
func newLeaderAPI(t *testing.T) (http.Handler, *statemachine.KVStore) {
	t.Helper()

	store := statemachine.New("0000")
	met := metrics.New()
	rep, err := replica.New(replica.Config{
		ID: "0000",
		Timing: replica.TimingConfig{
			ElectionTimeoutMin: 5 * time.Millisecond,
			ElectionTimeoutMax: 10 * time.Millisecond,
			HeartbeatInterval:  5 * time.Millisecond,
			PollInterval:       time.Millisecond,
		},
	}, transport.NewNetwork().Node("0000"), replica.NewMemoryLog(), store, nil, met)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rep.Run(ctx)

	require.Eventually(t, func() bool {
		return rep.Status().Role == replica.Leader.String()
	}, 2*time.Second, 5*time.Millisecond)

	return NewRouter(rep, store, met), store
}

func newFollowerAPI(t *testing.T) http.Handler {
	t.Helper()

	store := statemachine.New("0001")
	rep, err := replica.New(replica.Config{
		ID:    "0001",
		Peers: []replica.ReplicaID{"0000", "0002"},
	}, transport.NewNetwork().Node("0001"), replica.NewMemoryLog(), store, nil, nil)
	require.NoError(t, err)
	return NewRouter(rep, store, nil)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newFollowerAPI(t)

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Serve-Time"))
}

func TestStatusEndpoint(t *testing.T) {
	h := newFollowerAPI(t)

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status replica.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, replica.ReplicaID("0001"), status.ID)
	assert.Equal(t, "Follower", status.Role)
	assert.Equal(t, 3, status.ClusterSize)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		h, _ := newLeaderAPI(t)
		rec := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)

		var snap metrics.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.GreaterOrEqual(t, snap.ElectionsStarted, uint64(1))
	})

	t.Run("disabled", func(t *testing.T) {
		h := newFollowerAPI(t)
		rec := get(t, h, "/metrics")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetKey(t *testing.T) {
	h, store := newLeaderAPI(t)
	store.Apply(1, "color", "blue")

	t.Run("present", func(t *testing.T) {
		rec := get(t, h, "/kv/color")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "blue", body["value"])
	})

	t.Run("missing", func(t *testing.T) {
		rec := get(t, h, "/kv/absent")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetKeyOnFollowerIsMisdirected(t *testing.T) {
	h := newFollowerAPI(t)

	rec := get(t, h, "/kv/color")
	require.Equal(t, http.StatusMisdirectedRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not leader", body["error"])
	assert.Empty(t, body["leader"], "no leader hint before one is known")
}
