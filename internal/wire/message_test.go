package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid get", Message{Src: "client-1", Dst: "0000", Leader: Broadcast, Type: TypeGet, Key: "k"}, false},
		{"valid broadcast", Message{Src: "0000", Dst: Broadcast, Leader: Broadcast, Type: TypeVoteRequest, Term: 1}, false},
		{"missing src", Message{Dst: "0000", Leader: Broadcast, Type: TypeGet}, true},
		{"missing dst", Message{Src: "0000", Leader: Broadcast, Type: TypeGet}, true},
		{"unknown type", Message{Src: "0000", Dst: "0001", Leader: Broadcast, Type: "gossip"}, true},
		{"empty type", Message{Src: "0000", Dst: "0001", Leader: Broadcast}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncodeOmitsZeroFields(t *testing.T) {
	msg := Message{Src: "0000", Dst: "client-1", Leader: "0000", Type: TypeOK, RequestID: "r-1"}
	data, err := msg.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "term")
	assert.NotContains(t, raw, "entries")
	assert.NotContains(t, raw, "key")
	assert.Equal(t, "ok", raw["type"])
}

func TestDecode(t *testing.T) {
	t.Run("append entries with payload", func(t *testing.T) {
		data := []byte(`{
			"src": "0001", "dst": "0000", "leader": "0001", "type": "append_entries",
			"term": 3, "prev_log_index": 2, "prev_log_term": 1, "leader_commit": 2,
			"entries": [{"term": 3, "client": "client-1", "request_id": "w-9", "op": {"key": "color", "value": "red"}}]
		}`)

		msg, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, TypeAppendEntries, msg.Type)
		assert.Equal(t, uint64(3), msg.Term)
		assert.Equal(t, uint64(2), msg.PrevLogIndex)
		require.Len(t, msg.Entries, 1)
		assert.Equal(t, "color", msg.Entries[0].Op.Key)
		assert.Equal(t, "red", msg.Entries[0].Op.Value)
		assert.Equal(t, "w-9", msg.Entries[0].RequestID)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		_, err := Decode([]byte(`{"src": "0000"`))
		require.Error(t, err)
	})

	t.Run("rejects structurally invalid messages", func(t *testing.T) {
		_, err := Decode([]byte(`{"src": "0000", "dst": "0001", "type": "nonsense"}`))
		require.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	msg := Message{
		Src:          "0002",
		Dst:          Broadcast,
		Leader:       Broadcast,
		Type:         TypeVoteRequest,
		Term:         7,
		LastLogIndex: 12,
		LastLogTerm:  5,
	}

	data, err := msg.Encode()
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
