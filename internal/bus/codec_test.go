package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Address string  `json:"address"`
	Weight  float64 `json:"weight"`
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"address":"0xabc","weight":0.42,"future_field":"anything"}`)
	v, err := Decode[samplePayload](raw)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", v.Address)
	assert.InDelta(t, 0.42, v.Weight, 1e-9)
}

func TestDecode_ErrorsOnMalformedJSON(t *testing.T) {
	raw := json.RawMessage(`not json`)
	_, err := Decode[samplePayload](raw)
	assert.Error(t, err)
}

func TestEnvelope_RoundTripsVersionAndData(t *testing.T) {
	payload := samplePayload{Address: "0xdef", Weight: 1.0}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	env := envelope{Version: currentVersion, Data: data}

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, currentVersion, decoded.Version)

	v, err := Decode[samplePayload](decoded.Data)
	require.NoError(t, err)
	assert.Equal(t, payload, v)
}
