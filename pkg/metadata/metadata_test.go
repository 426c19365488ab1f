package metadata

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("typed and extension fields", func(t *testing.T) {
		d, err := Parse(`{"endpoint":"login","count":6,"limit":5,"geo":"DE","attempts":[1,2]}`)
		require.NoError(t, err)

		assert.Equal(t, "login", d.Endpoint)
		assert.Equal(t, 6, d.Count)
		assert.Equal(t, 5, d.Limit)
		assert.Equal(t, "DE", d.Extra["geo"])
		assert.NotContains(t, d.Extra, "endpoint")
	})

	t.Run("empty string", func(t *testing.T) {
		d, err := Parse("")
		require.NoError(t, err)
		assert.True(t, d.IsEmpty())
	})

	t.Run("invalid JSON", func(t *testing.T) {
		d, err := Parse("{broken")
		assert.Error(t, err)
		assert.Nil(t, d)
		assert.Contains(t, err.Error(), "failed to parse event payload JSON")
	})
}

func TestEventData_MarshalMergesExtra(t *testing.T) {
	d := (&EventData{Reason: "fingerprint_mismatch", SessionID: "abc"}).Set("reason", "ignored").Set("geo", "FR")

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(d.String()), &raw))

	assert.Equal(t, "fingerprint_mismatch", raw["reason"], "typed field wins")
	assert.Equal(t, "FR", raw["geo"])
	assert.Equal(t, "abc", raw["session_id"])

	back, err := Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, "FR", back.Extra["geo"])
	assert.Equal(t, "fingerprint_mismatch", back.Reason)
}

func TestEventData_String(t *testing.T) {
	assert.Equal(t, "{}", (&EventData{}).String())
	var nilData *EventData
	assert.Equal(t, "{}", nilData.String())
}

func TestEventData_Validate(t *testing.T) {
	assert.NoError(t, (&EventData{Count: 5, Patterns: []string{"LOGIN_FAILED"}}).Validate())
	assert.Error(t, (&EventData{Count: -1}).Validate())
	assert.Error(t, (&EventData{Patterns: []string{""}}).Validate())
	assert.Error(t, (&EventData{Patterns: make([]string, 21)}).Validate())

	big := &EventData{}
	big.Set("blob", strings.Repeat("x", MaxPayloadBytes))
	assert.Error(t, big.Validate())
}

func TestEventData_MaskSensitive(t *testing.T) {
	d := &EventData{SessionID: "0123456789abcdef", Extra: map[string]interface{}{"k": "v"}}
	m := d.MaskSensitive()

	assert.Equal(t, "01234567…", m.SessionID)
	assert.Equal(t, "0123456789abcdef", d.SessionID)
	m.Extra["k"] = "changed"
	assert.Equal(t, "v", d.Extra["k"])
}

func TestSortedPatterns(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, SortedPatterns([]string{"B", "A", "", "B"}))
}
