package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/path"
)

func TestDescribe(t *testing.T) {
	d := Describe()
	assert.Equal(t, "pqtunnel", d.ID)
	assert.Equal(t, CategorySecurity, d.Category)
	assert.True(t, d.Has(CapabilityStreaming))
	assert.True(t, d.Has(CapabilityConfiguration))
	assert.False(t, d.Has("telemetry"))
}

func TestSettingsDefaults(t *testing.T) {
	s := NewSettings()
	assert.True(t, s.KillSwitch())
	assert.True(t, s.DNSProtection())
	assert.False(t, s.AutoConnect())
	assert.False(t, s.SplitTunnel())
	assert.Equal(t, kex.AlgorithmCHKEM, s.KeyExchange())
	assert.Equal(t, path.RegionAuto, s.Region())

	values := s.Values()
	require.Len(t, values, len(Schema()))
	assert.Equal(t, Setting{Key: KeyKillSwitch, Value: "true"}, values[0])
}

func TestSettingsValidation(t *testing.T) {
	s := NewSettings()
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown key", "telemetry", "true"},
		{"toggle not boolean", KeyKillSwitch, "sometimes"},
		{"unknown option", KeyKeyExchange, "rsa"},
		{"unknown region", KeyServerRegion, "mars"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, s.Set(tt.key, tt.value))
		})
	}
	assert.Equal(t, "true", must(s.Get(KeyKillSwitch)), "a rejected value leaves the old one")
}

func TestSettingsNormalizeToggles(t *testing.T) {
	s := NewSettings()
	require.NoError(t, s.Set(KeyAutoConnect, "1"))
	assert.Equal(t, "true", must(s.Get(KeyAutoConnect)))
	require.NoError(t, s.Set(KeyAutoConnect, "FALSE"))
	assert.False(t, s.AutoConnect())
}

func TestSettingsApplyStopsAtFirstError(t *testing.T) {
	s := NewSettings()
	err := s.Apply([]Setting{
		{Key: KeyKeyExchange, Value: "x_wing"},
		{Key: KeyServerRegion, Value: "nowhere"},
		{Key: KeySplitTunnel, Value: "true"},
	})
	require.Error(t, err)
	assert.Equal(t, kex.AlgorithmXWing, s.KeyExchange())
	assert.False(t, s.SplitTunnel())
}

func TestSettingsResetNotifies(t *testing.T) {
	s := NewSettings()
	require.NoError(t, s.Set(KeyServerRegion, "eu-west"))
	changed := map[string]string{}
	s.onChange = func(k, v string) { changed[k] = v }

	s.Reset()
	assert.Equal(t, path.RegionAuto, s.Region())
	assert.Len(t, changed, len(Schema()))
	assert.Equal(t, path.RegionAuto, changed[KeyServerRegion])
}

func TestSchemaIsACopy(t *testing.T) {
	a := Schema()
	a[2].Options[0] = "changed"
	assert.Equal(t, "ml_kem", Schema()[2].Options[0])
}

func must(v string, _ bool) string { return v }
