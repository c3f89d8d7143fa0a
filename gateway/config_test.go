package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParsePortRange(t *testing.T) {
	tests := []struct {
		name string

		spec     string
		expected PortRange
		wantErr  bool
	}{
		{name: "range", spec: "3000-3999", expected: PortRange{3000, 3999}},
		{name: "single port", spec: "8080", expected: PortRange{8080, 8080}},
		{name: "whitespace", spec: " 3000 - 3005 ", expected: PortRange{3000, 3005}},
		{name: "inverted", spec: "4000-3000", wantErr: true},
		{name: "zero", spec: "0-100", wantErr: true},
		{name: "too large", spec: "1-70000", wantErr: true},
		{name: "garbage", spec: "web", wantErr: true},
		{name: "empty", spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParsePortRange(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, r)
		})
	}
}

func Test_ExpandRanges(t *testing.T) {
	ports := ExpandRanges([]PortRange{{3000, 3002}, {3002, 3003}})

	// Overlapping ranges are expanded verbatim: 3002 appears twice.
	assert.Equal(t, []int{3000, 3001, 3002, 3002, 3003}, ports)
}

func Test_Config_Validate(t *testing.T) {
	valid := Config{
		GatewayPort: 8080,
		Ranges:      []PortRange{{3000, 3999}},
		Commands:    []QuickLaunchCommand{{Name: "dev server", Command: "npm run dev"}},
	}
	assert.NoError(t, valid.Validate())

	noPort := valid
	noPort.GatewayPort = 0
	assert.Error(t, noPort.Validate())

	badRange := valid
	badRange.Ranges = []PortRange{{100, 1}}
	assert.Error(t, badRange.Validate())

	badCommand := valid
	badCommand.Commands = []QuickLaunchCommand{{Name: "nameless"}}
	assert.Error(t, badCommand.Validate())
}
