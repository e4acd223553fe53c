package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

func event() *envelope.Envelope {
	return envelope.New(envelope.Fields{
		ID:           "e1",
		AreaID:       "A1",
		DeviceTypeID: "thermostat",
		Payload:      map[string]any{"temperature": 30.0},
	})
}

func TestCompileRejectsWrongType(t *testing.T) {
	_, err := Compile(`"x"`, BoolType)
	assert.Error(t, err)

	_, err = Compile("   ", BoolType)
	assert.Error(t, err)

	_, err = Compile("event.areaId ==", BoolType)
	assert.Error(t, err)
}

func TestEvalBool(t *testing.T) {
	p, err := Compile(`event.areaId == "A1" && event.payload.temperature > 25.0`, BoolType)
	require.NoError(t, err)
	assert.Equal(t, `event.areaId == "A1" && event.payload.temperature > 25.0`, p.Source())

	ok, err := p.EvalBool(Vars{Event: event()})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalMissingKeyErrors(t *testing.T) {
	p, err := Compile(`event.customerId == "c1"`, BoolType)
	require.NoError(t, err)

	_, err = p.EvalBool(Vars{Event: event()})
	assert.Error(t, err)
}

func TestEvalHasMacro(t *testing.T) {
	p, err := Compile(`has(event.areaId)`, BoolType)
	require.NoError(t, err)

	ok, err := p.EvalBool(Vars{Event: envelope.New(envelope.Fields{ID: "x"})})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalStringAndList(t *testing.T) {
	route, err := Compile(`"devices." + event.deviceTypeId`, StringType)
	require.NoError(t, err)
	s, err := route.EvalString(Vars{Event: event()})
	require.NoError(t, err)
	assert.Equal(t, "devices.thermostat", s)

	routes, err := Compile(`["area." + event.areaId, "owner." + device.owner]`, StringListType)
	require.NoError(t, err)
	list, err := routes.EvalStringList(Vars{Event: event(), Device: map[string]any{"owner": "ops"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"area.A1", "owner.ops"}, list)
}
