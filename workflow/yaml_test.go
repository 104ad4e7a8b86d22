package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/stableinfra/attempt"
)

func TestParseWorkflowYAMLBuildsLinearDefinition(t *testing.T) {
	doc := []byte(`
id: checkout
enableMixedExecution: true
stopOnFirstPhaseError: true
common:
  attempts: 2
  wait: 10ms
  retryStrategy: exponential
phases:
  - id: reserve-inventory
    markConcurrentPhase: true
    maxReplayCount: 1
    items:
      - id: reserve
        host: inventory.internal
        path: /reserve
        method: POST
        headers:
          X-Trace: "1"
        body:
          sku: "A1"
`)

	def, err := ParseWorkflowYAML(doc)
	require.NoError(t, err)
	assert.Equal(t, "checkout", def.ID)
	assert.True(t, def.EnableMixedExecution)
	assert.True(t, def.StopOnFirstPhaseError)
	require.NotNil(t, def.CommonConfig)
	assert.Equal(t, 2, def.CommonConfig.Attempts)
	assert.Equal(t, attempt.RetryExponential, def.CommonConfig.RetryStrategy)

	require.Len(t, def.Phases, 1)
	phase := def.Phases[0]
	assert.Equal(t, "reserve-inventory", phase.ID)
	assert.True(t, phase.MarkConcurrentPhase)
	assert.Equal(t, 1, phase.MaxReplayCount)
	require.Len(t, phase.Items, 1)
	assert.Equal(t, "reserve", phase.Items[0].Item.ID)
	assert.Equal(t, "inventory.internal", phase.Items[0].Item.Request.Host)
	assert.Equal(t, "POST", phase.Items[0].Item.Request.Method)
}

func TestParseWorkflowYAMLBackoffV5StrategyWiresBackoffV5(t *testing.T) {
	doc := []byte(`
id: retrying
common:
  attempts: 3
  wait: 5ms
  maxAllowedWait: 100ms
  retryStrategy: backoffV5
phases:
  - id: p1
    items:
      - id: i1
        host: h
        path: /p
        method: GET
`)
	def, err := ParseWorkflowYAML(doc)
	require.NoError(t, err)
	require.NotNil(t, def.CommonConfig)
	assert.Equal(t, attempt.RetryBackoffV5, def.CommonConfig.RetryStrategy)
	require.NotNil(t, def.CommonConfig.BackoffV5)
}

func TestParseWorkflowYAMLRejectsMissingID(t *testing.T) {
	_, err := ParseWorkflowYAML([]byte(`phases: []`))
	assert.Error(t, err)
}

func TestParseWorkflowYAMLRejectsMalformedYAML(t *testing.T) {
	_, err := ParseWorkflowYAML([]byte("id: [unterminated"))
	assert.Error(t, err)
}

func TestParseWorkflowYAMLRejectsPhaseMissingID(t *testing.T) {
	doc := []byte(`
id: x
phases:
  - items: []
`)
	_, err := ParseWorkflowYAML(doc)
	assert.Error(t, err)
}
