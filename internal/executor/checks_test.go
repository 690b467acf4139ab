package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedsharma/apicli/internal/model"
)

func TestDefaultChecks_JSONCreated(t *testing.T) {
	res := model.ExecutionResult{
		Status:          201,
		ResponseTime:    12,
		ResponseBody:    "{}",
		ResponseHeaders: map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}

	checks := DefaultChecks(res, 2*time.Second)

	require.Len(t, checks, 3)
	for _, c := range checks {
		assert.True(t, c.Passed, c.Name)
	}
	assert.Equal(t, "Status code is 2xx", checks[0].Name)
	assert.Equal(t, "Response time is under 2000ms", checks[1].Name)
	assert.Equal(t, "Response body is valid JSON", checks[2].Name)
}

func TestDefaultChecks_NonJSONSkipsParseCheck(t *testing.T) {
	res := model.ExecutionResult{
		Status:          200,
		ResponseBody:    "<html>",
		ResponseHeaders: map[string]string{"content-type": "text/html"},
	}
	checks := DefaultChecks(res, 0)
	assert.Len(t, checks, 2)
}

func TestDefaultChecks_Failures(t *testing.T) {
	res := model.ExecutionResult{
		Status:          500,
		ResponseTime:    3000,
		ResponseBody:    "{broken",
		ResponseHeaders: map[string]string{"Content-Type": "application/problem+json"},
	}
	checks := DefaultChecks(res, time.Second)

	require.Len(t, checks, 3)
	for _, c := range checks {
		assert.False(t, c.Passed, c.Name)
		assert.NotEmpty(t, c.Error)
	}
	assert.Equal(t, "status was 500", checks[0].Error)
}

func TestDefaultChecks_TransportFailure(t *testing.T) {
	msg := "connection refused"
	checks := DefaultChecks(model.ExecutionResult{Error: &msg}, time.Second)
	require.Len(t, checks, 2)
	assert.False(t, checks[0].Passed)
	assert.True(t, checks[1].Passed)
}
