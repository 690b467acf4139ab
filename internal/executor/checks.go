package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vedsharma/apicli/internal/model"
)

// DefaultResponseTimeThreshold is the response-time budget of the default checks.
const DefaultResponseTimeThreshold = 2 * time.Second

// DefaultChecks is the battery used when a request defines no tests of its
// own: a 2xx status, a response time under threshold and, for JSON content
// types only, a body that parses.
func DefaultChecks(result model.ExecutionResult, threshold time.Duration) []model.TestResult {
	if threshold <= 0 {
		threshold = DefaultResponseTimeThreshold
	}

	checks := make([]model.TestResult, 0, 3)

	status := model.TestResult{Name: "Status code is 2xx"}
	if result.Status >= 200 && result.Status < 300 {
		status.Passed = true
	} else {
		status.Error = fmt.Sprintf("status was %d", result.Status)
	}
	checks = append(checks, status)

	limit := threshold.Milliseconds()
	timing := model.TestResult{Name: fmt.Sprintf("Response time is under %dms", limit)}
	if result.ResponseTime < limit {
		timing.Passed = true
	} else {
		timing.Error = fmt.Sprintf("response took %dms", result.ResponseTime)
	}
	checks = append(checks, timing)

	ct, _ := headerValue(result.ResponseHeaders, "Content-Type")
	if strings.Contains(strings.ToLower(ct), "json") {
		valid := model.TestResult{Name: "Response body is valid JSON"}
		if json.Valid([]byte(result.ResponseBody)) {
			valid.Passed = true
		} else {
			valid.Error = "body is not valid JSON"
		}
		checks = append(checks, valid)
	}

	return checks
}
