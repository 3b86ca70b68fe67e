package api

import (
	"net/http"

	"github.com/aegis-ops/aegis/pkg/apperrors"
)

// demoScenarios is the closed set of canned scenarios triggerable through
// the demo endpoint (spec.md §6.1: "names a closed set of canned
// scenarios; restricted to a designated actor tag"). Dashboard
// rendering/content for these scenarios is out of scope (spec.md §1); this
// table only supplies the submission payload that kicks one off.
var demoScenarios = map[string]submitRequest{
	"db_cascade": {
		Kind: "db_cascade", Severity: 4,
		Description:      "Connection pool exhaustion cascading across the checkout service tier",
		AffectedServices: []string{"checkout", "orders-db"},
		SubmittingActor:  DemoActorTag,
	},
	"deploy_regression": {
		Kind: "deploy_regression", Severity: 3,
		Description:      "Elevated 5xx rate following the 14:02 UTC canary rollout",
		AffectedServices: []string{"api-gateway"},
		SubmittingActor:  DemoActorTag,
	},
	"traffic_spike": {
		Kind: "traffic_spike", Severity: 2,
		Description:      "Unplanned traffic spike saturating edge cache capacity",
		AffectedServices: []string{"cdn-edge"},
		SubmittingActor:  DemoActorTag,
	},
}

func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Actor-Tag")
	if actor != s.demoTag {
		writeError(w, apperrors.New(apperrors.KindUnauthorizedDashboard, "demo scenarios require the designated demo actor tag"))
		return
	}

	scenario := r.PathValue("scenario")
	req, ok := demoScenarios[scenario]
	if !ok {
		writeError(w, apperrors.Newf(apperrors.KindValidationError, "unknown demo scenario %q", scenario))
		return
	}

	s.submit(w, r, req)
}
