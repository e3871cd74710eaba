package fleet

// Endpoint describes the upstream API surface behind a capability. Workers
// resolve concrete URLs from it; the control plane uses the action list to
// reject submissions a capability cannot serve.
type Endpoint struct {
	// BaseURL is the upstream API root the capability's workers talk to.
	BaseURL string
	// Actions enumerates the task actions the capability supports.
	Actions []string
}

// endpoints maps each capability to its API surface. The map is the single
// dispatch table for the closed capability set; adding a capability means
// adding a row here and a constant in types.go.
var endpoints = map[Capability]Endpoint{
	CapabilityCrunchbase: {
		BaseURL: "https://api.crunchbase.com/api/v4",
		Actions: []string{"search_with_rank", "company_lookup", "funding_rounds"},
	},
	CapabilityTracxn: {
		BaseURL: "https://platform.tracxn.com/api/2.2",
		Actions: []string{"search_with_rank", "company_lookup", "competitor_scan"},
	},
	CapabilityLinkedIn: {
		BaseURL: "https://www.linkedin.com",
		Actions: []string{"profile_scrape", "company_employees", "post_activity"},
	},
	CapabilityTwitter: {
		BaseURL: "https://api.x.com/2",
		Actions: []string{"account_analysis", "mention_scan"},
	},
}

// Endpoint returns the API surface for the capability. The zero Endpoint is
// returned for anything outside the closed set.
func (c Capability) Endpoint() Endpoint {
	return endpoints[c]
}

// SupportsAction reports whether the capability serves the named action.
func (c Capability) SupportsAction(action string) bool {
	for _, a := range endpoints[c].Actions {
		if a == action {
			return true
		}
	}
	return false
}
