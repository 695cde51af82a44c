package decision

// Wire types for the campaigns decision API.

type campaignsRequest struct {
	VisitorID      string         `json:"visitorId"`
	Context        map[string]any `json:"context"`
	VisitorConsent bool           `json:"visitorConsent"`
	TriggerHit     bool           `json:"triggerHit"`
}

type campaignsResponse struct {
	VisitorID string     `json:"visitorId"`
	Panic     bool       `json:"panic"`
	Campaigns []campaign `json:"campaigns"`
}

type campaign struct {
	ID               string    `json:"id"`
	Slug             string    `json:"slug"`
	Type             string    `json:"type"`
	VariationGroupID string    `json:"variationGroupId"`
	Variation        variation `json:"variation"`
}

type variation struct {
	ID            string        `json:"id"`
	Reference     bool          `json:"reference"`
	Modifications modifications `json:"modifications"`
}

type modifications struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value"`
}
