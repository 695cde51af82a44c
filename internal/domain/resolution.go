package domain

// FlagMetadata describes where a decided flag value came from. Slug is always
// present on resolved flags, defaulting to the empty string when the backend
// does not supply one; the remaining fields pass through unchanged.
type FlagMetadata struct {
	Slug             string `json:"slug"`
	CampaignID       string `json:"campaignId,omitempty"`
	CampaignType     string `json:"campaignType,omitempty"`
	VariationGroupID string `json:"variationGroupId,omitempty"`
	VariationID      string `json:"variationId,omitempty"`
	IsReference      bool   `json:"isReference,omitempty"`
}

// ResolutionDetails is the result of resolving one flag. Metadata is nil when
// no session handle was installed or the key was unknown.
type ResolutionDetails[T any] struct {
	Value    T
	Metadata *FlagMetadata
}
