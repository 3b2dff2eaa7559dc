package types

// TabInfo identifies an attached browser tab for logs and journal routing.
type TabInfo struct {
	TargetID    string `json:"target_id"`
	URL         string `json:"url"`
	PathSegment string `json:"path_segment"` // e.g. "api_v1"
	BrowserID   string `json:"browser_id"`   // first 8 chars of TargetID
}
