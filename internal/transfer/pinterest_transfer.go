package transfer

type PinterestError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type PinterestMediaSource struct {
	SourceType string               `json:"source_type"`
	URL        string               `json:"url,omitempty"`
	Items      []PinterestMediaItem `json:"items,omitempty"`
}

type PinterestMediaItem struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type PinterestCreatePin struct {
	BoardID     string               `json:"board_id"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	AltText     string               `json:"alt_text,omitempty"`
	MediaSource PinterestMediaSource `json:"media_source"`
}

type PinterestPin struct {
	ID      string `json:"id"`
	BoardID string `json:"board_id"`
}
