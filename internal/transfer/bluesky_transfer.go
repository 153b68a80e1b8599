package transfer

type BlueskyError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type BlueskyBlob struct {
	Type     string         `json:"$type"`
	Ref      map[string]any `json:"ref"`
	MimeType string         `json:"mimeType"`
	Size     int64          `json:"size"`
}

type BlueskyUploadBlobResponse struct {
	Blob BlueskyBlob `json:"blob"`
}

type BlueskyImage struct {
	Alt   string      `json:"alt"`
	Image BlueskyBlob `json:"image"`
}

type BlueskyImagesEmbed struct {
	Type   string         `json:"$type"`
	Images []BlueskyImage `json:"images"`
}

type BlueskyPostRecord struct {
	Type      string              `json:"$type"`
	Text      string              `json:"text"`
	CreatedAt string              `json:"createdAt"`
	Langs     []string            `json:"langs,omitempty"`
	Embed     *BlueskyImagesEmbed `json:"embed,omitempty"`
}

type BlueskyCreateRecordRequest struct {
	Repo       string            `json:"repo"`
	Collection string            `json:"collection"`
	RKey       string            `json:"rkey,omitempty"`
	Record     BlueskyPostRecord `json:"record"`
}

type BlueskyRecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type BlueskySession struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}
