package transfer

// Shared by the Facebook, Instagram and Threads graph APIs.

type GraphErrorResponse struct {
	Error GraphError `json:"error"`
}

type GraphError struct {
	Message        string `json:"message"`
	Type           string `json:"type"`
	Code           int    `json:"code"`
	ErrorSubcode   int    `json:"error_subcode"`
	IsTransient    bool   `json:"is_transient"`
	ErrorUserTitle string `json:"error_user_title"`
	ErrorUserMsg   string `json:"error_user_msg"`
	FbtraceID      string `json:"fbtrace_id"`
}

type GraphID struct {
	ID     string `json:"id"`
	PostID string `json:"post_id,omitempty"`
}

type GraphContainerStatus struct {
	ID           string `json:"id"`
	StatusCode   string `json:"status_code"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

type GraphPermalink struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink"`
	Shortcode string `json:"shortcode"`
}

type GraphVideoStatus struct {
	ID     string `json:"id"`
	Status struct {
		VideoStatus string `json:"video_status"`
	} `json:"status"`
	PermalinkURL string `json:"permalink_url"`
}

type GraphRefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
