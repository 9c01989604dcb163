package api

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Topics      int    `json:"topics"`
	Goroutines  int    `json:"goroutines"`
}

// TopicResponse is one entry of GET /api/v1/topics, or the payload of
// GET /api/v1/topics/{topic}.
type TopicResponse struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// PublishResponse is the payload for POST /api/v1/topics/{topic}/publish.
type PublishResponse struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Delivered   int    `json:"delivered"`
	Failed      int    `json:"failed"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
