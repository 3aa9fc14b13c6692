package server

// Wire types shared by the websocket and HTTP streaming transports.

// ChatMessage is an inbound client frame on the websocket.
type ChatMessage struct {
	Type     string `json:"type"` // "chat" | "ping"
	Prompt   string `json:"prompt,omitempty"`
	TaskType string `json:"taskType,omitempty"`
	UseRAG   *bool  `json:"useRAG,omitempty"`
}

// StreamFrame is one outbound generation frame. The same frames flow over
// the websocket and the NDJSON stream. Chunk frames carry done:false and the
// emitting model; the terminal frame carries done:true.
type StreamFrame struct {
	Type          string `json:"type"` // "start" | "chunk" | "done" | "error"
	Text          string `json:"text,omitempty"`
	Done          bool   `json:"done"`
	Model         string `json:"model,omitempty"`
	HACPCompliant bool   `json:"hacpCompliant,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ConnectedFrame acknowledges a websocket upgrade.
type ConnectedFrame struct {
	Type   string `json:"type"` // "connected"
	UserID string `json:"userId"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type string `json:"type"` // "pong"
}

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Success bool     `json:"success"`
	Token   string   `json:"token,omitempty"`
	User    UserInfo `json:"user"`
}

type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

type ChatRequest struct {
	Prompt   string `json:"prompt"`
	TaskType string `json:"taskType,omitempty"`
	UseRAG   *bool  `json:"useRAG,omitempty"`
}

type ChatResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

type KnowledgeRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type KnowledgeSearchResult struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}
