package protocol

// CommandResponse is the body of a successful GET /api/command.
type CommandResponse struct {
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Action    string         `json:"action"`
	Obsv      map[string]any `json:"obsv"`
	Reward    float64        `json:"reward"`
	Done      bool           `json:"done"`
	Info      map[string]any `json:"info"`
	Screen    string         `json:"screen"`
	ImgBase64 string         `json:"img_base64"`
	Turn      uint64         `json:"turn"`
	Episode   int            `json:"episode"`
	// NewEpisode is set when the command started a fresh episode.
	NewEpisode bool `json:"new_episode,omitempty"`
	// RenderDegraded is set when the image was drawn with the fallback font.
	RenderDegraded bool `json:"render_degraded,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func NewError(code, message string) ErrorResponse {
	return ErrorResponse{Status: StatusError, Message: message, Code: code}
}

// StateResponse is GET /api/state.
type StateResponse struct {
	Turn     uint64   `json:"turn"`
	Episode  int      `json:"episode"`
	Terminal bool     `json:"terminal"`
	Screen   string   `json:"screen"`
}

// TurnRecord is one row of GET /api/history.
type TurnRecord struct {
	RequestID string  `json:"request_id"`
	Turn      uint64  `json:"turn"`
	Episode   int     `json:"episode"`
	Command   string  `json:"command"`
	Action    string  `json:"action"`
	Reward    float64 `json:"reward"`
	Done      bool    `json:"done"`
	Digest    string  `json:"digest"`
	Unix      int64   `json:"unix"`
}

type HistoryResponse struct {
	Turns []TurnRecord `json:"turns"`
}

// HelloMsg opens both WebSocket streams. The server's reply carries the
// current turn and episode; a player's carries its name.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	Turn            uint64 `json:"turn"`
	Episode         int    `json:"episode"`
}

// CommandMsg is a player command on the play stream. ID is echoed back.
type CommandMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Command         string `json:"command"`
}

type ResultMsg struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Result CommandResponse `json:"result"`
}

type ErrorMsg struct {
	Type  string        `json:"type"`
	ID    string        `json:"id,omitempty"`
	Error ErrorResponse `json:"error"`
}

// FrameMsg is pushed to observers after every applied command.
type FrameMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Turn            uint64   `json:"turn"`
	Episode         int      `json:"episode"`
	Command         string   `json:"command"`
	Action          string   `json:"action"`
	Reward          float64  `json:"reward"`
	Done            bool     `json:"done"`
	Screen          string   `json:"screen"`
	ImgBase64       string   `json:"img_base64,omitempty"`
}
