package plugins

// Message types of the newline-delimited JSON protocol spoken with process
// plugins over stdin/stdout.
const (
	MsgInitialize          = "initialize"
	MsgGetTools            = "get_tools"
	MsgCallTool            = "call_tool"
	MsgHealthCheck         = "health_check"
	MsgShutdown            = "shutdown"
	MsgInitializeResponse  = "initialize_response"
	MsgGetToolsResponse    = "get_tools_response"
	MsgCallToolResponse    = "call_tool_response"
	MsgHealthCheckResponse = "health_check_response"
	MsgShutdownResponse    = "shutdown_response"
	MsgError               = "error"
)

// wireMessage is the union of every request and response on the wire.
type wireMessage struct {
	Type      string           `json:"type"`
	Config    map[string]any   `json:"config,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
	Arguments map[string]any   `json:"arguments,omitempty"`
	Success   *bool            `json:"success,omitempty"`
	Message   string           `json:"message,omitempty"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Data      any              `json:"data,omitempty"`
	Error     string           `json:"error,omitempty"`
	Healthy   *bool            `json:"healthy,omitempty"`
}

func boolPtr(b bool) *bool {
	return &b
}

func expectedResponse(request string) string {
	return request + "_response"
}

// HTTP transport payloads.
type httpInitializeRequest struct {
	Config map[string]any `json:"config"`
}

type httpInitializeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type httpToolsResponse struct {
	Tools []ToolDefinition `json:"tools"`
}

type httpCallRequest struct {
	Arguments map[string]any `json:"arguments"`
}

type httpCallResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type httpHealthResponse struct {
	Healthy bool `json:"healthy"`
}
