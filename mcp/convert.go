package mcp

import (
	"encoding/json"
	"fmt"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/OpenCuff/OpenCuff/plugins"
)

// ConvertToolDefinition turns a catalog entry into an MCP tool named by its
// fully-qualified name. The parameter schema is passed through as raw JSON.
func ConvertToolDefinition(fqn string, def plugins.ToolDefinition) mcptypes.Tool {
	return mcptypes.NewToolWithRawSchema(fqn, def.Description, inputSchema(def.Parameters))
}

// inputSchema normalises a plugin parameter schema into a JSON object schema.
// MCP clients reject tools whose input schema is not of type object.
func inputSchema(params map[string]any) json.RawMessage {
	schema := make(map[string]any, len(params)+2)
	for k, v := range params {
		schema[k] = v
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// ConvertResult maps a tool result onto an MCP call result. Failures become
// error results so the agent sees the message instead of a protocol error.
func ConvertResult(res plugins.ToolResult) *mcptypes.CallToolResult {
	if !res.Success {
		code := res.Code
		if code == "" {
			code = plugins.ErrToolExecutionFailed
		}
		return mcptypes.NewToolResultError(fmt.Sprintf("[%s] %s", code, res.Error))
	}

	switch data := res.Data.(type) {
	case nil:
		return mcptypes.NewToolResultText("")
	case string:
		return mcptypes.NewToolResultText(data)
	case map[string]any:
		return mcptypes.NewToolResultStructured(data, jsonText(data))
	default:
		return mcptypes.NewToolResultText(jsonText(data))
	}
}

func jsonText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
