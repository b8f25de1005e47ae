package promptmapper

import "encoding/json"

// ToolResultContentItem is one entry in a ToolResultWire's content_items
// array.
type ToolResultContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ToolResultWire is the on-wire shape for a tool result response.
type ToolResultWire struct {
	Success      bool                    `json:"success"`
	ContentItems []ToolResultContentItem `json:"content_items"`
}

// EncodeToolResult folds a ToolOutput into its wire shape: text and JSON
// outputs fold to a single "input_text" content item (JSON is
// stringified); "image" outputs fold to "input_image"; "denied" outputs
// set success=false with the reason as text.
func EncodeToolResult(output ToolOutput) ToolResultWire {
	switch output.Type {
	case "denied":
		return ToolResultWire{
			Success:      false,
			ContentItems: []ToolResultContentItem{{Type: "input_text", Text: asText(output.Value)}},
		}
	case "image":
		return ToolResultWire{
			Success:      true,
			ContentItems: []ToolResultContentItem{{Type: "input_image", ImageURL: asText(output.Value)}},
		}
	case "json":
		data, err := json.Marshal(output.Value)
		if err != nil {
			return ToolResultWire{
				Success:      false,
				ContentItems: []ToolResultContentItem{{Type: "input_text", Text: err.Error()}},
			}
		}
		return ToolResultWire{
			Success:      true,
			ContentItems: []ToolResultContentItem{{Type: "input_text", Text: string(data)}},
		}
	default: // "text" and anything else folds to input_text
		return ToolResultWire{
			Success:      true,
			ContentItems: []ToolResultContentItem{{Type: "input_text", Text: asText(output.Value)}},
		}
	}
}

func asText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
