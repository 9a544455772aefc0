package parser

import (
	"encoding/json"
	"time"
)

// TouchesForToolCall derives the files a tool invocation reads or writes
// from its name and JSON input. Both the file and event ingestion paths use
// it so they record the same touches for the same call.
func TouchesForToolCall(name string, input []byte, at time.Time) []FileTouch {
	var params map[string]any
	if len(input) == 0 || json.Unmarshal(input, &params) != nil {
		return nil
	}
	str := func(key string) string {
		s, _ := params[key].(string)
		return s
	}

	var path, action string
	switch name {
	case "Read":
		path, action = str("file_path"), "read"
	case "Write":
		path, action = str("file_path"), "write"
	case "Edit", "MultiEdit":
		path, action = str("file_path"), "edit"
	case "NotebookEdit":
		path, action = str("notebook_path"), "edit"
	case "NotebookRead":
		path, action = str("notebook_path"), "read"
	default:
		return nil
	}
	if path == "" {
		return nil
	}
	return []FileTouch{{Path: path, Action: action, At: at}}
}
