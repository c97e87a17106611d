package budget

import (
	"encoding/json"
	"regexp"
	"sort"

	"ctxproxy/internal/storage"
)

var filePathPattern = regexp.MustCompile(`[\w/.-]+\.\w+`)

// ExtractMetadata pulls indexing signals out of a batch about to be
// archived: file paths mentioned in text or tool traffic, tool names,
// and the timestamp range covered by the batch.
func ExtractMetadata(messages []storage.Message) storage.ArchiveMetadata {
	filePaths := make(map[string]struct{})
	tools := make(map[string]struct{})

	meta := storage.ArchiveMetadata{
		MessageCount: len(messages),
	}

	for i := range messages {
		msg := &messages[i]

		if len(msg.Blocks) == 0 {
			for _, p := range filePathPattern.FindAllString(msg.Content, -1) {
				filePaths[p] = struct{}{}
			}
		}

		for _, b := range msg.Blocks {
			switch b.Type {
			case storage.BlockText:
				for _, p := range filePathPattern.FindAllString(b.Text, -1) {
					filePaths[p] = struct{}{}
				}
			case storage.BlockToolUse:
				if b.Name != "" {
					tools[b.Name] = struct{}{}
				}
				if p := toolInputFilePath(b.Input); p != "" {
					filePaths[p] = struct{}{}
				}
			case storage.BlockToolResult:
				for _, p := range filePathPattern.FindAllString(string(b.Content), -1) {
					filePaths[p] = struct{}{}
				}
			}
		}

		if !msg.Timestamp.IsZero() {
			if meta.TimestampRange.Start.IsZero() {
				meta.TimestampRange.Start = msg.Timestamp
			}
			meta.TimestampRange.End = msg.Timestamp
		}
	}

	meta.FilePaths = sortedKeys(filePaths)
	meta.ToolsUsed = sortedKeys(tools)
	meta.Keywords = []string{}
	return meta
}

func toolInputFilePath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	return fields.FilePath
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
