package types

import "strings"

// ResponseKind is the coarse meaning of a device reply line.
type ResponseKind int

const (
	ResponseUnknown ResponseKind = iota
	ResponseReceived
	ResponseComplete
	ResponseError
)

var (
	completeKeywords = []string{"complete", "completed", "done"}
	receivedKeywords = []string{"received"}
	errorKeywords    = []string{"err", "error", "fail"}
)

// ClassifyResponse maps a device reply to its kind. Error keywords win over
// completion keywords.
func ClassifyResponse(text string) ResponseKind {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return ResponseUnknown
	}
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return ResponseError
		}
	}
	for _, kw := range completeKeywords {
		if strings.Contains(lower, kw) {
			return ResponseComplete
		}
	}
	for _, kw := range receivedKeywords {
		if strings.Contains(lower, kw) {
			return ResponseReceived
		}
	}
	return ResponseUnknown
}
