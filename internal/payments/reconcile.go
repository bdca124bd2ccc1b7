package payments

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Provider payloads have shipped with the result code at several positions
// over the years. The extraction rules are tried in order and the first path
// that resolves to a numeric value wins. A payload matching no rule is
// treated as a failed outcome.
var resultCodePaths = [][]string{
	{"ResultCode"},
	{"ResponseCode"},
	{"result", "ResultCode"},
	{"Result", "ResultCode"},
	{"Response", "ResultCode"},
	{"response", "ResultCode"},
}

var resultDescriptionPaths = [][]string{
	{"ResultDesc"},
	{"ResultDescription"},
	{"ResponseDescription"},
	{"result", "ResultDesc"},
	{"Result", "ResultDesc"},
}

// receiptItemNames are the metadata item names that carry the settlement
// receipt identifier.
var receiptItemNames = []string{"MpesaReceiptNumber", "ReceiptNumber"}

func extractResultCode(payload map[string]any) (int, bool) {
	for _, path := range resultCodePaths {
		value, ok := lookupPath(payload, path)
		if !ok {
			continue
		}
		if code, ok := asInt(value); ok {
			return code, true
		}
	}
	return 0, false
}

func extractResultDescription(payload map[string]any) string {
	for _, path := range resultDescriptionPaths {
		value, ok := lookupPath(payload, path)
		if !ok {
			continue
		}
		if text, ok := value.(string); ok && text != "" {
			return text
		}
	}
	return ""
}

// extractReceipt pulls the settlement receipt out of the callback metadata
// item list, if present.
func extractReceipt(payload map[string]any) string {
	meta, ok := lookupPath(payload, []string{"CallbackMetadata", "Item"})
	if !ok {
		return ""
	}
	items, ok := meta.([]any)
	if !ok {
		return ""
	}
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := item["Name"].(string)
		if !isReceiptItemName(name) {
			continue
		}
		if receipt := stringifyValue(item["Value"]); receipt != "" {
			return receipt
		}
	}
	return ""
}

func isReceiptItemName(name string) bool {
	for _, candidate := range receiptItemNames {
		if strings.EqualFold(name, candidate) {
			return true
		}
	}
	return false
}

func lookupPath(payload map[string]any, path []string) (any, bool) {
	var current any = payload
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
