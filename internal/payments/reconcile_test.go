package payments

import (
	"encoding/json"
	"testing"
)

func TestExtractResultCodeShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    int
		found   bool
	}{
		{"top level numeric", map[string]any{"ResultCode": float64(0)}, 0, true},
		{"top level string", map[string]any{"ResultCode": "1032"}, 1032, true},
		{"response code fallback", map[string]any{"ResponseCode": "0"}, 0, true},
		{"nested lowercase result", map[string]any{"result": map[string]any{"ResultCode": float64(1)}}, 1, true},
		{"nested Response", map[string]any{"Response": map[string]any{"ResultCode": "2"}}, 2, true},
		{"absent", map[string]any{"SomethingElse": "x"}, 0, false},
		{"non numeric", map[string]any{"ResultCode": "not-a-number"}, 0, false},
		{"fractional", map[string]any{"ResultCode": 1.5}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := extractResultCode(tc.payload)
			if found != tc.found || got != tc.want {
				t.Fatalf("got (%d,%v), want (%d,%v)", got, found, tc.want, tc.found)
			}
		})
	}
}

func TestExtractResultCodePrefersResultCodeOverResponseCode(t *testing.T) {
	payload := map[string]any{"ResultCode": "1", "ResponseCode": "0"}
	code, found := extractResultCode(payload)
	if !found || code != 1 {
		t.Fatalf("expected ResultCode to win, got (%d,%v)", code, found)
	}
}

func TestExtractReceipt(t *testing.T) {
	var payload map[string]any
	raw := `{
		"CheckoutRequestID": "ws_CO_1",
		"ResultCode": 0,
		"CallbackMetadata": {
			"Item": [
				{"Name": "Amount", "Value": 100.0},
				{"Name": "MpesaReceiptNumber", "Value": "QBC12XYZ89"},
				{"Name": "PhoneNumber", "Value": 254712345678}
			]
		}
	}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := extractReceipt(payload); got != "QBC12XYZ89" {
		t.Fatalf("unexpected receipt %q", got)
	}
}

func TestExtractReceiptAlternateItemName(t *testing.T) {
	payload := map[string]any{
		"CallbackMetadata": map[string]any{
			"Item": []any{
				map[string]any{"Name": "ReceiptNumber", "Value": "RCP001"},
			},
		},
	}
	if got := extractReceipt(payload); got != "RCP001" {
		t.Fatalf("unexpected receipt %q", got)
	}
}

func TestExtractReceiptMissingMetadata(t *testing.T) {
	if got := extractReceipt(map[string]any{"ResultCode": float64(0)}); got != "" {
		t.Fatalf("expected empty receipt, got %q", got)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"254712345678", "254712345678", false},
		{"+254 712 345 678", "254712345678", false},
		{"0712345678", "254712345678", false},
		{"712345678", "", true},
		{"25471234567", "", true},
		{"not-a-phone", "", true},
	}
	for _, tc := range cases {
		got, err := normalizePhone(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.in, got, tc.want)
		}
	}
}
