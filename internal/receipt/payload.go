package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// fieldSpec names the payload fields each platform uses.
type fieldSpec struct {
	date     string
	token    string // platform specific token, required
	txID     string // transaction id, falls back to token when empty
	identity string // package or bundle identity
}

var platformFields = map[purchases.Platform]fieldSpec{
	purchases.PlatformPlayStore: {
		date:     "purchaseTime",
		token:    "purchaseToken",
		txID:     "orderId",
		identity: "packageName",
	},
	purchases.PlatformAppStore: {
		date:     "purchaseDate",
		token:    "transactionId",
		txID:     "transactionId",
		identity: "bundleId",
	},
	purchases.PlatformAggregator: {
		date:     "purchaseTime",
		token:    "transactionId",
		txID:     "transactionId",
		identity: "appId",
	},
}

type payload struct {
	transactionID string
	productID     string
	purchaseDate  time.Time
	identity      string
}

// decodeReceipt returns the JSON document carried by receiptData. Signed
// receipts are either raw JSON or base64 encoded JSON.
func decodeReceipt(receiptData string) ([]byte, error) {
	trimmed := strings.TrimSpace(receiptData)
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding, base64.URLEncoding} {
		decoded, err := enc.DecodeString(trimmed)
		if err == nil && bytes.HasPrefix(bytes.TrimSpace(decoded), []byte("{")) {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("receipt is neither JSON nor base64 encoded JSON")
}

func parsePayload(doc []byte, platform purchases.Platform, now time.Time) (*payload, *VerificationError) {
	spec, ok := platformFields[platform]
	if !ok {
		return nil, newError(CodeInvalidInput, platform, "unsupported platform", nil)
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, newError(CodeDecodingError, platform, "receipt JSON could not be parsed", err)
	}

	productID, err := requiredString(fields, "productId")
	if err != nil {
		return nil, newError(CodeInvalidPayload, platform, err.Error(), nil)
	}
	token, err := requiredString(fields, spec.token)
	if err != nil {
		return nil, newError(CodeInvalidPayload, platform, err.Error(), nil)
	}

	txID := token
	if spec.txID != spec.token {
		if v, present := fields[spec.txID]; present {
			s, isString := v.(string)
			if !isString {
				return nil, newError(CodeInvalidPayload, platform, spec.txID+" must be a string", nil)
			}
			if strings.TrimSpace(s) != "" {
				txID = s
			}
		}
	}

	date, err := parseDate(fields[spec.date])
	if err != nil {
		return nil, newError(CodeInvalidPayload, platform, fmt.Sprintf("%s: %v", spec.date, err), nil)
	}
	if date.After(now.Add(MaxClockSkew)) {
		return nil, newError(CodeInvalidPayload, platform, spec.date+" is in the future", nil)
	}

	var identity string
	if v, present := fields[spec.identity]; present {
		s, isString := v.(string)
		if !isString {
			return nil, newError(CodeInvalidPayload, platform, spec.identity+" must be a string", nil)
		}
		identity = s
	}

	return &payload{
		transactionID: txID,
		productID:     productID,
		purchaseDate:  date,
		identity:      identity,
	}, nil
}

func requiredString(fields map[string]any, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("missing %s", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s is empty", name)
	}
	return s, nil
}

// parseDate accepts epoch milliseconds (number or numeric string) and RFC 3339.
func parseDate(v any) (time.Time, error) {
	var millis int64
	switch d := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("missing")
	case json.Number:
		f, err := d.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, fmt.Errorf("not a number")
		}
		millis = int64(f)
	case string:
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return validDate(t)
		}
		n, err := json.Number(d).Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognised date %q", d)
		}
		millis = n
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}
	return validDate(time.UnixMilli(millis).UTC())
}

func validDate(t time.Time) (time.Time, error) {
	if t.UnixMilli() <= 0 {
		return time.Time{}, fmt.Errorf("not a valid date")
	}
	return t, nil
}
