package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// signedFields is the gateway's field order for the notification signature.
var signedFields = []string{
	"amount_cents",
	"created_at",
	"currency",
	"error_occured",
	"has_parent_transaction",
	"id",
	"integration_id",
	"is_3d_secure",
	"is_auth",
	"is_capture",
	"is_refunded",
	"is_standalone_payment",
	"is_voided",
	"order",
	"owner",
	"pending",
	"source_data.pan",
	"source_data.sub_type",
	"source_data.type",
	"success",
}

// Fields resolves a signed field name to its string form.
type Fields func(name string) string

// Transaction is the normalized content of a gateway notification.
type Transaction struct {
	ID          string `json:"id"`
	OrderID     string `json:"merchant_order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Success     bool   `json:"success"`
	Pending     bool   `json:"pending"`
	Voided      bool   `json:"is_voided"`
	Refunded    bool   `json:"is_refunded"`
	Message     string `json:"message,omitempty"`
}

// Outcome of a transaction as far as the order is concerned.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// Outcome classifies the transaction.
func (t *Transaction) Outcome() Outcome {
	switch {
	case t.Pending:
		return OutcomePending
	case t.Success && !t.Voided && !t.Refunded:
		return OutcomeSucceeded
	default:
		return OutcomeFailed
	}
}

// ErrBadSignature is returned when a notification fails verification.
var ErrBadSignature = errors.New("payment: invalid notification signature")

// Verifier checks notification signatures with HMAC-SHA512.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign computes the hex signature over the signed fields.
func (v *Verifier) Sign(f Fields) string {
	var b strings.Builder
	for _, name := range signedFields {
		b.WriteString(f(name))
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature against the computed one in constant time.
// An empty secret rejects everything.
func (v *Verifier) Verify(f Fields, signature string) error {
	if len(v.secret) == 0 || signature == "" {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(v.Sign(f))
	if err != nil {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil || !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

// Notification is a decoded webhook body.
type Notification struct {
	Type string
	obj  map[string]any
}

// ParseNotification decodes a webhook body of the form {"type": ..., "obj": {...}}.
func ParseNotification(body []byte) (*Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var env struct {
		Type string         `json:"type"`
		Obj  map[string]any `json:"obj"`
	}
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("payment: decode notification: %w", err)
	}
	if env.Obj == nil {
		return nil, errors.New("payment: notification has no transaction object")
	}
	return &Notification{Type: env.Type, obj: env.Obj}, nil
}

// ParseCallbackBody decodes a browser callback posted as JSON, either in
// the webhook envelope or as a bare transaction object.
func ParseCallbackBody(body []byte) (*Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payment: decode callback: %w", err)
	}
	if obj, ok := doc["obj"].(map[string]any); ok {
		typ, _ := doc["type"].(string)
		return &Notification{Type: typ, obj: obj}, nil
	}
	if len(doc) == 0 {
		return nil, errors.New("payment: empty callback body")
	}
	return &Notification{obj: doc}, nil
}

// Flat returns the signed fields plus the merchant order id and gateway
// message as callback parameters. Empty values are omitted.
func (n *Notification) Flat() map[string]string {
	out := make(map[string]string, len(signedFields)+2)
	for _, name := range signedFields {
		if v := n.Fields(name); v != "" {
			out[name] = v
		}
	}
	t := n.Transaction()
	if t.OrderID != "" {
		out["merchant_order_id"] = t.OrderID
	}
	if t.Message != "" {
		out["data.message"] = t.Message
	}
	return out
}

// Fields exposes the transaction object for signing. The "order" field is
// the gateway order id, which may be nested.
func (n *Notification) Fields(name string) string {
	if sub, ok := strings.CutPrefix(name, "source_data."); ok {
		src, _ := n.obj["source_data"].(map[string]any)
		return stringify(src[sub])
	}
	if name == "order" {
		if o, ok := n.obj["order"].(map[string]any); ok {
			return stringify(o["id"])
		}
	}
	return stringify(n.obj[name])
}

// Transaction normalizes the notification.
func (n *Notification) Transaction() Transaction {
	t := Transaction{
		ID:       stringify(n.obj["id"]),
		Currency: stringify(n.obj["currency"]),
		Success:  truthy(n.obj["success"]),
		Pending:  truthy(n.obj["pending"]),
		Voided:   truthy(n.obj["is_voided"]),
		Refunded: truthy(n.obj["is_refunded"]),
	}
	if o, ok := n.obj["order"].(map[string]any); ok {
		t.OrderID = stringify(o["merchant_order_id"])
		if t.OrderID == "" {
			t.OrderID = stringify(o["id"])
		}
	}
	if data, ok := n.obj["data"].(map[string]any); ok {
		t.Message = stringify(data["message"])
	}
	t.AmountCents, _ = strconv.ParseInt(stringify(n.obj["amount_cents"]), 10, 64)
	if t.Currency == "" {
		t.Currency = "EGP"
	}
	return t
}

// FlatFields adapts flat key/value pairs (callback query strings and form
// posts) to Fields.
func FlatFields(values map[string]string) Fields {
	return func(name string) string { return values[name] }
}

// TransactionFromFlat normalizes callback parameters.
func TransactionFromFlat(values map[string]string) Transaction {
	amount, _ := strconv.ParseInt(values["amount_cents"], 10, 64)
	t := Transaction{
		ID:          values["id"],
		OrderID:     values["merchant_order_id"],
		AmountCents: amount,
		Currency:    values["currency"],
		Success:     values["success"] == "true",
		Pending:     values["pending"] == "true",
		Voided:      values["is_voided"] == "true",
		Refunded:    values["is_refunded"] == "true",
		Message:     values["data.message"],
	}
	if t.OrderID == "" {
		t.OrderID = values["order"]
	}
	return t
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true"
	default:
		return false
	}
}
