package approval

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ActionType names a sensitive action.
type ActionType string

const (
	ActionRefund            ActionType = "refund"
	ActionPriceOverride     ActionType = "price_override"
	ActionInventoryAdjust   ActionType = "inventory_adjust"
	ActionCapitalWithdrawal ActionType = "capital_withdrawal"
)

// Action is the typed payload of a sensitive action.
type Action interface {
	Type() ActionType
	// EntityType is what rules are matched against.
	EntityType() string
	// Amount is the magnitude rule conditions compare, in major units.
	Amount() float64
}

// RefundAction returns money for an order.
type RefundAction struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

func (RefundAction) Type() ActionType   { return ActionRefund }
func (RefundAction) EntityType() string { return "order" }
func (a RefundAction) Amount() float64  { return float64(a.AmountCents) / 100 }
func (a RefundAction) EntityID() string { return a.OrderID }

// PriceOverrideAction changes a variant's price.
type PriceOverrideAction struct {
	VariantID     string `json:"variant_id"`
	OldPriceCents int64  `json:"old_price_cents"`
	NewPriceCents int64  `json:"new_price_cents"`
	Reason        string `json:"reason,omitempty"`
}

func (PriceOverrideAction) Type() ActionType   { return ActionPriceOverride }
func (PriceOverrideAction) EntityType() string { return "variant" }
func (a PriceOverrideAction) EntityID() string { return a.VariantID }

// Amount is the absolute price change.
func (a PriceOverrideAction) Amount() float64 {
	d := a.NewPriceCents - a.OldPriceCents
	if d < 0 {
		d = -d
	}
	return float64(d) / 100
}

// InventoryAdjustAction corrects a ledger row by delta units.
type InventoryAdjustAction struct {
	WarehouseID string `json:"warehouse_id"`
	VariantID   string `json:"variant_id"`
	Delta       int    `json:"delta"`
	Reason      string `json:"reason"`
}

func (InventoryAdjustAction) Type() ActionType   { return ActionInventoryAdjust }
func (InventoryAdjustAction) EntityType() string { return "inventory" }
func (a InventoryAdjustAction) EntityID() string { return a.WarehouseID + "/" + a.VariantID }

// Amount is the absolute unit count.
func (a InventoryAdjustAction) Amount() float64 {
	if a.Delta < 0 {
		return float64(-a.Delta)
	}
	return float64(a.Delta)
}

// CapitalWithdrawalAction moves money out of the business.
type CapitalWithdrawalAction struct {
	Account     string `json:"account"`
	AmountCents int64  `json:"amount_cents"`
	Purpose     string `json:"purpose"`
}

func (CapitalWithdrawalAction) Type() ActionType   { return ActionCapitalWithdrawal }
func (CapitalWithdrawalAction) EntityType() string { return "capital" }
func (a CapitalWithdrawalAction) Amount() float64  { return float64(a.AmountCents) / 100 }
func (a CapitalWithdrawalAction) EntityID() string { return a.Account }

// Envelope is the wire and storage form of an Action.
type Envelope struct {
	Type ActionType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

//go:embed schemas/*.json
var schemaFS embed.FS

// Codec validates envelopes against the per-type JSON schema and decodes
// them into typed actions.
type Codec struct {
	schemas map[ActionType]*jsonschema.Schema
}

// NewCodec compiles the embedded schemas.
func NewCodec() (*Codec, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	types := []ActionType{ActionRefund, ActionPriceOverride, ActionInventoryAdjust, ActionCapitalWithdrawal}
	out := &Codec{schemas: make(map[ActionType]*jsonschema.Schema, len(types))}
	for _, t := range types {
		raw, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("approval: schema %s: %w", t, err)
		}
		url := "https://schemas.fulfillment.local/approval/" + string(t) + ".json"
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("approval: load schema %s: %w", t, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("approval: compile schema %s: %w", t, err)
		}
		out.schemas[t] = schema
	}
	return out, nil
}

// Decode validates env and returns its typed action.
func (c *Codec) Decode(env Envelope) (Action, error) {
	schema, ok := c.schemas[env.Type]
	if !ok {
		return nil, &InvalidActionError{Reason: fmt.Sprintf("unknown action type %q", env.Type)}
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &InvalidActionError{Reason: "action data is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &InvalidActionError{Reason: strings.TrimSpace(err.Error())}
	}

	var a Action
	switch env.Type {
	case ActionRefund:
		a = &RefundAction{}
	case ActionPriceOverride:
		a = &PriceOverrideAction{}
	case ActionInventoryAdjust:
		a = &InventoryAdjustAction{}
	case ActionCapitalWithdrawal:
		a = &CapitalWithdrawalAction{}
	}
	if err := json.Unmarshal(env.Data, a); err != nil {
		return nil, &InvalidActionError{Reason: err.Error()}
	}
	return deref(a), nil
}

// Encode validates a and wraps it in an envelope.
func (c *Codec) Encode(a Action) (Envelope, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Type: a.Type(), Data: data}
	if _, err := c.Decode(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func deref(a Action) Action {
	switch v := a.(type) {
	case *RefundAction:
		return *v
	case *PriceOverrideAction:
		return *v
	case *InventoryAdjustAction:
		return *v
	case *CapitalWithdrawalAction:
		return *v
	}
	return a
}

// Hash is the sha256 of the canonical JSON of the action and its entity.
// Equal actions on the same entity hash equally regardless of key order.
func Hash(entityID string, env Envelope) (string, error) {
	raw, err := json.Marshal(struct {
		Type     ActionType      `json:"type"`
		EntityID string          `json:"entity_id"`
		Data     json.RawMessage `json:"data"`
	}{env.Type, entityID, env.Data})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("approval: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// entityIDOf returns the natural entity id of a.
func entityIDOf(a Action) string {
	if e, ok := a.(interface{ EntityID() string }); ok {
		return e.EntityID()
	}
	return ""
}
