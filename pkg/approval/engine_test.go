package approval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, rules []Rule) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	e, err := NewEngine(store, rules, WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return e, store
}

func refundRule(requiresTwo bool) Rule {
	return Rule{
		ID: "refund", EntityType: "order", ActionType: ActionRefund,
		Condition:   Condition{Field: "amount", Operator: ">", Value: 500},
		RequiresTwo: requiresTwo, Priority: 10,
	}
}

func refund(orderID string, major int64) RefundAction {
	return RefundAction{OrderID: orderID, AmountCents: major * 100, Reason: "damaged"}
}

func TestEngine_DualApproval(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, []Rule{refundRule(true)})

	d, err := e.RequestApproval(ctx, refund("ord-1", 1000), "clerk")
	require.NoError(t, err)
	require.True(t, d.Required)
	require.Equal(t, StatusPending, d.Request.Status)
	id := d.Request.ID

	r, err := e.Approve(ctx, id, "manager-a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "manager-a", r.ApprovedBy)

	_, err = e.Approve(ctx, id, "manager-a")
	var dup *DuplicateApprovalError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "DUPLICATE_APPROVAL", dup.Code())

	r, err = e.Approve(ctx, id, "manager-b")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, r.Status)
	assert.Equal(t, "manager-b", r.SecondApprovedBy)
	require.NotNil(t, r.ResolvedAt)

	_, err = e.Approve(ctx, id, "manager-c")
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestEngine_SingleApprovalFinalizes(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, []Rule{refundRule(false)})

	d, err := e.RequestApproval(ctx, refund("ord-1", 600), "clerk")
	require.NoError(t, err)
	r, err := e.Approve(ctx, d.Request.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, r.Status)
}

func TestEngine_NoMatchingRuleProceeds(t *testing.T) {
	e, store := newEngine(t, []Rule{refundRule(true)})

	d, err := e.RequestApproval(context.Background(), refund("ord-1", 500), "clerk")
	require.NoError(t, err)
	assert.False(t, d.Required)
	assert.Nil(t, d.Request)

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngine_SelfApproval(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, DefaultRules())

	d, err := e.RequestApproval(ctx, refund("ord-1", 600), "clerk")
	require.NoError(t, err)
	_, err = e.Approve(ctx, d.Request.ID, "clerk")
	var self *SelfApprovalError
	require.ErrorAs(t, err, &self)
	assert.Equal(t, "SELF_APPROVAL", self.Code())

	adj := InventoryAdjustAction{WarehouseID: "main", VariantID: "v-mug", Delta: -80, Reason: "stock count"}
	d, err = e.RequestApproval(ctx, adj, "clerk")
	require.NoError(t, err)
	require.True(t, d.Required)
	assert.True(t, d.Request.AutoApprove)
	r, err := e.Approve(ctx, d.Request.ID, "clerk")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, r.Status)
}

func TestEngine_HighestPriorityRuleWins(t *testing.T) {
	e, _ := newEngine(t, DefaultRules())
	ctx := context.Background()

	rule, err := e.CheckApprovalRequired(ctx, refund("ord-1", 6000))
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "refund-large", rule.ID)
	assert.True(t, rule.RequiresTwo)

	rule, err = e.CheckApprovalRequired(ctx, refund("ord-1", 700))
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "refund", rule.ID)

	rule, err = e.CheckApprovalRequired(ctx, PriceOverrideAction{VariantID: "v-1", OldPriceCents: 20000, NewPriceCents: 15000})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "price-override", rule.ID)

	rule, err = e.CheckApprovalRequired(ctx, PriceOverrideAction{VariantID: "v-1", OldPriceCents: 20000, NewPriceCents: 19000})
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestEngine_DisabledRulesAreSkipped(t *testing.T) {
	r := refundRule(true)
	r.Disabled = true
	e, _ := newEngine(t, []Rule{r})

	rule, err := e.CheckApprovalRequired(context.Background(), refund("ord-1", 9000))
	require.NoError(t, err)
	assert.Nil(t, rule)
	assert.Empty(t, e.Rules())
}

func TestEngine_FieldConditionAndExpression(t *testing.T) {
	rules := []Rule{
		{ID: "big-shrink", EntityType: "inventory", Expression: `action.delta < -20.0 && action.reason != "stock count"`, Priority: 5},
		{ID: "delta", EntityType: "inventory", Condition: Condition{Field: "delta", Operator: ">=", Value: 100}},
	}
	e, _ := newEngine(t, rules)
	ctx := context.Background()

	rule, err := e.CheckApprovalRequired(ctx, InventoryAdjustAction{WarehouseID: "main", VariantID: "v", Delta: -30, Reason: "theft"})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "big-shrink", rule.ID)

	rule, err = e.CheckApprovalRequired(ctx, InventoryAdjustAction{WarehouseID: "main", VariantID: "v", Delta: -30, Reason: "stock count"})
	require.NoError(t, err)
	assert.Nil(t, rule)

	rule, err = e.CheckApprovalRequired(ctx, InventoryAdjustAction{WarehouseID: "main", VariantID: "v", Delta: 120, Reason: "delivery"})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "delta", rule.ID)
}

func TestEngine_EvaluationErrorRequiresApproval(t *testing.T) {
	rules := []Rule{{ID: "missing-field", EntityType: "capital", Condition: Condition{Field: "fee", Operator: ">", Value: 1}}}
	e, _ := newEngine(t, rules)

	rule, err := e.CheckApprovalRequired(context.Background(), CapitalWithdrawalAction{Account: "ops", AmountCents: 100, Purpose: "rent"})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "missing-field", rule.ID)
}

func TestNewEngine_RejectsBadRules(t *testing.T) {
	_, err := NewEngine(NewMemoryStore(), []Rule{{ID: "x", EntityType: "order", Condition: Condition{Operator: "~"}}})
	assert.Error(t, err)

	_, err = NewEngine(NewMemoryStore(), []Rule{{ID: "x", EntityType: "order", Expression: "amount >"}})
	assert.Error(t, err)

	_, err = NewEngine(NewMemoryStore(), []Rule{{EntityType: "order", Condition: Condition{Operator: ">"}}})
	assert.Error(t, err)
}

func TestEngine_DuplicateRequestsCollapse(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine(t, DefaultRules())

	first, err := e.Submit(ctx, Envelope{Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-1","amount_cents":70000,"reason":"late"}`)}, "clerk")
	require.NoError(t, err)
	again, err := e.Submit(ctx, Envelope{Type: ActionRefund, Data: json.RawMessage(`{"reason":"late","amount_cents":70000,"order_id":"ord-1"}`)}, "clerk-2")
	require.NoError(t, err)

	assert.False(t, first.Deduplicated)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, first.Request.ID, again.Request.ID)

	other, err := e.Submit(ctx, Envelope{Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-2","amount_cents":70000,"reason":"late"}`)}, "clerk")
	require.NoError(t, err)
	assert.NotEqual(t, first.Request.ID, other.Request.ID)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = e.Reject(ctx, first.Request.ID, "manager", "not eligible")
	require.NoError(t, err)
	fresh, err := e.Submit(ctx, Envelope{Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-1","amount_cents":70000,"reason":"late"}`)}, "clerk")
	require.NoError(t, err)
	assert.False(t, fresh.Deduplicated)
	assert.NotEqual(t, first.Request.ID, fresh.Request.ID)
}

func TestEngine_SubmitValidatesAtTheBoundary(t *testing.T) {
	e, _ := newEngine(t, DefaultRules())
	ctx := context.Background()

	cases := map[string]Envelope{
		"unknown type":  {Type: "discount", Data: json.RawMessage(`{}`)},
		"missing field": {Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-1","amount_cents":100}`)},
		"extra field":   {Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-1","amount_cents":100,"reason":"x","note":"y"}`)},
		"fractional":    {Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-1","amount_cents":10.5,"reason":"x"}`)},
		"not json":      {Type: ActionRefund, Data: json.RawMessage(`{`)},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Submit(ctx, env, "clerk")
			var invalid *InvalidActionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, "VALIDATION_FAILED", invalid.Code())
		})
	}
}

func TestEngine_RejectIsFinal(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, []Rule{refundRule(true)})

	d, err := e.RequestApproval(ctx, refund("ord-1", 1000), "clerk")
	require.NoError(t, err)
	_, err = e.Approve(ctx, d.Request.ID, "manager-a")
	require.NoError(t, err)

	r, err := e.Reject(ctx, d.Request.ID, "manager-b", "policy")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, "policy", r.RejectReason)

	_, err = e.Approve(ctx, d.Request.ID, "manager-c")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusRejected, conflict.Status)

	_, err = e.Reject(ctx, d.Request.ID, "manager-b", "again")
	assert.ErrorAs(t, err, &conflict)
}

func TestEngine_ExecuteOnlyOnceAfterApproval(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, []Rule{refundRule(false)})

	d, err := e.RequestApproval(ctx, refund("ord-1", 800), "clerk")
	require.NoError(t, err)
	id := d.Request.ID

	calls := 0
	run := func(_ context.Context, a Action) error {
		calls++
		r, ok := a.(RefundAction)
		require.True(t, ok)
		assert.Equal(t, int64(80000), r.AmountCents)
		return nil
	}

	_, err = e.Execute(ctx, id, run)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Zero(t, calls)

	_, err = e.Approve(ctx, id, "manager")
	require.NoError(t, err)

	_, err = e.Execute(ctx, id, func(context.Context, Action) error { return errors.New("gateway down") })
	require.Error(t, err)

	r, err := e.Execute(ctx, id, run)
	require.NoError(t, err)
	require.NotNil(t, r.ExecutedAt)
	assert.Equal(t, 1, calls)

	_, err = e.Execute(ctx, id, run)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, calls)
}

func TestHash_IgnoresKeyOrder(t *testing.T) {
	a, err := Hash("ord-1", Envelope{Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-1","amount_cents":100,"reason":"x"}`)})
	require.NoError(t, err)
	b, err := Hash("ord-1", Envelope{Type: ActionRefund, Data: json.RawMessage(`{ "reason":"x", "amount_cents":100, "order_id":"ord-1" }`)})
	require.NoError(t, err)
	c, err := Hash("ord-1", Envelope{Type: ActionRefund, Data: json.RawMessage(`{"order_id":"ord-1","amount_cents":101,"reason":"x"}`)})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestLoadRules(t *testing.T) {
	doc := `
rules:
  - id: refund-large
    entity_type: order
    action_type: refund
    condition: {field: amount, operator: ">", value: 5000}
    requires_two: true
    priority: 20
  - id: shrink
    entity_type: inventory
    expression: "action.delta < -10.0"
`
	rules, err := LoadRules(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.True(t, rules[0].RequiresTwo)
	assert.Equal(t, ActionRefund, rules[0].ActionType)

	expr, err := rules[0].CEL()
	require.NoError(t, err)
	assert.Equal(t, "amount > 5000.0", expr)
	expr, err = rules[1].CEL()
	require.NoError(t, err)
	assert.Equal(t, "action.delta < -10.0", expr)

	_, err = NewEngine(NewMemoryStore(), rules)
	assert.NoError(t, err)
}
