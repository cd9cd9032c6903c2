// Package killswitch provides cached, fail-safe operational feature gates.
package killswitch

import "fmt"

// Flag names a single switch. Values match the stored JSON keys.
type Flag string

const (
	FlagPayments       Flag = "payments_enabled"
	FlagCard           Flag = "card_enabled"
	FlagWallet         Flag = "wallet_enabled"
	FlagCOD            Flag = "cod_enabled"
	FlagCheckout       Flag = "checkout_enabled"
	FlagCoupons        Flag = "coupons_enabled"
	FlagRegistration   Flag = "registration_enabled"
	FlagAdminManualPay Flag = "admin_manual_pay"
	FlagPOS            Flag = "pos_enabled"
)

// Flags is the full switch set.
type Flags struct {
	PaymentsEnabled     bool `json:"payments_enabled"`
	CardEnabled         bool `json:"card_enabled"`
	WalletEnabled       bool `json:"wallet_enabled"`
	CODEnabled          bool `json:"cod_enabled"`
	CheckoutEnabled     bool `json:"checkout_enabled"`
	CouponsEnabled      bool `json:"coupons_enabled"`
	RegistrationEnabled bool `json:"registration_enabled"`
	AdminManualPay      bool `json:"admin_manual_pay"`
	POSEnabled          bool `json:"pos_enabled"`
}

// Defaults are used whenever stored flags cannot be read.
// Online methods stay off until explicitly enabled.
func Defaults() Flags {
	return Flags{
		PaymentsEnabled:     true,
		CardEnabled:         false,
		WalletEnabled:       false,
		CODEnabled:          true,
		CheckoutEnabled:     true,
		CouponsEnabled:      false,
		RegistrationEnabled: true,
		AdminManualPay:      false,
		POSEnabled:          false,
	}
}

// Enabled returns the value of one flag. Unknown flags are off.
func (f Flags) Enabled(flag Flag) bool {
	switch flag {
	case FlagPayments:
		return f.PaymentsEnabled
	case FlagCard:
		return f.CardEnabled
	case FlagWallet:
		return f.WalletEnabled
	case FlagCOD:
		return f.CODEnabled
	case FlagCheckout:
		return f.CheckoutEnabled
	case FlagCoupons:
		return f.CouponsEnabled
	case FlagRegistration:
		return f.RegistrationEnabled
	case FlagAdminManualPay:
		return f.AdminManualPay
	case FlagPOS:
		return f.POSEnabled
	default:
		return false
	}
}

// methodFlags maps payment method identifiers to their switch.
var methodFlags = map[string]Flag{
	"cod":    FlagCOD,
	"card":   FlagCard,
	"wallet": FlagWallet,
}

// FeatureDisabledError is returned by RequireFeature.
type FeatureDisabledError struct {
	Flag Flag
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("killswitch: feature %s is disabled", e.Flag)
}

// Code returns the stable error code.
func (e *FeatureDisabledError) Code() string { return "FEATURE_DISABLED" }

// UnknownFlagError is returned by Update for a flag name outside the set.
type UnknownFlagError struct {
	Flag Flag
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("killswitch: unknown flag %q", e.Flag)
}

func (e *UnknownFlagError) Code() string { return "VALIDATION_FAILED" }
