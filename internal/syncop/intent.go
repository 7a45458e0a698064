package syncop

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"waste-sync/internal/apperrors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var resourceName = regexp.MustCompile(`^[a-z][a-z0-9-]{1,40}$`)

// Intent is a typed mutation. Each concrete type fixes its kind and target,
// so an executor can switch on the type instead of trusting a free-form payload.
type Intent interface {
	Kind() Kind
	Target() Target
	Filter() *Filter
	Validate() error
}

const (
	TypeCreateWasteSale     = "createWasteSale"
	TypeTransitionWasteSale = "transitionWasteSale"
	TypePayWasteSale        = "payWasteSale"
	TypeReissueCode         = "reissueVerificationCode"
	TypeResourceChange      = "resourceChange"
)

type CreateWasteSale struct {
	RecyclerID string  `json:"recyclerId" validate:"required"`
	WasteType  string  `json:"wasteType" validate:"required"`
	WeightKg   float64 `json:"weightKg" validate:"gt=0"`
	PricePerKg float64 `json:"pricePerKg" validate:"gte=0"`
}

func (CreateWasteSale) Kind() Kind      { return KindCreate }
func (CreateWasteSale) Filter() *Filter { return nil }
func (CreateWasteSale) Target() Target {
	return Target{ResourceType: ResourceWasteSales, Endpoint: "/api/waste-sales"}
}
func (i CreateWasteSale) Validate() error { return structErr(i) }

type TransitionWasteSale struct {
	TransactionID   string `json:"-" validate:"required"`
	Status          string `json:"status" validate:"required,oneof=accepted rejected processed"`
	RejectionReason string `json:"rejectionReason,omitempty"`
}

func (TransitionWasteSale) Kind() Kind { return KindUpdate }
func (i TransitionWasteSale) Filter() *Filter {
	return &Filter{ID: i.TransactionID}
}
func (i TransitionWasteSale) Target() Target {
	return Target{ResourceType: ResourceWasteSales, Endpoint: "/api/waste-sales/" + i.TransactionID + "/status"}
}
func (i TransitionWasteSale) Validate() error {
	if err := structErr(i); err != nil {
		return err
	}
	if i.Status == "rejected" && strings.TrimSpace(i.RejectionReason) == "" {
		return apperrors.Invalid("rejection requires a reason")
	}
	return nil
}

type PayWasteSale struct {
	TransactionID    string `json:"transactionId" validate:"required"`
	VerificationCode string `json:"verificationCode" validate:"required,len=6,alphanum"`
	PaymentMethod    string `json:"paymentMethod" validate:"required"`
}

func (PayWasteSale) Kind() Kind { return KindUpdate }
func (i PayWasteSale) Filter() *Filter {
	return &Filter{ID: i.TransactionID}
}
func (i PayWasteSale) Target() Target {
	return Target{ResourceType: ResourceRecyclingOrders, Endpoint: "/api/recycling/orders/" + i.TransactionID + "/payment"}
}
func (i PayWasteSale) Validate() error { return structErr(i) }

type ReissueVerificationCode struct {
	TransactionID string `json:"-" validate:"required"`
}

func (ReissueVerificationCode) Kind() Kind { return KindUpdate }
func (i ReissueVerificationCode) Filter() *Filter {
	return &Filter{ID: i.TransactionID}
}
func (i ReissueVerificationCode) Target() Target {
	return Target{ResourceType: ResourceVerificationCodes, Endpoint: "/api/waste-sales/" + i.TransactionID + "/verification-code"}
}
func (i ReissueVerificationCode) Validate() error { return structErr(i) }

// ResourceChange covers the plain CRUD resources (reports, collections, ...)
// that have no lifecycle of their own.
type ResourceChange struct {
	Op       Kind           `json:"-"`
	Resource string         `json:"-"`
	ID       string         `json:"-"`
	Fields   map[string]any `json:"-"`
}

func (i ResourceChange) Kind() Kind { return i.Op }
func (i ResourceChange) Filter() *Filter {
	if i.ID == "" {
		return nil
	}
	return &Filter{ID: i.ID}
}
func (i ResourceChange) Target() Target {
	endpoint := "/api/" + i.Resource
	if i.ID != "" {
		endpoint += "/" + i.ID
	}
	return Target{ResourceType: i.Resource, Endpoint: endpoint}
}

func (i ResourceChange) MarshalJSON() ([]byte, error) {
	if i.Op == KindDelete {
		return []byte("null"), nil
	}
	return json.Marshal(i.Fields)
}

func (i ResourceChange) Validate() error {
	if !i.Op.Valid() {
		return apperrors.Invalid(fmt.Sprintf("unknown operation kind %q", i.Op))
	}
	if err := ValidateResourceName(i.Resource); err != nil {
		return err
	}
	if i.Op == KindCreate && i.ID != "" {
		return apperrors.Invalid("create must not carry an id")
	}
	if i.Op != KindCreate && i.ID == "" {
		return apperrors.Invalid(fmt.Sprintf("%s requires an id", i.Op))
	}
	if i.Op != KindDelete && len(i.Fields) == 0 {
		return apperrors.Invalid(fmt.Sprintf("%s requires fields", i.Op))
	}
	return nil
}

// ValidateResourceName rejects names that are malformed or that belong to
// resources with a typed lifecycle.
func ValidateResourceName(name string) error {
	if !resourceName.MatchString(name) {
		return apperrors.Invalid(fmt.Sprintf("invalid resource name %q", name))
	}
	switch name {
	case ResourceWasteSales, ResourceRecyclingOrders, ResourceVerificationCodes,
		"recycling", "sync", "health", "stats":
		return apperrors.Invalid(fmt.Sprintf("resource %q is reserved", name))
	}
	return nil
}

func structErr(v any) error {
	if err := validate.Struct(v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, "invalid intent", err)
	}
	return nil
}

// Envelope is the wire form an intent arrives in from outside the process,
// e.g. one line on the agent's stdin.
type Envelope struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Resource string          `json:"resource,omitempty"`
	Op       Kind            `json:"op,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// ParseIntent decodes an envelope into its concrete intent and validates it.
func ParseIntent(env Envelope) (Intent, error) {
	var intent Intent

	switch env.Type {
	case TypeCreateWasteSale:
		var i CreateWasteSale
		if err := decode(env.Data, &i); err != nil {
			return nil, err
		}
		intent = i
	case TypeTransitionWasteSale:
		var i TransitionWasteSale
		if err := decode(env.Data, &i); err != nil {
			return nil, err
		}
		i.TransactionID = env.ID
		intent = i
	case TypePayWasteSale:
		var i PayWasteSale
		if err := decode(env.Data, &i); err != nil {
			return nil, err
		}
		if i.TransactionID == "" {
			i.TransactionID = env.ID
		}
		intent = i
	case TypeReissueCode:
		intent = ReissueVerificationCode{TransactionID: env.ID}
	case TypeResourceChange:
		i := ResourceChange{Op: env.Op, Resource: env.Resource, ID: env.ID}
		if len(env.Data) > 0 {
			if err := decode(env.Data, &i.Fields); err != nil {
				return nil, err
			}
		}
		intent = i
	default:
		return nil, apperrors.Invalid(fmt.Sprintf("unknown intent type %q", env.Type))
	}

	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return intent, nil
}

// DecodeIntent rebuilds the typed intent behind a persisted operation.
func DecodeIntent(op QueuedOperation) (Intent, error) {
	env := Envelope{ID: op.FilterID(), Data: op.Payload}

	switch {
	case op.Target.ResourceType == ResourceWasteSales && op.Kind == KindCreate:
		env.Type = TypeCreateWasteSale
	case op.Target.ResourceType == ResourceWasteSales && op.Kind == KindUpdate:
		env.Type = TypeTransitionWasteSale
	case op.Target.ResourceType == ResourceRecyclingOrders && op.Kind == KindUpdate:
		env.Type = TypePayWasteSale
	case op.Target.ResourceType == ResourceVerificationCodes && op.Kind == KindUpdate:
		env.Type = TypeReissueCode
	default:
		env.Type = TypeResourceChange
		env.Resource = op.Target.ResourceType
		env.Op = op.Kind
		if op.Kind == KindDelete {
			env.Data = nil
		}
	}

	return ParseIntent(env)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperrors.Invalid("missing intent data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, "malformed intent data", err)
	}
	return nil
}
