package dispatch

import "strings"

// Operation is the closed set of trade operations.
type Operation int

const (
	// Unspecified is any operation name that is not recognized. It routes
	// to the default order-entry handler.
	Unspecified Operation = iota
	Default
	PlaceOrder
	EditPlaceOrder
	InputOrder
	AutoPlaceOrder
	AccountCheckOnly
)

var operationNames = map[Operation]string{
	Unspecified:      "unspecified",
	Default:          "default",
	PlaceOrder:       "place-order",
	EditPlaceOrder:   "edit-place-order",
	InputOrder:       "input-order",
	AutoPlaceOrder:   "auto-place-order",
	AccountCheckOnly: "account-check-only",
}

// Operations lists every named operation in wire order.
var Operations = []Operation{Default, PlaceOrder, EditPlaceOrder, InputOrder, AutoPlaceOrder, AccountCheckOnly}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return "unspecified"
}

// ParseOperation maps a wire name to an Operation. Unknown names, including
// the empty string, yield Unspecified.
func ParseOperation(s string) Operation {
	s = strings.ToLower(strings.TrimSpace(s))
	for op, name := range operationNames {
		if op != Unspecified && name == s {
			return op
		}
	}
	return Unspecified
}

// Credentials are only needed when a fresh login is required.
type Credentials struct {
	Password string
}

// Request is a validated trade command.
type Request struct {
	Identity    string
	Operation   string
	Credentials *Credentials
	Symbol      string
	Direction   string
	Amount      string
	TakeProfit  string
	StopLoss    string
	AccountID   string
}

// Kind returns the parsed operation.
func (r Request) Kind() Operation { return ParseOperation(r.Operation) }

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Details echoes the order parameters of the request verbatim.
type Details struct {
	AccountID  string `json:"accountId"`
	Symbol     string `json:"symbol"`
	Operation  string `json:"operation"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	TakeProfit string `json:"takeProfit"`
	StopLoss   string `json:"stopLoss"`
}

// Outcome is the uniform result returned to callers.
type Outcome struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	Confirmed bool    `json:"confirmed"`
	Reason    string  `json:"reason,omitempty"`
	Warning   string  `json:"warning,omitempty"`
	Details   Details `json:"details"`
}

// Echo builds the details block for req.
func Echo(req Request) Details {
	return Details{
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Operation:  req.Operation,
		Direction:  req.Direction,
		Amount:     req.Amount,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	}
}

// ErrorOutcome reports an infrastructure or navigation fault.
func ErrorOutcome(req Request, message string, err error) Outcome {
	out := Outcome{Status: StatusError, Message: message, Details: Echo(req)}
	if err != nil {
		out.Reason = err.Error()
	}
	return out
}

// FailedOutcome reports a business-level non-success.
func FailedOutcome(req Request, message, reason, warning string) Outcome {
	return Outcome{Status: StatusFailed, Message: message, Reason: reason, Warning: warning, Details: Echo(req)}
}
