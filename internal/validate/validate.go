// Package validate checks enqueue requests against the fields each action
// requires.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Per-action input shapes. Only the fields an action cares about are
// checked; types.NewJob drops the rest before the job is stored.

type checkinInput struct {
	RoomNumber   string `json:"roomNumber" validate:"required,max=32"`
	GuestName    string `json:"guestName" validate:"required,max=64"`
	CheckInDate  string `json:"checkInDate" validate:"omitempty,datetime=2006-01-02"`
	CheckOutDate string `json:"checkOutDate" validate:"omitempty,datetime=2006-01-02"`
}

type checkoutInput struct {
	RoomNumber   string `json:"roomNumber" validate:"required,max=32"`
	GuestName    string `json:"guestName" validate:"omitempty,max=64"`
	CheckOutDate string `json:"checkOutDate" validate:"omitempty,datetime=2006-01-02"`
}

type paymentCheckinInput struct {
	RoomNumber    string `json:"roomNumber" validate:"required,max=32"`
	GuestName     string `json:"guestName" validate:"required,max=64"`
	CheckInDate   string `json:"checkInDate" validate:"omitempty,datetime=2006-01-02"`
	CheckOutDate  string `json:"checkOutDate" validate:"omitempty,datetime=2006-01-02"`
	PaymentAmount int64  `json:"paymentAmount" validate:"required,gt=0"`
	PaymentMethod string `json:"paymentMethod" validate:"required,oneof=cash card"`
}

type remotePrintInput struct {
	RoomNumber string `json:"roomNumber" validate:"required,max=32"`
	Password   string `json:"password" validate:"required,number,max=16"`
}

// Validator validates enqueue requests. It is safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

// New returns a Validator whose error details use JSON field names.
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// Normalize trims whitespace and applies the default action. It does not
// validate.
func Normalize(req types.EnqueueRequest) types.EnqueueRequest {
	req.Action = types.Action(strings.ToLower(strings.TrimSpace(string(req.Action))))
	if req.Action == "" {
		req.Action = types.ActionCheckin
	}
	req.RoomNumber = strings.TrimSpace(req.RoomNumber)
	req.GuestName = strings.TrimSpace(req.GuestName)
	req.CheckInDate = strings.TrimSpace(req.CheckInDate)
	req.CheckOutDate = strings.TrimSpace(req.CheckOutDate)
	req.Password = strings.TrimSpace(req.Password)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	return req
}

// Request returns a validation error listing every missing or malformed
// field for req.Action. req should already be normalized.
func (v *Validator) Request(req types.EnqueueRequest) error {
	const op = "validate.Request"

	var input interface{}
	switch req.Action {
	case types.ActionCheckin:
		input = checkinInput{req.RoomNumber, req.GuestName, req.CheckInDate, req.CheckOutDate}
	case types.ActionCheckout:
		input = checkoutInput{req.RoomNumber, req.GuestName, req.CheckOutDate}
	case types.ActionPaymentCheckin:
		input = paymentCheckinInput{req.RoomNumber, req.GuestName, req.CheckInDate, req.CheckOutDate,
			req.PaymentAmount, req.PaymentMethod}
	case types.ActionRemotePrint:
		input = remotePrintInput{req.RoomNumber, req.Password}
	default:
		return errs.Validation(op, "unsupported action",
			errs.Detail{Field: "action", Reason: "must be one of checkin checkout payment-checkin remote-print"})
	}

	err := v.v.Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.KindInternal, op, err)
	}

	details := make([]errs.Detail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, errs.Detail{Field: fe.Field(), Reason: reason(fe)})
	}
	return errs.Validation(op, "missing or invalid fields for action "+string(req.Action), details...)
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "datetime":
		return "must be a date in " + fe.Param() + " format"
	case "number":
		return "must contain digits only"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}
