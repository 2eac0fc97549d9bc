// Package types defines the core domain model shared by the kioskq producer,
// its queue stores and the property-local agents.
package types

import (
	"time"
)

// JobID identifies a job within its property partition.
type JobID string

// PropertyID names one partition of the queue. Each physical property runs
// exactly one consumer agent that watches only its own partition.
type PropertyID string

// Fixed set of partitions.
const (
	Property1 PropertyID = "property1" // The Beach Stay C/D
	Property2 PropertyID = "property2" // Kariv Hotel
	Property3 PropertyID = "property3" // The Beach Stay A/B
	Property4 PropertyID = "property4" // The Camp Stay
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"    // created, waiting for an agent
	StatusProcessing JobStatus = "processing" // picked up by an agent (optional step)
	StatusCompleted  JobStatus = "completed"  // terminal: action performed
	StatusFailed     JobStatus = "failed"     // terminal: agent gave up, Error is set
)

// Action selects what the agent does with the job and which payload fields
// are mandatory.
type Action string

const (
	ActionCheckin        Action = "checkin"
	ActionCheckout       Action = "checkout"
	ActionPaymentCheckin Action = "payment-checkin"
	ActionRemotePrint    Action = "remote-print"
)

// Actions lists every supported action.
var Actions = []Action{ActionCheckin, ActionCheckout, ActionPaymentCheckin, ActionRemotePrint}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Job is a unit of work handed from the kiosk tier to a property-local agent.
//
// Property is derived from RoomNumber once, at enqueue time, and never
// recomputed. CompletedAt is non-nil exactly when Status is terminal.
type Job struct {
	ID       JobID      `json:"id"`
	Property PropertyID `json:"property"`
	Action   Action     `json:"action"`

	RoomNumber    string `json:"roomNumber"`
	GuestName     string `json:"guestName,omitempty"`
	CheckInDate   string `json:"checkInDate,omitempty"`
	CheckOutDate  string `json:"checkOutDate,omitempty"`
	Password      string `json:"password,omitempty"`
	PaymentAmount int64  `json:"paymentAmount,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt"`
	Error       string     `json:"error,omitempty"`
}

// EnqueueRequest is the producer-facing input for a new job. Property, ID
// and timestamps are never accepted from the caller.
type EnqueueRequest struct {
	Action        Action `json:"action"`
	RoomNumber    string `json:"roomNumber"`
	GuestName     string `json:"guestName,omitempty"`
	CheckInDate   string `json:"checkInDate,omitempty"`
	CheckOutDate  string `json:"checkOutDate,omitempty"`
	Password      string `json:"password,omitempty"`
	PaymentAmount int64  `json:"paymentAmount,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

// NewJob builds a job skeleton from a request. Only the payload fields the
// action uses are kept; a password sent with a checkin never reaches the
// queue. The store fills in ID, Status and CreatedAt.
func NewJob(req EnqueueRequest, property PropertyID) Job {
	job := Job{
		Property:   property,
		Action:     req.Action,
		RoomNumber: req.RoomNumber,
	}
	switch req.Action {
	case ActionCheckin:
		job.GuestName = req.GuestName
		job.CheckInDate = req.CheckInDate
		job.CheckOutDate = req.CheckOutDate
	case ActionCheckout:
		job.GuestName = req.GuestName
		job.CheckOutDate = req.CheckOutDate
	case ActionPaymentCheckin:
		job.GuestName = req.GuestName
		job.CheckInDate = req.CheckInDate
		job.CheckOutDate = req.CheckOutDate
		job.PaymentAmount = req.PaymentAmount
		job.PaymentMethod = req.PaymentMethod
	case ActionRemotePrint:
		job.Password = req.Password
	}
	return job
}
