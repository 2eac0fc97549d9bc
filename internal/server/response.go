package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Envelope is the body of every /api response.
type Envelope struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Count   *int          `json:"count,omitempty"`
	Error   errs.Kind     `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
	Details []errs.Detail `json:"details,omitempty"`
}

// CompleteResponse is returned by the complete endpoint.
type CompleteResponse struct {
	Success     bool        `json:"success"`
	ID          types.JobID `json:"id"`
	CompletedAt *time.Time  `json:"completedAt"`
}

// retryMessage is what a kiosk shows a guest when the queue is unusable.
const retryMessage = "The request could not be processed right now. Please try again."

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func okList(c *gin.Context, jobs []types.Job) {
	n := len(jobs)
	c.JSON(http.StatusOK, Envelope{Success: true, Data: jobs, Count: &n})
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an error envelope. Server-side failures get the
// generic retry message; the cause goes into details for operators.
func fail(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := StatusOf(kind)

	body := Envelope{Success: false, Error: kind, Details: errs.DetailsOf(err)}
	var qe *errs.Error
	if status >= http.StatusInternalServerError {
		body.Message = retryMessage
		body.Details = append(body.Details, errs.Detail{Field: "cause", Reason: err.Error()})
	} else if errors.As(err, &qe) && qe.Message != "" {
		body.Message = qe.Message
	} else {
		body.Message = err.Error()
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
