package media

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// InteractionType is the kind of signal a user produced.
type InteractionType string

const (
	InteractionView    InteractionType = "view"
	InteractionLike    InteractionType = "like"
	InteractionDislike InteractionType = "dislike"
	InteractionWatch   InteractionType = "watch"
	InteractionSkip    InteractionType = "skip"
	InteractionSearch  InteractionType = "search"
)

// Interaction is a single user signal about a media item.
type Interaction struct {
	UserID    string          `json:"userId" validate:"required,max=256"`
	MediaID   string          `json:"mediaId" validate:"required,max=256"`
	Type      InteractionType `json:"type" validate:"required,oneof=view like dislike watch skip search"`
	Timestamp time.Time       `json:"timestamp"`
	// Duration is how long the user engaged, in seconds.
	Duration   *float64  `json:"duration,omitempty" validate:"omitempty,gte=0"`
	Completion *float64  `json:"completion,omitempty" validate:"omitempty,gte=0,lte=1"`
	Rating     *float64  `json:"rating,omitempty" validate:"omitempty,gte=0,lte=10"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// DurationValue returns Duration as a time.Duration and whether it was set.
// Durations too long for time.Duration saturate at its maximum.
func (in Interaction) DurationValue() (time.Duration, bool) {
	if in.Duration == nil {
		return 0, false
	}
	secs := *in.Duration
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(secs * float64(time.Second)), true
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields and value ranges. Failures wrap
// ErrInvalidInteraction and name the offending fields.
func (in Interaction) Validate() error {
	return wrapValidation(ErrInvalidInteraction, validate.Struct(in))
}

// wrapValidation tags a validator error with sentinel and lists the
// failing fields.
func wrapValidation(sentinel, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", sentinel, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
