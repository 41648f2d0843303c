package attendance

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"rollcall/internal/apperr"
)

var validate = validator.New()

// maxSSIDBytes is the 802.11 SSID length limit.
const maxSSIDBytes = 32

// CreateSessionInput is what a teacher submits to open a session.
type CreateSessionInput struct {
	CourseID        string       `json:"courseId" validate:"required,max=64"`
	Title           string       `json:"title" validate:"max=200"`
	Method          Method       `json:"method" validate:"required,oneof=qrcode location wifi manual"`
	StartTime       *time.Time   `json:"startTime"`
	EndTime         *time.Time   `json:"endTime"`
	DurationMinutes int          `json:"duration" validate:"gte=0,lte=1440"`
	Params          VerifyParams `json:"verifyParams"`
}

// CheckInInput is one check-in submission.
type CheckInInput struct {
	SessionID   string       `json:"sessionId" validate:"required,max=64"`
	StudentID   string       `json:"studentId" validate:"max=64"`
	StudentName string       `json:"studentName" validate:"max=100"`
	Method      Method       `json:"method" validate:"required,oneof=qrcode location wifi manual"`
	Location    *Coordinates `json:"location"`
	WiFiSSID    string       `json:"wifiSSID" validate:"max=64"`
	QRPayload   string       `json:"qrPayload" validate:"max=128"`
	Status      Status       `json:"status" validate:"omitempty,oneof=present late"`
	Comment     string       `json:"comment" validate:"max=500"`
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Clone(apperr.ErrValidation, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return apperr.Clone(apperr.ErrValidation, err.Error())
}

func validateStruct(v interface{}) error {
	return validationError(validate.Struct(v))
}

// NormalizeParams checks that params carry exactly what method needs and fills
// the QR rotation default. Parameters of another method are rejected.
func NormalizeParams(method Method, params VerifyParams, defaultRotation time.Duration) (VerifyParams, error) {
	invalid := func(msg string) (VerifyParams, error) {
		return VerifyParams{}, apperr.Clone(apperr.ErrInvalidVerifyParams, msg)
	}
	params.WiFiSSID = strings.TrimSpace(params.WiFiSSID)

	switch method {
	case MethodLocation:
		if params.WiFiSSID != "" || params.RotationIntervalSeconds != 0 {
			return invalid("location sessions take only a location")
		}
		if params.Location == nil {
			return invalid("location is required")
		}
		loc := *params.Location
		if loc.Range <= 0 {
			return invalid("range must be positive")
		}
		if err := validate.Struct(loc.Center()); err != nil {
			return invalid("coordinates out of bounds")
		}
		params.Location = &loc
	case MethodWiFi:
		if params.Location != nil || params.RotationIntervalSeconds != 0 {
			return invalid("wifi sessions take only an SSID")
		}
		if params.WiFiSSID == "" || len(params.WiFiSSID) > maxSSIDBytes {
			return invalid("wifiSSID must be 1-32 bytes")
		}
	case MethodQRCode:
		if params.Location != nil || params.WiFiSSID != "" {
			return invalid("qrcode sessions take only a rotation interval")
		}
		if params.RotationIntervalSeconds < 0 {
			return invalid("rotationIntervalSeconds must be positive")
		}
		if params.RotationIntervalSeconds == 0 {
			params.RotationIntervalSeconds = int(defaultRotation / time.Second)
		}
		if params.RotationIntervalSeconds <= 0 {
			params.RotationIntervalSeconds = 30
		}
	case MethodManual:
		if params.Location != nil || params.WiFiSSID != "" || params.RotationIntervalSeconds != 0 {
			return invalid("manual sessions take no parameters")
		}
	default:
		return VerifyParams{}, apperr.Clone(apperr.ErrValidation, "unknown method")
	}
	return params, nil
}
