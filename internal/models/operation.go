package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
)

// OpType names the kind of edit an operation carries.
type OpType string

const (
	OpUpsertIncident OpType = "upsertIncident"
	OpPatchIncident  OpType = "patchIncident"
	OpLinkDuplicate  OpType = "linkDuplicate"

	// Accepted on the wire but not applied by the server.
	OpVote        OpType = "vote"
	OpUploadMedia OpType = "uploadMedia"
)

// ChangeVector is the per-device counter stamped on each operation.
// It is carried for diagnostics and not consulted for ordering.
type ChangeVector struct {
	DeviceID string `json:"deviceId" validate:"required"`
	Counter  int64  `json:"counter" validate:"min=0"`
}

// Operation is a single user edit intent queued on a device.
// ID is generated once at creation and never reused.
type Operation struct {
	ID           string          `db:"id" json:"id" validate:"required"`
	Type         OpType          `db:"type" json:"type" validate:"required"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	EntityID     string          `db:"entity_id" json:"entityId" validate:"required"`
	Timestamp    int64           `db:"ts" json:"ts"`
	ChangeVector ChangeVector    `db:"cv" json:"cv"`
}

// Payload is the typed body of an operation. Each supported OpType has
// exactly one implementation.
type Payload interface {
	OpType() OpType
}

// UpsertIncidentPayload creates or updates an incident keyed by the op's entityId.
type UpsertIncidentPayload struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title" validate:"required,min=1"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty" validate:"omitempty,oneof=OPEN IN_PROGRESS RESOLVED REJECTED"`
	Severity    *Severity `json:"severity,omitempty" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	Lat         *float64  `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lng         *float64  `json:"lng,omitempty" validate:"omitempty,longitude"`
}

func (UpsertIncidentPayload) OpType() OpType { return OpUpsertIncident }

// PatchIncidentPayload is a partial update of an existing incident.
type PatchIncidentPayload struct {
	IncidentPatch
}

func (PatchIncidentPayload) OpType() OpType { return OpPatchIncident }

// LinkDuplicatePayload marks the op's entity as a duplicate of CanonicalID.
type LinkDuplicatePayload struct {
	CanonicalID string `json:"canonicalId" validate:"required"`
	Reason      string `json:"reason,omitempty"`
}

func (LinkDuplicatePayload) OpType() OpType { return OpLinkDuplicate }

// ErrUnsupportedOp is returned by DecodePayload for types the server ignores.
var ErrUnsupportedOp = fmt.Errorf("unsupported operation type")

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate runs struct validation and reports failures as a VALIDATION_ERROR.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return apperrors.Validation("%s", strings.Join(msgs, "; "))
		}
		return apperrors.Wrap(apperrors.ErrValidation, "invalid input", err)
	}
	return nil
}

// DecodePayload decodes and validates op.Payload into the typed payload for
// op.Type. Types the server does not apply return ErrUnsupportedOp.
func DecodePayload(op *Operation) (Payload, error) {
	var p Payload
	switch op.Type {
	case OpUpsertIncident:
		p = &UpsertIncidentPayload{}
	case OpPatchIncident:
		p = &PatchIncidentPayload{}
	case OpLinkDuplicate:
		p = &LinkDuplicatePayload{}
	default:
		return nil, ErrUnsupportedOp
	}

	raw := bytes.TrimSpace(op.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] != '{' {
		return nil, apperrors.Validation("operation %s: payload must be an object", op.ID)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("operation %s: malformed %s payload", op.ID, op.Type), err)
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.ID, err)
	}

	if up, ok := p.(*UpsertIncidentPayload); ok && up.ID != "" && up.ID != op.EntityID {
		return nil, apperrors.Validation("operation %s: payload id %q does not match entityId %q",
			op.ID, up.ID, op.EntityID)
	}
	return p, nil
}

// NewOperation builds an operation with a marshalled payload. Identity and
// change vector are assigned by the operation log.
func NewOperation(entityID string, payload Payload) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("failed to marshal %s payload: %w", payload.OpType(), err)
	}
	return Operation{
		Type:     payload.OpType(),
		Payload:  raw,
		EntityID: entityID,
	}, nil
}

// FormatCursor renders a cursor value for the wire.
func FormatCursor(c int64) string {
	return strconv.FormatInt(c, 10)
}

// ParseCursor parses a client-reported cursor; nil or empty means "from the start".
func ParseCursor(s *string) (int64, error) {
	if s == nil || *s == "" {
		return 0, nil
	}
	c, err := strconv.ParseInt(*s, 10, 64)
	if err != nil || c < 0 {
		return 0, apperrors.Validation("invalid cursor %q", *s)
	}
	return c, nil
}
