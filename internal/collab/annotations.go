package collab

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Supported ephemeral annotation shapes.
const (
	AnnotationCircle    = "circle"
	AnnotationArrow     = "arrow"
	AnnotationRectangle = "rectangle"
	AnnotationLine      = "line"
)

// requiredCoords lists the coordinate fields each shape must carry.
var requiredCoords = map[string][]string{
	AnnotationCircle:    {"x", "y", "radius"},
	AnnotationArrow:     {"x1", "y1", "x2", "y2"},
	AnnotationRectangle: {"x", "y", "width", "height"},
	AnnotationLine:      {"x1", "y1", "x2", "y2"},
}

// Annotation is a temporary visual marker drawn by one user for the
// others. It lives only in room memory until its TTL passes; no code path
// writes it into element state.
type Annotation struct {
	ID          string             `json:"id"`
	RoomID      string             `json:"room"`
	UserID      string             `json:"user_id"`
	Shape       string             `json:"annotation_type"`
	Coordinates map[string]float64 `json:"coordinates"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// newAnnotation validates the shape and coordinates and stamps the TTL.
func newAnnotation(roomID, userID, shape string, coords map[string]float64, ttl time.Duration, now time.Time) (*Annotation, error) {
	required, ok := requiredCoords[shape]
	if !ok {
		return nil, fmt.Errorf("unsupported annotation type %q", shape)
	}
	for _, field := range required {
		if _, ok := coords[field]; !ok {
			return nil, fmt.Errorf("annotation %s missing coordinate %q", shape, field)
		}
	}

	return &Annotation{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		UserID:      userID,
		Shape:       shape,
		Coordinates: coords,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}
