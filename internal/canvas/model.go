package canvas

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FrameType enumerates the kinds of nodes placed on a canvas.
type FrameType string

const (
	// FrameTypeSketch is a freehand drawing frame.
	FrameTypeSketch FrameType = "sketch"
	// FrameTypeImage holds a generated or uploaded image.
	FrameTypeImage FrameType = "image"
	// FrameTypeModel holds a reconstructed 3-D model.
	FrameTypeModel FrameType = "model"
)

// Side identifies the connector a link gesture starts or ends on.
type Side string

const (
	// SideLeft is the input connector of a frame.
	SideLeft Side = "left"
	// SideRight is the output connector of a frame.
	SideRight Side = "right"
)

// Complements reports whether the two sides form a left-to-right link.
func (s Side) Complements(other Side) bool {
	return (s == SideRight && other == SideLeft) || (s == SideLeft && other == SideRight)
}

// ParseSide validates a raw connector side.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideLeft:
		return SideLeft, nil
	case SideRight:
		return SideRight, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidConnection, raw)
	}
}

// Default frame bounds used for link geometry.
const (
	DefaultFrameWidth  = 320.0
	DefaultFrameHeight = 320.0
)

// DefaultSpendLimit is the spend ceiling seeded into new projects.
const DefaultSpendLimit = 100.0

var (
	// ErrInvalidFrame indicates a frame failed validation.
	ErrInvalidFrame = errors.New("canvas: invalid frame")
	// ErrInvalidConnection indicates a connection failed validation.
	ErrInvalidConnection = errors.New("canvas: invalid connection")
	// ErrUnknownFrame indicates a reference to a frame absent from the canvas.
	ErrUnknownFrame = errors.New("canvas: unknown frame")
	// ErrUnknownModel indicates a usage record for a model outside the closed set.
	ErrUnknownModel = errors.New("canvas: unknown model")
)

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FrameContent references the type-specific payload of a frame.
type FrameContent struct {
	Sketch string `json:"sketch,omitempty"`
	Image  string `json:"image,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Frame is a positioned canvas node.
type Frame struct {
	ID          string       `json:"id"`
	Type        FrameType    `json:"type"`
	Position    Point        `json:"position"`
	Content     FrameContent `json:"content"`
	Connections []string     `json:"connections"`
}

// Equal reports whether two frames carry identical observable state.
func (f Frame) Equal(other Frame) bool {
	if f.ID != other.ID || f.Type != other.Type || f.Position != other.Position || f.Content != other.Content {
		return false
	}
	if len(f.Connections) != len(other.Connections) {
		return false
	}
	for index := range f.Connections {
		if f.Connections[index] != other.Connections[index] {
			return false
		}
	}
	return true
}

// Connection is a directed link between two frames.
type Connection struct {
	ID     string  `json:"id"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Points []Point `json:"points"`
}

// ConnectionID derives the identifier for an ordered frame pair.
func ConnectionID(fromID, toID string) string {
	return fromID + "-" + toID
}

// NewConnection builds a link for the ordered pair with no geometry yet.
func NewConnection(fromID, toID string) Connection {
	return Connection{
		ID:     ConnectionID(fromID, toID),
		From:   fromID,
		To:     toID,
		Points: []Point{},
	}
}

// Model names an AI model whose usage is metered per project.
type Model string

const (
	// ModelFluxSchnell generates images from sketches.
	ModelFluxSchnell Model = "fluxSchnell"
	// ModelRemoveBg removes image backgrounds.
	ModelRemoveBg Model = "removeBg"
	// ModelTripoSr reconstructs 3-D models from images.
	ModelTripoSr Model = "tripoSr"
)

// Models lists the closed set of metered models.
func Models() []Model {
	return []Model{ModelFluxSchnell, ModelRemoveBg, ModelTripoSr}
}

// ParseModel validates a raw model name against the closed set.
func ParseModel(raw string) (Model, error) {
	trimmed := Model(strings.TrimSpace(raw))
	for _, model := range Models() {
		if model == trimmed {
			return model, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, raw)
}

// UsageCounter accumulates calls and spend for one model.
type UsageCounter struct {
	Calls int64   `json:"calls"`
	Spend float64 `json:"spend"`
}

// ApiUsage holds per-model counters for the closed model set.
type ApiUsage struct {
	FluxSchnell UsageCounter `json:"fluxSchnell"`
	RemoveBg    UsageCounter `json:"removeBg"`
	TripoSr     UsageCounter `json:"tripoSr"`
}

// Counter returns the mutable counter for model.
func (u *ApiUsage) Counter(model Model) (*UsageCounter, error) {
	switch model {
	case ModelFluxSchnell:
		return &u.FluxSchnell, nil
	case ModelRemoveBg:
		return &u.RemoveBg, nil
	case ModelTripoSr:
		return &u.TripoSr, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
}

// Totals sums calls and spend across all models.
func (u ApiUsage) Totals() UsageTotals {
	counters := []UsageCounter{u.FluxSchnell, u.RemoveBg, u.TripoSr}
	totals := UsageTotals{}
	for _, counter := range counters {
		totals.TotalCalls += counter.Calls
		totals.TotalSpend += counter.Spend
	}
	return totals
}

// UsageTotals is the listing summary of ApiUsage.
type UsageTotals struct {
	TotalCalls int64   `json:"totalCalls"`
	TotalSpend float64 `json:"totalSpend"`
}

// Canvas is the editable content of a project.
type Canvas struct {
	Frames      []Frame      `json:"frames"`
	Connections []Connection `json:"connections"`
	ApiUsage    ApiUsage     `json:"apiUsage"`
	SpendLimit  float64      `json:"spendLimit"`
}

// Project is the persisted document for one canvas.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	Canvas       Canvas    `json:"canvas"`
}

// ProjectMetadata is the lightweight listing record derived from a Project.
type ProjectMetadata struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Created      time.Time   `json:"created"`
	LastModified time.Time   `json:"lastModified"`
	ApiUsage     UsageTotals `json:"apiUsage"`
}

// Metadata derives the listing record for the project.
func (p Project) Metadata() ProjectMetadata {
	return ProjectMetadata{
		ID:           p.ID,
		Name:         p.Name,
		Created:      p.Created,
		LastModified: p.LastModified,
		ApiUsage:     p.Canvas.ApiUsage.Totals(),
	}
}
