// Package draw holds the drawing model shared by the store, the gateway and
// the client: a closed set of shape kinds, their style, and the identity
// stages a record moves through.
package draw

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
)

type Kind string

const (
	KindPath      Kind = "path"
	KindLine      Kind = "line"
	KindRectangle Kind = "rectangle"
	KindText      Kind = "text"
	KindIcon      Kind = "icon"
)

const (
	maxPathPoints = 10000
	maxTextLength = 2000
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) valid() bool {
	return finite(p.X) && finite(p.Y)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// positive rejects NaN as well as zero and negative sizes.
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// Shape is implemented only by the five geometry types in this package.
type Shape interface {
	Kind() Kind
	Validate() error
	shape()
}

type Path struct {
	Points []Point `json:"points"`
}

type Line struct {
	From Point `json:"from"`
	To   Point `json:"to"`
}

type Rectangle struct {
	Origin Point   `json:"origin"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Filled bool    `json:"filled,omitempty"`
}

type Text struct {
	At      Point   `json:"at"`
	Content string  `json:"content"`
	Size    float64 `json:"size"`
}

type Icon struct {
	At   Point   `json:"at"`
	Icon string  `json:"icon"`
	Size float64 `json:"size"`
}

func (Path) Kind() Kind      { return KindPath }
func (Line) Kind() Kind      { return KindLine }
func (Rectangle) Kind() Kind { return KindRectangle }
func (Text) Kind() Kind      { return KindText }
func (Icon) Kind() Kind      { return KindIcon }

func (Path) shape()      {}
func (Line) shape()      {}
func (Rectangle) shape() {}
func (Text) shape()      {}
func (Icon) shape()      {}

func (s Path) Validate() error {
	if len(s.Points) < 2 {
		return fmt.Errorf("path needs at least 2 points, got %d", len(s.Points))
	}
	if len(s.Points) > maxPathPoints {
		return fmt.Errorf("path has %d points, limit is %d", len(s.Points), maxPathPoints)
	}
	for i, p := range s.Points {
		if !p.valid() {
			return fmt.Errorf("path point %d is not finite", i)
		}
	}
	return nil
}

func (s Line) Validate() error {
	if !s.From.valid() || !s.To.valid() {
		return fmt.Errorf("line endpoints must be finite")
	}
	if s.From == s.To {
		return fmt.Errorf("line has zero length")
	}
	return nil
}

func (s Rectangle) Validate() error {
	if !s.Origin.valid() {
		return fmt.Errorf("rectangle origin must be finite")
	}
	if !finite(s.Width) || !finite(s.Height) || s.Width == 0 || s.Height == 0 {
		return fmt.Errorf("rectangle must have finite non-zero width and height")
	}
	return nil
}

func (s Text) Validate() error {
	if !s.At.valid() {
		return fmt.Errorf("text anchor must be finite")
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("text content is empty")
	}
	if len(s.Content) > maxTextLength {
		return fmt.Errorf("text content exceeds %d bytes", maxTextLength)
	}
	if !positive(s.Size) {
		return fmt.Errorf("text size must be positive and finite")
	}
	return nil
}

func (s Icon) Validate() error {
	if !s.At.valid() {
		return fmt.Errorf("icon anchor must be finite")
	}
	if s.Icon == "" {
		return fmt.Errorf("icon name is empty")
	}
	if !positive(s.Size) {
		return fmt.Errorf("icon size must be positive and finite")
	}
	return nil
}

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

type Style struct {
	Color   string  `json:"color"`
	Width   float64 `json:"width,omitempty"`
	Opacity float64 `json:"opacity,omitempty"`
	Dashed  bool    `json:"dashed,omitempty"`
}

func (s Style) Validate() error {
	if !colorPattern.MatchString(s.Color) {
		return fmt.Errorf("color %q is not a hex color", s.Color)
	}
	if s.Width < 0 {
		return fmt.Errorf("stroke width is negative")
	}
	if s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("opacity %v outside [0,1]", s.Opacity)
	}
	return nil
}

// Payload is what a participant draws: one shape plus its style. It carries
// no identifier so it can be relayed before the store has assigned one.
type Payload struct {
	Shape Shape
	Style Style
}

func (p Payload) Kind() Kind {
	if p.Shape == nil {
		return ""
	}
	return p.Shape.Kind()
}

func (p Payload) Validate() error {
	if p.Shape == nil {
		return apperr.Invalid("draw.Validate", "payload has no shape")
	}
	if err := p.Shape.Validate(); err != nil {
		return apperr.E(apperr.KindInvalid, "draw.Validate", err)
	}
	if err := p.Style.Validate(); err != nil {
		return apperr.E(apperr.KindInvalid, "draw.Validate", err)
	}
	return nil
}

type wirePayload struct {
	Type     Kind            `json:"type"`
	Geometry json.RawMessage `json:"geometry"`
	Style    Style           `json:"style"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Shape == nil {
		return nil, fmt.Errorf("draw: marshal payload without shape")
	}
	geometry, err := json.Marshal(p.Shape)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wirePayload{Type: p.Shape.Kind(), Geometry: geometry, Style: p.Style})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return apperr.E(apperr.KindInvalid, "draw.Unmarshal", err)
	}
	shape, err := decodeShape(w.Type, w.Geometry)
	if err != nil {
		return err
	}
	p.Shape = shape
	p.Style = w.Style
	return nil
}

func decodeShape(kind Kind, geometry json.RawMessage) (Shape, error) {
	if len(geometry) == 0 {
		return nil, apperr.Invalid("draw.Unmarshal", "%s payload has no geometry", kind)
	}
	var (
		shape Shape
		err   error
	)
	switch kind {
	case KindPath:
		var s Path
		err = json.Unmarshal(geometry, &s)
		shape = s
	case KindLine:
		var s Line
		err = json.Unmarshal(geometry, &s)
		shape = s
	case KindRectangle:
		var s Rectangle
		err = json.Unmarshal(geometry, &s)
		shape = s
	case KindText:
		var s Text
		err = json.Unmarshal(geometry, &s)
		shape = s
	case KindIcon:
		var s Icon
		err = json.Unmarshal(geometry, &s)
		shape = s
	default:
		return nil, apperr.Invalid("draw.Unmarshal", "unknown draw type %q", kind)
	}
	if err != nil {
		return nil, apperr.E(apperr.KindInvalid, "draw.Unmarshal", err)
	}
	return shape, nil
}
