package canvas

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxIdentifierLength = 190

// Validate checks the frame identity and type.
func (f Frame) Validate() error {
	err := validation.ValidateStruct(&f,
		validation.Field(&f.ID, validation.Required, validation.Length(1, maxIdentifierLength)),
		validation.Field(&f.Type, validation.Required, validation.In(FrameTypeSketch, FrameTypeImage, FrameTypeModel)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// Validate checks both endpoints are present and distinct.
func (c Connection) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.From, validation.Required, validation.Length(1, maxIdentifierLength)),
		validation.Field(&c.To,
			validation.Required,
			validation.Length(1, maxIdentifierLength),
			validation.NotIn(c.From).Error("must differ from the source frame"),
		),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConnection, err)
	}
	return nil
}

// Validate checks the project document before it is persisted.
func (p Project) Validate() error {
	if err := validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required, validation.Length(1, maxIdentifierLength)),
		validation.Field(&p.Name, validation.Required, validation.Length(1, 256)),
	); err != nil {
		return err
	}
	if p.Canvas.SpendLimit < 0 {
		return fmt.Errorf("spendLimit: must not be negative")
	}
	for _, frame := range p.Canvas.Frames {
		if err := frame.Validate(); err != nil {
			return err
		}
	}
	for _, connection := range p.Canvas.Connections {
		if err := connection.Validate(); err != nil {
			return err
		}
	}
	return nil
}
