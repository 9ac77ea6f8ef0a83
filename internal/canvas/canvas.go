package canvas

import "fmt"

// NewCanvas returns an empty canvas with zeroed usage and the default spend limit.
func NewCanvas() Canvas {
	return Canvas{
		Frames:      []Frame{},
		Connections: []Connection{},
		ApiUsage:    ApiUsage{},
		SpendLimit:  DefaultSpendLimit,
	}
}

// Clone returns a deep copy so callers can hand out snapshots.
func (c Canvas) Clone() Canvas {
	clone := c
	clone.Frames = make([]Frame, len(c.Frames))
	for index, frame := range c.Frames {
		frame.Connections = append([]string{}, frame.Connections...)
		clone.Frames[index] = frame
	}
	clone.Connections = make([]Connection, len(c.Connections))
	for index, connection := range c.Connections {
		connection.Points = append([]Point{}, connection.Points...)
		clone.Connections[index] = connection
	}
	return clone
}

// FrameByID looks up a frame.
func (c *Canvas) FrameByID(frameID string) (Frame, bool) {
	index := c.frameIndex(frameID)
	if index < 0 {
		return Frame{}, false
	}
	return c.Frames[index], true
}

// ConnectionByID looks up a connection.
func (c *Canvas) ConnectionByID(connectionID string) (Connection, bool) {
	index := c.connectionIndex(connectionID)
	if index < 0 {
		return Connection{}, false
	}
	return c.Connections[index], true
}

// UpsertFrame inserts or replaces a frame and refreshes geometry of its links.
// It reports false when the frame was already present with identical state.
func (c *Canvas) UpsertFrame(frame Frame) (bool, error) {
	if err := frame.Validate(); err != nil {
		return false, err
	}
	if frame.Connections == nil {
		frame.Connections = []string{}
	}
	index := c.frameIndex(frame.ID)
	if index >= 0 {
		if c.Frames[index].Equal(frame) {
			return false, nil
		}
		c.Frames[index] = frame
	} else {
		c.Frames = append(c.Frames, frame)
	}
	c.RecomputeGeometry()
	return true, nil
}

// RemoveFrame deletes a frame and prunes every connection that references it.
// It returns the identifiers of the pruned connections.
func (c *Canvas) RemoveFrame(frameID string) (bool, []string) {
	index := c.frameIndex(frameID)
	if index < 0 {
		return false, nil
	}
	c.Frames = append(c.Frames[:index], c.Frames[index+1:]...)

	pruned := make([]string, 0)
	kept := c.Connections[:0]
	for _, connection := range c.Connections {
		if connection.From == frameID || connection.To == frameID {
			pruned = append(pruned, connection.ID)
			continue
		}
		kept = append(kept, connection)
	}
	c.Connections = kept
	for _, connectionID := range pruned {
		c.detachConnection(connectionID)
	}
	return true, pruned
}

// UpsertConnection inserts or replaces a link between two existing frames.
// The identifier is derived from the endpoints so one link exists per ordered pair.
func (c *Canvas) UpsertConnection(connection Connection) (bool, error) {
	connection.ID = ConnectionID(connection.From, connection.To)
	if err := connection.Validate(); err != nil {
		return false, err
	}
	fromFrame, fromFound := c.FrameByID(connection.From)
	if !fromFound {
		return false, fmt.Errorf("%w: %s", ErrUnknownFrame, connection.From)
	}
	toFrame, toFound := c.FrameByID(connection.To)
	if !toFound {
		return false, fmt.Errorf("%w: %s", ErrUnknownFrame, connection.To)
	}
	connection.Points = LinkPoints(fromFrame, toFrame)

	index := c.connectionIndex(connection.ID)
	if index >= 0 {
		if samePoints(c.Connections[index].Points, connection.Points) {
			return false, nil
		}
		c.Connections[index] = connection
		return true, nil
	}
	c.Connections = append(c.Connections, connection)
	c.attachConnection(connection)
	return true, nil
}

// RemoveConnection deletes a link; absent identifiers are a no-op.
func (c *Canvas) RemoveConnection(connectionID string) bool {
	index := c.connectionIndex(connectionID)
	if index < 0 {
		return false
	}
	c.Connections = append(c.Connections[:index], c.Connections[index+1:]...)
	c.detachConnection(connectionID)
	return true
}

// RecomputeGeometry refreshes the derived points of every link whose endpoints exist.
func (c *Canvas) RecomputeGeometry() {
	for index, connection := range c.Connections {
		fromFrame, fromFound := c.FrameByID(connection.From)
		toFrame, toFound := c.FrameByID(connection.To)
		if !fromFound || !toFound {
			continue
		}
		c.Connections[index].Points = LinkPoints(fromFrame, toFrame)
	}
}

func (c *Canvas) attachConnection(connection Connection) {
	for _, frameID := range []string{connection.From, connection.To} {
		index := c.frameIndex(frameID)
		if index < 0 {
			continue
		}
		if containsString(c.Frames[index].Connections, connection.ID) {
			continue
		}
		c.Frames[index].Connections = append(c.Frames[index].Connections, connection.ID)
	}
}

func (c *Canvas) detachConnection(connectionID string) {
	for index := range c.Frames {
		c.Frames[index].Connections = removeString(c.Frames[index].Connections, connectionID)
	}
}

func (c *Canvas) frameIndex(frameID string) int {
	for index, frame := range c.Frames {
		if frame.ID == frameID {
			return index
		}
	}
	return -1
}

func (c *Canvas) connectionIndex(connectionID string) int {
	for index, connection := range c.Connections {
		if connection.ID == connectionID {
			return index
		}
	}
	return -1
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func removeString(values []string, target string) []string {
	filtered := make([]string, 0, len(values))
	for _, value := range values {
		if value != target {
			filtered = append(filtered, value)
		}
	}
	return filtered
}
