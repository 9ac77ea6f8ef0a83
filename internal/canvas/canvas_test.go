package canvas

import (
	"errors"
	"testing"
)

func newFrame(id string, x float64, y float64) Frame {
	return Frame{
		ID:       id,
		Type:     FrameTypeSketch,
		Position: Point{X: x, Y: y},
	}
}

func TestLinkPointsUsesLeftFrameRightEdge(t *testing.T) {
	left := newFrame("a", 0, 0)
	right := newFrame("b", 500, 100)

	points := LinkPoints(left, right)
	if len(points) != 2 {
		t.Fatalf("expected two points, got %d", len(points))
	}
	if points[0] != (Point{X: 320, Y: 160}) {
		t.Fatalf("unexpected source point: %+v", points[0])
	}
	if points[1] != (Point{X: 500, Y: 260}) {
		t.Fatalf("unexpected target point: %+v", points[1])
	}
}

func TestLinkPointsIgnoresDeclaredDirection(t *testing.T) {
	from := newFrame("a", 800, 0)
	to := newFrame("b", 0, 0)

	points := LinkPoints(from, to)
	if points[0] != (Point{X: 800, Y: 160}) {
		t.Fatalf("expected source point on left edge of right-hand frame, got %+v", points[0])
	}
	if points[1] != (Point{X: 320, Y: 160}) {
		t.Fatalf("expected target point on right edge of left-hand frame, got %+v", points[1])
	}
}

func TestUpsertFrameReportsIdenticalStateAsUnchanged(t *testing.T) {
	document := NewCanvas()
	frame := newFrame("a", 10, 10)

	changed, err := document.UpsertFrame(frame)
	if err != nil || !changed {
		t.Fatalf("expected first upsert to change state, changed=%v err=%v", changed, err)
	}
	changed, err = document.UpsertFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatalf("expected identical upsert to be a no-op")
	}
	if len(document.Frames) != 1 {
		t.Fatalf("expected a single frame, got %d", len(document.Frames))
	}
}

func TestUpsertFrameRejectsUnknownType(t *testing.T) {
	document := NewCanvas()
	_, err := document.UpsertFrame(Frame{ID: "a", Type: "video"})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid frame error, got %v", err)
	}
}

func TestUpsertConnectionIsIdempotentPerOrderedPair(t *testing.T) {
	document := NewCanvas()
	mustUpsertFrame(t, &document, newFrame("a", 0, 0))
	mustUpsertFrame(t, &document, newFrame("b", 400, 0))

	if _, err := document.UpsertConnection(Connection{From: "a", To: "b"}); err != nil {
		t.Fatalf("upsert connection failed: %v", err)
	}
	changed, err := document.UpsertConnection(Connection{ID: "ignored", From: "a", To: "b"})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if changed {
		t.Fatalf("expected duplicate connection to be a no-op")
	}
	if len(document.Connections) != 1 {
		t.Fatalf("expected one connection, got %d", len(document.Connections))
	}
	if document.Connections[0].ID != "a-b" {
		t.Fatalf("expected derived id a-b, got %s", document.Connections[0].ID)
	}
	frame, _ := document.FrameByID("a")
	if len(frame.Connections) != 1 || frame.Connections[0] != "a-b" {
		t.Fatalf("expected frame to reference connection, got %v", frame.Connections)
	}
}

func TestUpsertConnectionRejectsSelfLinkAndUnknownFrames(t *testing.T) {
	document := NewCanvas()
	mustUpsertFrame(t, &document, newFrame("a", 0, 0))

	if _, err := document.UpsertConnection(Connection{From: "a", To: "a"}); !errors.Is(err, ErrInvalidConnection) {
		t.Fatalf("expected invalid connection for self link, got %v", err)
	}
	if _, err := document.UpsertConnection(Connection{From: "a", To: "missing"}); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected unknown frame error, got %v", err)
	}
}

func TestRemoveFramePrunesDanglingConnections(t *testing.T) {
	document := NewCanvas()
	mustUpsertFrame(t, &document, newFrame("a", 0, 0))
	mustUpsertFrame(t, &document, newFrame("b", 400, 0))
	mustUpsertFrame(t, &document, newFrame("c", 800, 0))
	mustUpsertConnection(t, &document, "a", "b")
	mustUpsertConnection(t, &document, "b", "c")

	removed, pruned := document.RemoveFrame("b")
	if !removed {
		t.Fatalf("expected frame to be removed")
	}
	if len(pruned) != 2 {
		t.Fatalf("expected two pruned connections, got %v", pruned)
	}
	if len(document.Connections) != 0 {
		t.Fatalf("expected no connections left, got %d", len(document.Connections))
	}
	for _, frame := range document.Frames {
		if len(frame.Connections) != 0 {
			t.Fatalf("expected frame %s to drop stale connection ids, got %v", frame.ID, frame.Connections)
		}
	}
}

func TestMovingFrameRefreshesLinkGeometry(t *testing.T) {
	document := NewCanvas()
	mustUpsertFrame(t, &document, newFrame("a", 0, 0))
	mustUpsertFrame(t, &document, newFrame("b", 400, 0))
	mustUpsertConnection(t, &document, "a", "b")

	mustUpsertFrame(t, &document, newFrame("b", 400, 200))
	connection, _ := document.ConnectionByID("a-b")
	if connection.Points[1] != (Point{X: 400, Y: 360}) {
		t.Fatalf("expected target point to follow moved frame, got %+v", connection.Points[1])
	}
}

func TestApiUsageTotalsAndClosedModelSet(t *testing.T) {
	usage := ApiUsage{}
	counter, err := usage.Counter(ModelRemoveBg)
	if err != nil {
		t.Fatalf("unexpected counter error: %v", err)
	}
	counter.Calls = 2
	counter.Spend = 0.5
	usage.TripoSr.Calls = 1
	usage.TripoSr.Spend = 1.5

	totals := usage.Totals()
	if totals.TotalCalls != 3 || totals.TotalSpend != 2 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if _, err := ParseModel("midjourney"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected unknown model error, got %v", err)
	}
}

func mustUpsertFrame(t *testing.T, document *Canvas, frame Frame) {
	t.Helper()
	if _, err := document.UpsertFrame(frame); err != nil {
		t.Fatalf("upsert frame %s failed: %v", frame.ID, err)
	}
}

func mustUpsertConnection(t *testing.T, document *Canvas, fromID string, toID string) {
	t.Helper()
	if _, err := document.UpsertConnection(NewConnection(fromID, toID)); err != nil {
		t.Fatalf("upsert connection %s-%s failed: %v", fromID, toID, err)
	}
}
