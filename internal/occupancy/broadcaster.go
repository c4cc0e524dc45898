package occupancy

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
)

// SerializedEvent carries one snapshot in both wire formats so that each
// subscriber only picks bytes.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// Broadcaster fans out occupancy snapshots to stream clients.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	last    *SerializedEvent
	metrics *metrics.Metrics
}

// NewBroadcaster returns a broadcaster with no clients. m may be nil.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	if m == nil {
		m = metrics.New()
	}
	return &Broadcaster{clients: make(map[int]chan *SerializedEvent), metrics: m}
}

// Attach publishes every update of v.
func (b *Broadcaster) Attach(v *View) {
	v.OnUpdate(b.Publish)
	b.Publish(v.Snapshot())
}

// Subscribe adds a client. The most recent event, if any, is queued
// immediately so a new client does not start blank.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 4)
	if b.last != nil {
		ch <- b.last
	}
	b.clients[id] = ch
	b.metrics.ActiveViewers.Store(uint64(len(b.clients)))

	logger.Debug("OccupancyBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.metrics.ActiveViewers.Store(uint64(len(b.clients)))
		logger.Debug("OccupancyBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.metrics.ActiveViewers.Store(0)
}

// Publish serializes snap once and offers it to every client. Slow clients
// miss the event.
func (b *Broadcaster) Publish(snap Snapshot) {
	event, err := Serialize(snap)
	if err != nil {
		logger.Error("OccupancyBroadcaster", "serialize snapshot: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = event
	for _, ch := range b.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// Serialize encodes snap as JSON and as a base64 protobuf Struct.
func Serialize(snap Snapshot) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(snapshotFields(snap))
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// snapshotFields flattens snap into the value types structpb accepts.
func snapshotFields(snap Snapshot) map[string]any {
	occ := make(map[string]any, len(snap.Occupancy))
	for k, slot := range snap.Occupancy {
		occ[k] = map[string]any{"status": string(slot.Status), "confidence": slot.Confidence}
	}
	changes := make([]any, len(snap.RecentChanges))
	for i, c := range snap.RecentChanges {
		changes[i] = map[string]any{
			"slot_number": c.SlotNumber,
			"old_status":  string(c.OldStatus),
			"new_status":  string(c.NewStatus),
		}
	}
	return map[string]any{
		"spot_id":   snap.SpotID,
		"connected": snap.Connected,
		"detecting": snap.Detecting,
		"fps":       snap.FPS,
		"num_slots": snap.NumSlots,
		"occupancy": occ,
		"counts": map[string]any{
			"occupied": snap.Counts.Occupied,
			"vacant":   snap.Counts.Vacant,
			"unknown":  snap.Counts.Unknown,
		},
		"recent_changes": changes,
		"frame_seq":      snap.FrameSeq,
		"last_message":   snap.LastMessage,
		"updated_at":     snap.UpdatedAt.Format(time.RFC3339Nano),
	}
}
