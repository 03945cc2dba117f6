package fleet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openattend/fleet-sync/state"
	"github.com/openattend/fleet-sync/zk"
)

type mockRegistry struct {
	devices []state.Device
	online  []int64
	synced  []int64
	offline []int64
}

func (m *mockRegistry) SelectActive() ([]state.Device, error) { return m.devices, nil }
func (m *mockRegistry) MarkOnline(id int64, at time.Time) error {
	m.online = append(m.online, id)
	return nil
}
func (m *mockRegistry) MarkSynced(id int64, at time.Time) error {
	m.synced = append(m.synced, id)
	return nil
}
func (m *mockRegistry) MarkOffline(id int64) error {
	m.offline = append(m.offline, id)
	return nil
}

type mockPersons struct {
	byID map[string]*state.Person
}

func (m *mockPersons) ByDeviceUserID(deviceUserID string) (*state.Person, error) {
	return m.byID[deviceUserID], nil
}

// mockEvents keys rows the same way the real table's unique index does.
type mockEvents struct {
	rows map[string]state.AccessEvent
}

func newMockEvents() *mockEvents {
	return &mockEvents{rows: make(map[string]state.AccessEvent)}
}

func (m *mockEvents) IngestEvents(evs []state.AccessEvent) (int, error) {
	inserted := 0
	for _, ev := range evs {
		key := fmt.Sprintf("%d/%s/%d", ev.DeviceID, ev.DeviceUserID, ev.EventTime.Unix())
		if _, ok := m.rows[key]; ok {
			continue
		}
		m.rows[key] = ev
		inserted++
	}
	return inserted, nil
}

type runOutcome struct {
	status  string
	records int
	errMsg  string
}

type mockRuns struct {
	nextID   int64
	outcomes map[int64]*runOutcome
	byDevice map[int64][]int64
}

func newMockRuns() *mockRuns {
	return &mockRuns{
		outcomes: make(map[int64]*runOutcome),
		byDevice: make(map[int64][]int64),
	}
}

func (m *mockRuns) Start(deviceID int64, at time.Time) (int64, error) {
	m.nextID++
	m.outcomes[m.nextID] = &runOutcome{status: state.SyncStatusInProgress}
	m.byDevice[deviceID] = append(m.byDevice[deviceID], m.nextID)
	return m.nextID, nil
}

func (m *mockRuns) Complete(id int64, at time.Time, recordsSynced int) error {
	m.outcomes[id].status = state.SyncStatusCompleted
	m.outcomes[id].records = recordsSynced
	return nil
}

func (m *mockRuns) Fail(id int64, at time.Time, errMsg string) error {
	m.outcomes[id].status = state.SyncStatusFailed
	m.outcomes[id].errMsg = errMsg
	return nil
}

func (m *mockRuns) lastForDevice(t *testing.T, deviceID int64) *runOutcome {
	t.Helper()
	ids := m.byDevice[deviceID]
	if len(ids) == 0 {
		t.Fatalf("no sync runs for device %d", deviceID)
	}
	return m.outcomes[ids[len(ids)-1]]
}

type mockClient struct {
	deviceTime   time.Time
	attendances  []zk.AttendanceRecord
	harvestErr   error
	setTimeTo    []time.Time
	disconnected bool
}

func (c *mockClient) Kind() zk.Kind                           { return zk.KindUDP }
func (c *mockClient) GetInfo() (*zk.Info, error)              { return &zk.Info{}, nil }
func (c *mockClient) GetFirmwareVersion() (string, error)     { return "Ver 6.60", nil }
func (c *mockClient) GetTime() (time.Time, error)             { return c.deviceTime, nil }
func (c *mockClient) SetTime(t time.Time) error               { c.setTimeTo = append(c.setTimeTo, t); return nil }
func (c *mockClient) GetUsers() ([]zk.UserRecord, int, error) { return nil, 0, nil }

func (c *mockClient) GetAttendances() ([]zk.AttendanceRecord, int, error) {
	if c.harvestErr != nil {
		return nil, 0, c.harvestErr
	}
	return c.attendances, 0, nil
}

func (c *mockClient) SetUser(u zk.UserRecord) error    { return nil }
func (c *mockClient) DeleteUser(uid uint16) error      { return nil }
func (c *mockClient) PulseRelay(d time.Duration) error { return nil }
func (c *mockClient) Disconnect() error                { c.disconnected = true; return nil }

type mockConnector struct {
	clients map[int64]*mockClient
	errs    map[int64]error
	dials   int
	block   chan struct{} // when set, Connect parks until the channel closes
	entered chan struct{}
}

func (m *mockConnector) Connect(d state.Device) (DeviceClient, error) {
	m.dials++
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	if err := m.errs[d.ID]; err != nil {
		return nil, err
	}
	return m.clients[d.ID], nil
}

// deviceWall returns what a healthy device in loc would report: the zone's
// current wall-clock fields, carried in the codec's UTC placeholder zone.
func deviceWall(loc *time.Location) time.Time {
	n := time.Now().In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), n.Minute(), n.Second(), 0, time.UTC)
}

func newTestOrchestrator(reg *mockRegistry, conn *mockConnector) (*Orchestrator, *mockEvents, *mockRuns) {
	events := newMockEvents()
	runs := newMockRuns()
	o := NewOrchestrator(reg, &mockPersons{}, events, runs, conn)
	return o, events, runs
}

func TestFleetContinuesAfterDeviceFailure(t *testing.T) {
	reg := &mockRegistry{devices: []state.Device{
		{ID: 1, Name: "lobby-in", IP: "10.0.0.1", Timezone: "UTC"},
		{ID: 2, Name: "lobby-out", IP: "10.0.0.2", Timezone: "UTC"},
	}}
	rec := zk.AttendanceRecord{UID: 7, UserID: "4200", Timestamp: deviceWall(time.UTC)}
	conn := &mockConnector{
		errs:    map[int64]error{1: errors.New("connection refused")},
		clients: map[int64]*mockClient{2: {deviceTime: deviceWall(time.UTC), attendances: []zk.AttendanceRecord{rec}}},
	}
	o, events, runs := newTestOrchestrator(reg, conn)

	if !o.RunFleetSync(context.Background()) {
		t.Fatal("sweep was skipped")
	}

	if got := runs.lastForDevice(t, 1); got.status != state.SyncStatusFailed {
		t.Errorf("device 1 run status = %s", got.status)
	}
	if got := runs.lastForDevice(t, 2); got.status != state.SyncStatusCompleted || got.records != 1 {
		t.Errorf("device 2 run = %+v", got)
	}
	if len(reg.offline) != 1 || reg.offline[0] != 1 {
		t.Errorf("offline marks = %v", reg.offline)
	}
	if len(reg.synced) != 1 || reg.synced[0] != 2 {
		t.Errorf("synced marks = %v", reg.synced)
	}
	if len(events.rows) != 1 {
		t.Errorf("persisted %d events", len(events.rows))
	}
}

func TestHarvestFailureRecordsFailedRun(t *testing.T) {
	reg := &mockRegistry{devices: []state.Device{{ID: 5, IP: "10.0.0.5", Timezone: "UTC"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{
		5: {deviceTime: deviceWall(time.UTC), harvestErr: errors.New("transfer stalled after 500 of 1000 bytes")},
	}}
	o, _, runs := newTestOrchestrator(reg, conn)

	o.RunFleetSync(context.Background())

	got := runs.lastForDevice(t, 5)
	if got.status != state.SyncStatusFailed {
		t.Fatalf("run status = %s", got.status)
	}
	if got.errMsg == "" {
		t.Error("failed run has no error message")
	}
	if !conn.clients[5].disconnected {
		t.Error("session was not disconnected after harvest failure")
	}
	// connect succeeded, so the device is online even though the harvest died
	if len(reg.online) != 1 {
		t.Errorf("online marks = %v", reg.online)
	}
}

func TestDriftCorrection(t *testing.T) {
	// Well inside the threshold: no correction.
	client := &mockClient{deviceTime: deviceWall(time.UTC).Add(30 * time.Second)}
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "UTC"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{1: client}}
	o, _, _ := newTestOrchestrator(reg, conn)
	o.RunFleetSync(context.Background())
	if len(client.setTimeTo) != 0 {
		t.Errorf("corrected clock for 30s drift: %v", client.setTimeTo)
	}

	// Well past the threshold: exactly one correction.
	client = &mockClient{deviceTime: deviceWall(time.UTC).Add(5 * time.Minute)}
	conn = &mockConnector{clients: map[int64]*mockClient{1: client}}
	o, _, _ = newTestOrchestrator(reg, conn)
	o.RunFleetSync(context.Background())
	if len(client.setTimeTo) != 1 {
		t.Fatalf("expected one correction, got %v", client.setTimeTo)
	}
	if d := time.Since(client.setTimeTo[0]); d < -2*time.Second || d > 2*time.Second {
		t.Errorf("corrected to %v, want ~now", client.setTimeTo[0])
	}
}

func TestDriftThresholdIsStrict(t *testing.T) {
	// With a huge threshold the comparison boundary can be pinned exactly:
	// the device reads an hour ahead, the threshold is an hour plus slack.
	client := &mockClient{deviceTime: deviceWall(time.UTC).Add(time.Hour)}
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "UTC"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{1: client}}
	o, _, _ := newTestOrchestrator(reg, conn)
	o.DriftThreshold = time.Hour + time.Minute
	o.RunFleetSync(context.Background())
	if len(client.setTimeTo) != 0 {
		t.Errorf("drift below threshold corrected: %v", client.setTimeTo)
	}

	client = &mockClient{deviceTime: deviceWall(time.UTC).Add(time.Hour)}
	conn = &mockConnector{clients: map[int64]*mockClient{1: client}}
	o, _, _ = newTestOrchestrator(reg, conn)
	o.DriftThreshold = time.Hour - time.Minute
	o.RunFleetSync(context.Background())
	if len(client.setTimeTo) != 1 {
		t.Errorf("drift above threshold not corrected")
	}
}

func TestTimezoneRebase(t *testing.T) {
	// Device in UTC+3 reports 11:30 local; the stored event must be 08:30Z.
	loc := time.FixedZone("UTC+3", 3*60*60)
	rec := zk.AttendanceRecord{
		UID:       1,
		UserID:    "555",
		Timestamp: time.Date(2024, 1, 15, 11, 30, 0, 0, time.UTC), // codec placeholder zone
	}
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "Etc/GMT-3"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{
		1: {deviceTime: deviceWall(loc), attendances: []zk.AttendanceRecord{rec}},
	}}
	o, events, _ := newTestOrchestrator(reg, conn)

	o.RunFleetSync(context.Background())

	if len(events.rows) != 1 {
		t.Fatalf("persisted %d events", len(events.rows))
	}
	for _, ev := range events.rows {
		want := time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)
		if !ev.EventTime.Equal(want) {
			t.Errorf("event time = %v, want %v", ev.EventTime, want)
		}
	}
}

func TestImplausibleYearsDropped(t *testing.T) {
	recs := []zk.AttendanceRecord{
		{UID: 1, UserID: "1", Timestamp: time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC)},
		{UID: 2, UserID: "2", Timestamp: time.Date(2101, 1, 1, 0, 0, 0, 0, time.UTC)},
		{UID: 3, UserID: "3", Timestamp: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "UTC"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{
		1: {deviceTime: deviceWall(time.UTC), attendances: recs},
	}}
	o, events, _ := newTestOrchestrator(reg, conn)

	o.RunFleetSync(context.Background())

	if len(events.rows) != 1 {
		t.Fatalf("persisted %d events, want 1", len(events.rows))
	}
	for _, ev := range events.rows {
		if ev.DeviceUserID != "3" {
			t.Errorf("wrong record survived: %+v", ev)
		}
	}
}

func TestIngestionIsIdempotentAcrossCycles(t *testing.T) {
	rec := zk.AttendanceRecord{UID: 9, UserID: "909", Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "UTC"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{
		1: {deviceTime: deviceWall(time.UTC), attendances: []zk.AttendanceRecord{rec}},
	}}
	o, events, runs := newTestOrchestrator(reg, conn)

	o.RunFleetSync(context.Background())
	o.RunFleetSync(context.Background())

	if len(events.rows) != 1 {
		t.Fatalf("persisted %d events after two cycles, want 1", len(events.rows))
	}
	ids := runs.byDevice[1]
	if len(ids) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(ids))
	}
	if got := runs.outcomes[ids[1]]; got.records != 0 {
		t.Errorf("second run records = %d, want 0", got.records)
	}
}

func TestPersonResolution(t *testing.T) {
	rec := zk.AttendanceRecord{UID: 4, UserID: "4242", Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "UTC"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{
		1: {deviceTime: deviceWall(time.UTC), attendances: []zk.AttendanceRecord{rec}},
	}}
	events := newMockEvents()
	runs := newMockRuns()
	persons := &mockPersons{byID: map[string]*state.Person{
		"4242": {ID: 88, FullName: "Sam Novak", DeviceUserID: "4242"},
	}}
	o := NewOrchestrator(reg, persons, events, runs, conn)

	o.RunFleetSync(context.Background())

	for _, ev := range events.rows {
		if ev.PersonID == nil || *ev.PersonID != 88 {
			t.Errorf("person not resolved: %+v", ev.PersonID)
		}
	}
}

func TestFallbackDeviceUserIDFromUID(t *testing.T) {
	// 16-byte attendance layouts carry no user id string.
	rec := zk.AttendanceRecord{UID: 1234, Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "UTC"}}}
	conn := &mockConnector{clients: map[int64]*mockClient{
		1: {deviceTime: deviceWall(time.UTC), attendances: []zk.AttendanceRecord{rec}},
	}}
	o, events, _ := newTestOrchestrator(reg, conn)

	o.RunFleetSync(context.Background())

	for _, ev := range events.rows {
		if ev.DeviceUserID != "1234" {
			t.Errorf("device user id = %q, want uid fallback", ev.DeviceUserID)
		}
	}
}

func TestOverlappingSweepIsDropped(t *testing.T) {
	reg := &mockRegistry{devices: []state.Device{{ID: 1, IP: "10.0.0.1", Timezone: "UTC"}}}
	conn := &mockConnector{
		clients: map[int64]*mockClient{1: {deviceTime: deviceWall(time.UTC)}},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	o, _, _ := newTestOrchestrator(reg, conn)

	done := make(chan bool)
	go func() {
		done <- o.RunFleetSync(context.Background())
	}()
	<-conn.entered // first sweep is now parked inside Connect

	if o.RunFleetSync(context.Background()) {
		t.Error("overlapping sweep ran instead of being dropped")
	}
	close(conn.block)
	if !<-done {
		t.Error("first sweep reported skipped")
	}
	if conn.dials != 1 {
		t.Errorf("dials = %d, want 1", conn.dials)
	}
}
