package fleet

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/openattend/fleet-sync/internal"
	"github.com/openattend/fleet-sync/pubsub"
	"github.com/openattend/fleet-sync/state"
	"github.com/openattend/fleet-sync/zk"
)

const (
	// DefaultDriftThreshold is how far a device clock may wander before the
	// sweep pushes a corrected time. The comparison is strict: drift of
	// exactly the threshold is left alone.
	DefaultDriftThreshold = 60 * time.Second

	// DefaultInterval is how often the fleet sweep fires.
	DefaultInterval = 120 * time.Second

	eventSource = "device-sync"
)

// Orchestrator owns the scheduled fleet sweep: one session per active
// device, sequentially, harvesting attendance into the access-event store.
// At most one sweep runs at a time; a timer fire that lands while one is in
// flight is dropped, not queued.
type Orchestrator struct {
	Devices   DeviceRegistry
	Persons   PersonDirectory
	Events    AccessEventStore
	Runs      SyncRunStore
	Connector Connector
	Leases    *LeaseRegistry
	Bus       pubsub.Notifier
	Metrics   *Metrics

	DriftThreshold time.Duration

	syncing int32
	logger  zerolog.Logger
}

func NewOrchestrator(devices DeviceRegistry, persons PersonDirectory, events AccessEventStore, runs SyncRunStore, connector Connector) *Orchestrator {
	return &Orchestrator{
		Devices:        devices,
		Persons:        persons,
		Events:         events,
		Runs:           runs,
		Connector:      connector,
		Leases:         NewLeaseRegistry(),
		DriftThreshold: DefaultDriftThreshold,
		logger: zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
}

// RunFleetSync performs one sweep over the active fleet. Overlapping calls
// are skipped rather than queued; the return value reports whether this call
// actually swept. A failing device never stops the rest of the fleet.
func (o *Orchestrator) RunFleetSync(ctx context.Context) bool {
	if !atomic.CompareAndSwapInt32(&o.syncing, 0, 1) {
		o.logger.Debug().Msg("fleet sync already in flight, skipping this fire")
		return false
	}
	defer atomic.StoreInt32(&o.syncing, 0)

	ctx, task := internal.StartTask(ctx, "FleetSync")
	defer task.End()
	start := time.Now()

	devices, err := o.Devices.SelectActive()
	if err != nil {
		o.logger.Err(err).Msg("failed to load active devices")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return true
	}
	online := 0
	for _, d := range devices {
		if o.SyncDevice(ctx, d) == nil {
			online++
		}
	}
	if o.Metrics != nil {
		o.Metrics.sweepDuration.Observe(time.Since(start).Seconds())
		o.Metrics.devicesOnline.Set(float64(online))
	}
	o.logger.Info().
		Int("devices", len(devices)).
		Int("online", online).
		Str("duration", time.Since(start).String()).
		Msg("fleet sweep finished")
	return true
}

// SyncDevice harvests one device under its lease, recording a SyncRun
// outcome whatever happens. Manual single-device syncs enter here too.
func (o *Orchestrator) SyncDevice(ctx context.Context, d state.Device) error {
	release := o.Leases.Acquire(d.ID)
	defer release()

	ctx, span := internal.StartSpan(ctx, "SyncDevice")
	defer span.End()
	log := o.logger.With().Int64("device_id", d.ID).Str("ip", d.IP).Logger()

	runID, err := o.Runs.Start(d.ID, time.Now().UTC())
	if err != nil {
		log.Err(err).Msg("failed to open sync run")
		return err
	}

	sess, err := o.Connector.Connect(d)
	if err != nil {
		o.failRun(ctx, log, d, runID, "connect", err)
		if err := o.Devices.MarkOffline(d.ID); err != nil {
			log.Err(err).Msg("failed to mark device offline")
		}
		o.publish(&pubsub.DeviceOffline{DeviceID: d.ID, DeviceName: d.Name})
		return err
	}
	defer sess.Disconnect()

	if err := o.Devices.MarkOnline(d.ID, time.Now().UTC()); err != nil {
		log.Err(err).Msg("failed to mark device online")
	}

	loc := o.location(log, d)

	// Drift check first: a failure here must not abort the harvest.
	o.correctDrift(log, d, sess, loc)

	start := time.Now()
	recs, discarded, err := sess.GetAttendances()
	if err != nil {
		o.failRun(ctx, log, d, runID, "harvest", err)
		return err
	}
	if o.Metrics != nil && discarded > 0 {
		o.Metrics.discardedBytes.Add(float64(discarded))
	}

	events := o.buildEvents(log, d, recs, loc)
	inserted, err := o.Events.IngestEvents(events)
	if err != nil {
		o.failRun(ctx, log, d, runID, "persist", err)
		return err
	}
	dupes := len(events) - inserted
	if o.Metrics != nil {
		o.Metrics.recordsSynced.Add(float64(inserted))
		o.Metrics.dedupSkips.Add(float64(dupes))
	}

	now := time.Now().UTC()
	if err := o.Devices.MarkSynced(d.ID, now); err != nil {
		log.Err(err).Msg("failed to mark device synced")
	}
	if err := o.Runs.Complete(runID, now, inserted); err != nil {
		log.Err(err).Msg("failed to close sync run")
	}
	o.publish(&pubsub.DeviceSynced{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Records:    inserted,
		Duplicates: dupes,
		Duration:   time.Since(start),
	})
	internal.Logf(ctx, "sync", "device %d: %d records, %d duplicates, %d discarded bytes", d.ID, inserted, dupes, discarded)
	log.Info().Int("records", inserted).Int("duplicates", dupes).Msg("device synced")
	return nil
}

// location resolves the device's wall-clock timezone, falling back to UTC
// when the registry holds a bad IANA name.
func (o *Orchestrator) location(log zerolog.Logger, d state.Device) *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		log.Warn().Str("timezone", d.Timezone).Msg("unknown device timezone, assuming UTC")
		return time.UTC
	}
	return loc
}

// correctDrift compares the device clock against the server clock and pushes
// a corrected local time when the divergence is strictly over the threshold.
func (o *Orchestrator) correctDrift(log zerolog.Logger, d state.Device, sess DeviceClient, loc *time.Location) {
	deviceWall, err := sess.GetTime()
	if err != nil {
		log.Warn().Err(err).Msg("drift check: failed to read device clock")
		return
	}
	deviceUTC := rebaseWallClock(deviceWall, loc).UTC()
	drift := deviceUTC.Sub(time.Now().UTC())
	if drift < 0 {
		drift = -drift
	}
	threshold := o.DriftThreshold
	if threshold == 0 {
		threshold = DefaultDriftThreshold
	}
	if drift <= threshold {
		return
	}
	if err := sess.SetTime(time.Now().In(loc)); err != nil {
		log.Warn().Err(err).Str("drift", drift.String()).Msg("drift correction failed")
		return
	}
	log.Info().Str("drift", drift.String()).Msg("device clock corrected")
	o.publish(&pubsub.DeviceClockAdjusted{DeviceID: d.ID, Drift: drift})
}

// buildEvents converts harvested records to access-event rows: timestamps
// rebased from the device timezone to UTC, implausible years dropped, owning
// person resolved when the directory knows the device user id.
func (o *Orchestrator) buildEvents(log zerolog.Logger, d state.Device, recs []zk.AttendanceRecord, loc *time.Location) []state.AccessEvent {
	events := make([]state.AccessEvent, 0, len(recs))
	for _, rec := range recs {
		eventTime := rebaseWallClock(rec.Timestamp, loc).UTC()
		if y := eventTime.Year(); y < 2000 || y > 2100 {
			log.Debug().Str("time", rec.Timestamp.String()).Msg("dropping record with implausible year")
			continue
		}
		deviceUserID := rec.UserID
		if deviceUserID == "" {
			deviceUserID = strconv.Itoa(int(rec.UID))
		}
		var personID *int64
		person, err := o.Persons.ByDeviceUserID(deviceUserID)
		if err != nil {
			log.Warn().Err(err).Str("device_user_id", deviceUserID).Msg("person lookup failed")
		} else if person != nil {
			personID = &person.ID
		}
		raw, err := cbor.Marshal(rec)
		if err != nil {
			log.Warn().Err(err).Msg("failed to encode raw payload")
		}
		events = append(events, state.AccessEvent{
			DeviceID:     d.ID,
			LocationID:   d.LocationID,
			PersonID:     personID,
			DeviceUserID: deviceUserID,
			EventTime:    eventTime,
			Direction:    d.Direction,
			Source:       eventSource,
			RawPayload:   raw,
		})
	}
	return events
}

func (o *Orchestrator) failRun(ctx context.Context, log zerolog.Logger, d state.Device, runID int64, stage string, cause error) {
	log.Err(cause).Str("stage", stage).Msg("device sync failed")
	internal.CaptureDeviceException(ctx, d.ID, cause)
	if o.Metrics != nil {
		o.Metrics.deviceFailures.WithLabelValues(stage).Inc()
	}
	if err := o.Runs.Fail(runID, time.Now().UTC(), fmt.Sprintf("%s: %s", stage, cause)); err != nil {
		log.Err(err).Msg("failed to record sync run failure")
	}
	o.publish(&pubsub.DeviceSyncFailed{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Error:      internal.TruncateError(fmt.Sprintf("%s: %s", stage, cause)),
	})
}

// publish is fire and forget: sync outcomes must never block the sweep.
func (o *Orchestrator) publish(p pubsub.Payload) {
	if o.Bus == nil {
		return
	}
	if err := o.Bus.Notify(pubsub.ChanSync, p); err != nil {
		o.logger.Warn().Err(err).Str("payload", p.Type()).Msg("failed to publish sync outcome")
	}
}

// rebaseWallClock reinterprets the wall-clock fields of t in loc. Device
// timestamps decode into UTC as a placeholder zone; the device's registry
// timezone says what those fields actually meant.
func rebaseWallClock(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
