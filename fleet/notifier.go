package fleet

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/openattend/fleet-sync/pubsub"
)

// DefaultNotifyThrottle is how long a device stays quiet after one failure
// notification. Repeated failures inside the window are logged but not
// re-notified.
const DefaultNotifyThrottle = 30 * time.Minute

// Notification is one fire-and-forget failure report.
type Notification struct {
	DeviceID   int64
	DeviceName string
	ErrorType  string
	Message    string
}

// Sink delivers failure notifications somewhere external. Implementations
// must not block for long and must swallow their own delivery errors.
type Sink interface {
	Notify(n Notification)
}

// ThrottledSink forwards at most one notification per device per window.
type ThrottledSink struct {
	inner  Sink
	recent *ttlcache.Cache[int64, struct{}]
}

func NewThrottledSink(inner Sink, window time.Duration) *ThrottledSink {
	if window == 0 {
		window = DefaultNotifyThrottle
	}
	s := &ThrottledSink{
		inner: inner,
		recent: ttlcache.New[int64, struct{}](
			ttlcache.WithTTL[int64, struct{}](window),
			ttlcache.WithDisableTouchOnHit[int64, struct{}](),
		),
	}
	go s.recent.Start()
	return s
}

func (s *ThrottledSink) Notify(n Notification) {
	if s.recent.Get(n.DeviceID) != nil {
		return
	}
	s.recent.Set(n.DeviceID, struct{}{}, ttlcache.DefaultTTL)
	s.inner.Notify(n)
}

func (s *ThrottledSink) Stop() {
	s.recent.Stop()
}

// MultiSink fans a notification out to several sinks.
type MultiSink []Sink

func (m MultiSink) Notify(n Notification) {
	for _, s := range m {
		s.Notify(n)
	}
}

// WebhookSink POSTs a JSON body to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Log    zerolog.Logger
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Log: zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
}

func (s *WebhookSink) Notify(n Notification) {
	body := ""
	body, _ = sjson.Set(body, "device.id", n.DeviceID)
	body, _ = sjson.Set(body, "device.name", n.DeviceName)
	body, _ = sjson.Set(body, "error.type", n.ErrorType)
	body, _ = sjson.Set(body, "error.message", n.Message)
	body, _ = sjson.Set(body, "at", time.Now().UTC().Format(time.RFC3339))
	res, err := s.Client.Post(s.URL, "application/json", strings.NewReader(body))
	if err != nil {
		s.Log.Warn().Err(err).Msg("webhook notification failed")
		return
	}
	res.Body.Close()
	if res.StatusCode >= 400 {
		s.Log.Warn().Int("status", res.StatusCode).Msg("webhook notification rejected")
	}
}

// SentrySink reports failures as sentry messages tagged with the device.
type SentrySink struct{}

func (SentrySink) Notify(n Notification) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("device_id", strconv.FormatInt(n.DeviceID, 10))
		scope.SetTag("error_type", n.ErrorType)
		sentry.CaptureMessage(n.DeviceName + ": " + n.Message)
	})
}

// Dispatcher subscribes to sync outcomes and turns the failures into sink
// notifications. Successes and clock adjustments are only logged.
type Dispatcher struct {
	sink Sink
	log  zerolog.Logger
}

func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{
		sink: sink,
		log: zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
}

func (d *Dispatcher) OnDeviceSynced(p *pubsub.DeviceSynced) {
	d.log.Debug().
		Int64("device_id", p.DeviceID).
		Int("records", p.Records).
		Int("duplicates", p.Duplicates).
		Msg("device synced")
}

func (d *Dispatcher) OnDeviceSyncFailed(p *pubsub.DeviceSyncFailed) {
	d.sink.Notify(Notification{
		DeviceID:   p.DeviceID,
		DeviceName: p.DeviceName,
		ErrorType:  "sync_failed",
		Message:    p.Error,
	})
}

func (d *Dispatcher) OnDeviceClockAdjusted(p *pubsub.DeviceClockAdjusted) {
	d.log.Info().Int64("device_id", p.DeviceID).Str("drift", p.Drift.String()).Msg("clock adjusted")
}

func (d *Dispatcher) OnDeviceOffline(p *pubsub.DeviceOffline) {
	d.sink.Notify(Notification{
		DeviceID:   p.DeviceID,
		DeviceName: p.DeviceName,
		ErrorType:  "offline",
		Message:    "device unreachable during fleet sweep",
	})
}
