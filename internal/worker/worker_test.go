package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/internal/eventlog"
	"github.com/heatpilot/heatpilot/internal/tsdb"
	"github.com/heatpilot/heatpilot/internal/types"
	"github.com/heatpilot/heatpilot/internal/weather"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// fakeAdapter serves canned values once enough Authenticate calls have
// been made, simulating a session that went stale upstream.
type fakeAdapter struct {
	mu         sync.Mutex
	authCalls  int
	readCalls  int
	needAuths  int
	emptyUntil int     // serve an empty map until this many auths
	readErrs   []error // consumed per read before values are served
	values     map[string]bms.Value
}

func (f *fakeAdapter) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return nil
}

func (f *fakeAdapter) ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]bms.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		return nil, err
	}
	if f.authCalls < f.needAuths {
		return nil, bms.ErrUnauthorized
	}
	if f.authCalls < f.emptyUntil {
		return map[string]bms.Value{}, nil
	}
	out := make(map[string]bms.Value, len(f.values))
	for id, v := range f.values {
		out[id] = v
	}
	return out, nil
}

func (f *fakeAdapter) ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolution time.Duration) (map[string][]bms.Point, error) {
	return nil, nil
}

func (f *fakeAdapter) Close(ctx context.Context) error { return nil }

func (f *fakeAdapter) counts() (auths, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.readCalls
}

// eventCounter fakes a Seq ingest endpoint and counts CLEF documents by
// event type.
func eventCounter(t *testing.T) (*eventlog.Sink, func(eventType string) int) {
	t.Helper()
	var mu sync.Mutex
	bodies := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	sink := eventlog.New(srv.URL, "", "heatpilot-test", zap.NewNop().Sugar())
	count := func(eventType string) int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, b := range bodies {
			if strings.Contains(b, eventType) {
				n++
			}
		}
		return n
	}
	return sink, count
}

func testEntity() *config.Entity {
	return &config.Entity{
		EntityID: "bldg-001",
		SignalMap: map[string]config.Signal{
			"supply_temp": {SignalID: "s1", Fetch: true},
			"pump_on":     {SignalID: "s2", Fetch: true},
			"unused":      {SignalID: "s9"},
		},
	}
}

func testWorker(adapter bms.Adapter, sink *eventlog.Sink) *Worker {
	return New(config.EntityRef{EntityID: "bldg-001"}, testEntity(), adapter,
		Services{Events: sink}, 0, zap.NewNop().Sugar())
}

func TestStaleSessionRefreshesExactlyOnce(t *testing.T) {
	sink, count := eventCounter(t)
	fake := &fakeAdapter{
		needAuths: 2,
		values: map[string]bms.Value{
			"s1": {Float: 48.25},
			"s2": {Bool: true, IsBool: true},
		},
	}
	w := testWorker(fake, sink)

	t0 := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	reading, err := w.readSignals(context.Background(), testEntity(), t0)
	if err != nil {
		t.Fatalf("readSignals: %v", err)
	}
	sink.Close()

	auths, _ := fake.counts()
	if auths != 2 {
		t.Errorf("expected initial auth + one refresh, got %d authentications", auths)
	}
	if got := count("TokenRefreshed"); got != 1 {
		t.Errorf("expected exactly one TokenRefreshed event, got %d", got)
	}
	if got := reading.Fields["supply_temp"]; got != 48.25 {
		t.Errorf("expected 48.25, got %f", got)
	}
	if got := reading.Fields["pump_on"]; got != 1 {
		t.Errorf("expected boolean normalized to 1, got %f", got)
	}
	if _, ok := reading.Fields["unused"]; ok {
		t.Error("non-fetch signals must not be read")
	}
}

func TestEmptyResultTreatedAsStaleSession(t *testing.T) {
	sink, count := eventCounter(t)
	// The adapter authenticates fine but serves an empty value map until
	// re-authenticated, which is how some BMS backends expire silently.
	fake := &fakeAdapter{
		needAuths:  1,
		emptyUntil: 2,
		values:     map[string]bms.Value{"s1": {Float: 21.5}},
	}
	w := testWorker(fake, sink)

	t0 := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	reading, err := w.readSignals(context.Background(), testEntity(), t0)
	if err != nil {
		t.Fatalf("readSignals: %v", err)
	}
	sink.Close()

	if got := reading.Fields["supply_temp"]; got != 21.5 {
		t.Errorf("expected 21.5 after refresh, got %f", got)
	}
	if count("TokenRefreshed") != 1 {
		t.Errorf("an empty result should trigger one session refresh, got %d", count("TokenRefreshed"))
	}
}

func TestTransientErrorRetriesWithoutRefresh(t *testing.T) {
	old := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = old }()

	sink, count := eventCounter(t)
	fake := &fakeAdapter{
		needAuths: 1,
		readErrs:  []error{errors.New("connection reset by peer")},
		values:    map[string]bms.Value{"s1": {Float: 55.1234567}},
	}
	w := testWorker(fake, sink)

	t0 := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	reading, err := w.readSignals(context.Background(), testEntity(), t0)
	if err != nil {
		t.Fatalf("readSignals: %v", err)
	}
	sink.Close()

	auths, reads := fake.counts()
	if auths != 1 {
		t.Errorf("transient errors must not re-authenticate, got %d auths", auths)
	}
	if reads != 2 {
		t.Errorf("expected one retry, got %d reads", reads)
	}
	if count("TokenRefreshed") != 0 {
		t.Error("transient retry must not emit a refresh event")
	}
	if got := reading.Fields["supply_temp"]; got != 55.1235 {
		t.Errorf("expected rounding to 4 decimals, got %f", got)
	}
}

// flakyFetcher counts upstream weather calls and fails the first
// failures of them.
type flakyFetcher struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *flakyFetcher) Observation(ctx context.Context, lat, lon float64) (types.WeatherObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return types.WeatherObservation{}, errors.New("504 gateway timeout")
	}
	return types.WeatherObservation{Time: time.Now(), Temperature: -3.5, StationID: "98210"}, nil
}

func (f *flakyFetcher) Forecast(ctx context.Context, lat, lon float64) ([]types.WeatherForecastPoint, error) {
	return nil, nil
}

func (f *flakyFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blackholeStore accepts and drops every write.
func blackholeStore(t *testing.T) *tsdb.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	c, err := tsdb.New(tsdb.Config{
		URL:    srv.URL,
		Token:  "test-token",
		Org:    "test-org",
		Bucket: "test-bucket",
	}, nil, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("tsdb.New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

const weatherTestRecord = `{
  "schema_version": 2,
  "entity_id": "bldg-001",
  "location": {"latitude": 59.33, "longitude": 18.07},
  "connection": {"system": "portal", "base_url": "https://portal.example.com"},
  "poll_interval_minutes": 15,
  "signal_map": {
    "supply_temp": {"signal_id": "s1", "field_name": "supply_temp", "fetch": true}
  }
}`

func TestWeatherOutageFailsIteration(t *testing.T) {
	old := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = old }()

	profiles := t.TempDir()
	if err := os.WriteFile(filepath.Join(profiles, "bldg-001.json"), []byte(weatherTestRecord), 0o644); err != nil {
		t.Fatalf("writing record: %v", err)
	}
	provider := config.NewProvider(profiles, "")
	refs, err := provider.List()
	if err != nil || len(refs) != 1 {
		t.Fatalf("List: refs=%d err=%v", len(refs), err)
	}
	entity, err := provider.Load(refs[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fetcher := &flakyFetcher{failures: 10}
	fake := &fakeAdapter{needAuths: 1, values: map[string]bms.Value{"s1": {Float: 48.25}}}
	w := New(refs[0], entity, fake, Services{
		Provider: provider,
		Store:    blackholeStore(t),
		Weather:  weather.NewCache(fetcher, zap.NewNop().Sugar()),
	}, 0, zap.NewNop().Sugar())

	t0 := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	err = w.iterate(context.Background(), t0)
	if err == nil {
		t.Fatal("a dead weather API must fail the iteration")
	}
	if !strings.Contains(err.Error(), "fetching weather") {
		t.Errorf("unexpected failure stage: %v", err)
	}
	if got := fetcher.count(); got != 2 {
		t.Errorf("expected one in-iteration retry, got %d fetches", got)
	}
	if _, reads := fake.counts(); reads == 0 {
		t.Error("signals should have been read before the weather stage")
	}
}

func TestWeatherFetchRecoversWithinIteration(t *testing.T) {
	old := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = old }()

	fetcher := &flakyFetcher{failures: 1}
	w := testWorker(&fakeAdapter{needAuths: 1}, nil)
	w.services.Weather = weather.NewCache(fetcher, zap.NewNop().Sugar())
	w.services.Store = blackholeStore(t)

	t0 := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	obs, err := w.observeWeather(context.Background(), testEntity(), t0)
	if err != nil {
		t.Fatalf("observeWeather after one transient failure: %v", err)
	}
	if got := fetcher.count(); got != 2 {
		t.Errorf("expected exactly one retry, got %d fetches", got)
	}
	if obs.Temperature != -3.5 {
		t.Errorf("expected retried observation, got %+v", obs)
	}
}

func TestRunSurvivesUnreadableRecord(t *testing.T) {
	profiles := t.TempDir()
	provider := config.NewProvider(profiles, "")
	ref := config.EntityRef{
		EntityID: "bldg-001",
		Kind:     types.KindHouse,
		Path:     filepath.Join(profiles, "bldg-001.json"),
	}
	w := New(ref, testEntity(), &fakeAdapter{needAuths: 1}, Services{Provider: provider}, 0, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, &wg)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("worker must keep retrying the load on its schedule, not exit")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
	wg.Wait()
}

func TestPersistentFailureSurfaces(t *testing.T) {
	old := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = old }()

	fake := &fakeAdapter{
		needAuths: 1,
		readErrs:  []error{errors.New("timeout"), errors.New("timeout")},
	}
	w := testWorker(fake, nil)

	t0 := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	if _, err := w.readSignals(context.Background(), testEntity(), t0); err == nil {
		t.Fatal("expected the iteration to fail after the retry budget")
	}
}
