// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/text/language"

	"github.com/wneessen/locatekit/internal/gazetteer"
	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/geocode"
	"github.com/wneessen/locatekit/internal/metrics"
)

const (
	queryLat = 39.9088
	queryLon = 116.3976
)

type fakeGeocoder struct {
	fn    func(ctx context.Context, coords geobus.Coordinate, maxResults int, lang language.Tag) ([]geocode.Address, error)
	calls atomic.Int32
	lang  atomic.Value
}

func (g *fakeGeocoder) Name() string { return "fake" }

func (g *fakeGeocoder) Reverse(ctx context.Context, coords geobus.Coordinate, maxResults int,
	lang language.Tag,
) ([]geocode.Address, error) {
	g.calls.Add(1)
	g.lang.Store(lang)
	return g.fn(ctx, coords, maxResults, lang)
}

func answering(addrs ...geocode.Address) *fakeGeocoder {
	return &fakeGeocoder{fn: func(context.Context, geobus.Coordinate, int, language.Tag) ([]geocode.Address, error) {
		return addrs, nil
	}}
}

func failing(err error) *fakeGeocoder {
	return &fakeGeocoder{fn: func(context.Context, geobus.Coordinate, int, language.Tag) ([]geocode.Address, error) {
		return nil, err
	}}
}

var beijingAddress = geocode.Address{
	Lines:     []string{"东长安街, 东华门街道, 东城区, 北京市, 100006, 中国"},
	City:      "北京市",
	Region:    "北京市",
	Country:   "中国",
	Latitude:  39.9087243,
	Longitude: 116.3974799,
}

func TestResolver_ResolveAddress(t *testing.T) {
	store := testStore(t)

	t.Run("geocoder result wins", func(t *testing.T) {
		m := metrics.NewForTesting()
		r := New(answering(beijingAddress), store, WithMetrics(m))
		info := r.ResolveAddress(t.Context(), queryLat, queryLon, Options{})
		if info == nil {
			t.Fatal("expected a place")
		}
		if info.Source != SourceGeocoder {
			t.Errorf("expected source %s, got %s", SourceGeocoder, info.Source)
		}
		if info.FormattedAddress != beijingAddress.Lines[0] {
			t.Errorf("unexpected address %q", info.FormattedAddress)
		}
		if info.Latitude != queryLat || info.Longitude != queryLon {
			t.Errorf("expected the query coordinate, got %f/%f", info.Latitude, info.Longitude)
		}
		if info.City != "北京市" || info.Province != "北京市" || info.Country != "中国" {
			t.Errorf("unexpected components: %+v", info)
		}
		if got := testutil.ToFloat64(m.Resolutions.WithLabelValues(metrics.TierGeocoder)); got != 1 {
			t.Errorf("expected 1 geocoder resolution, got %f", got)
		}
		if got := testutil.CollectAndCount(m.ResolveDuration); got != 1 {
			t.Errorf("expected the duration to be observed, got %d series", got)
		}
	})
	t.Run("address lines are joined", func(t *testing.T) {
		addr := geocode.Address{Lines: []string{"中山东一路", " ", "黄浦区 上海市"}}
		info := New(answering(addr), nil).ResolveAddress(t.Context(), 31.24, 121.49, Options{})
		if info == nil || info.FormattedAddress != "中山东一路 黄浦区 上海市" {
			t.Errorf("unexpected place %+v", info)
		}
	})
	t.Run("city, region and country without address lines", func(t *testing.T) {
		addr := geocode.Address{City: "杭州市", Region: "浙江省", Country: "中国"}
		info := New(answering(addr), nil).ResolveAddress(t.Context(), 30.25, 120.16, Options{})
		if info == nil || info.FormattedAddress != "杭州市 浙江省 中国" {
			t.Errorf("unexpected place %+v", info)
		}
	})
	t.Run("empty geocoder candidate falls through", func(t *testing.T) {
		info := New(answering(geocode.Address{}), store).ResolveAddress(t.Context(), queryLat, queryLon, Options{})
		if info == nil || info.Source != SourceGazetteer {
			t.Errorf("expected a gazetteer place, got %+v", info)
		}
	})
	t.Run("missing geocoder uses the gazetteer", func(t *testing.T) {
		info := New(nil, store).ResolveAddress(t.Context(), queryLat, queryLon, Options{})
		if info == nil {
			t.Fatal("expected a place")
		}
		want := PlaceInfo{
			FormattedAddress: "天安门 东城区 北京市",
			City:             "东城区",
			Province:         "北京市",
			Country:          DefaultCountry,
			Latitude:         39.9087,
			Longitude:        116.3975,
			Source:           SourceGazetteer,
		}
		if *info != want {
			t.Errorf("expected %+v, got %+v", want, *info)
		}
	})
	t.Run("failing geocoder uses the gazetteer", func(t *testing.T) {
		m := metrics.NewForTesting()
		r := New(failing(errors.New("service unavailable")), store, WithMetrics(m))
		info := r.ResolveAddress(t.Context(), queryLat, queryLon, Options{})
		if info == nil || info.Source != SourceGazetteer {
			t.Fatalf("expected a gazetteer place, got %+v", info)
		}
		if got := testutil.ToFloat64(m.Resolutions.WithLabelValues(metrics.TierGazetteer)); got != 1 {
			t.Errorf("expected 1 gazetteer resolution, got %f", got)
		}
	})
	t.Run("panicking geocoder uses the gazetteer", func(t *testing.T) {
		coder := &fakeGeocoder{fn: func(context.Context, geobus.Coordinate, int, language.Tag) ([]geocode.Address, error) {
			panic("boom")
		}}
		info := New(coder, store).ResolveAddress(t.Context(), queryLat, queryLon, Options{})
		if info == nil || info.Source != SourceGazetteer {
			t.Errorf("expected a gazetteer place, got %+v", info)
		}
	})
	t.Run("configured country", func(t *testing.T) {
		info := New(nil, store, WithCountry("中国")).ResolveAddress(t.Context(), queryLat, queryLon, Options{})
		if info == nil || info.Country != "中国" {
			t.Errorf("expected country 中国, got %+v", info)
		}
	})
	t.Run("nothing anywhere", func(t *testing.T) {
		m := metrics.NewForTesting()
		r := New(answering(), store, WithMetrics(m))
		if info := r.ResolveAddress(t.Context(), -33.8688, 151.2093, Options{}); info != nil {
			t.Errorf("expected no place, got %+v", info)
		}
		if got := testutil.ToFloat64(m.Resolutions.WithLabelValues(metrics.TierNone)); got != 1 {
			t.Errorf("expected 1 failed resolution, got %f", got)
		}
	})
	t.Run("no tiers at all", func(t *testing.T) {
		if info := New(nil, nil).ResolveAddress(t.Context(), queryLat, queryLon, Options{}); info != nil {
			t.Errorf("expected no place, got %+v", info)
		}
	})
	t.Run("invalid coordinate is rejected before any lookup", func(t *testing.T) {
		coder := answering(beijingAddress)
		r := New(coder, store)
		if info := r.ResolveAddress(t.Context(), 91, 0, Options{}); info != nil {
			t.Errorf("expected no place, got %+v", info)
		}
		if info := r.ResolveAddress(t.Context(), 0, -181, Options{}); info != nil {
			t.Errorf("expected no place, got %+v", info)
		}
		if coder.calls.Load() != 0 {
			t.Errorf("expected no geocoder call, got %d", coder.calls.Load())
		}
	})
	t.Run("gazetteer radius is configurable", func(t *testing.T) {
		r := New(nil, store)
		if info := r.ResolveAddress(t.Context(), 39.95, 116.3975, Options{RadiusDeg: 0.01}); info != nil {
			t.Errorf("expected no place within a small radius, got %+v", info)
		}
		if info := r.ResolveAddress(t.Context(), 39.95, 116.3975, Options{RadiusDeg: 0.05}); info == nil {
			t.Error("expected a place within the default radius")
		}
	})
	t.Run("language falls back to the resolver default", func(t *testing.T) {
		coder := answering(beijingAddress)
		r := New(coder, nil, WithLanguage(language.Chinese))
		r.ResolveAddress(t.Context(), queryLat, queryLon, Options{})
		if got := coder.lang.Load(); got != language.Chinese {
			t.Errorf("expected language zh, got %v", got)
		}
		r.ResolveAddress(t.Context(), queryLat, queryLon, Options{Locale: language.German})
		if got := coder.lang.Load(); got != language.German {
			t.Errorf("expected language de, got %v", got)
		}
	})
}

func TestResolver_ResolveNearby(t *testing.T) {
	store := testStore(t)

	t.Run("geocoder results are used as is", func(t *testing.T) {
		second := beijingAddress
		second.Lines = []string{"天安门广场"}
		second.Latitude, second.Longitude = 39.9033, 116.3915
		infos := New(answering(beijingAddress, second), store).ResolveNearby(t.Context(), queryLat, queryLon, NearbyOptions{})
		if len(infos) != 2 {
			t.Fatalf("expected 2 places, got %d", len(infos))
		}
		if infos[1].Latitude != 39.9033 || infos[1].Source != SourceGeocoder {
			t.Errorf("expected the candidate's own coordinate, got %+v", infos[1])
		}
	})
	t.Run("partial geocoder results do not consult the gazetteer", func(t *testing.T) {
		infos := New(answering(beijingAddress), store).ResolveNearby(t.Context(), queryLat, queryLon,
			NearbyOptions{MaxResults: 5})
		if len(infos) != 1 {
			t.Errorf("expected 1 place, got %d", len(infos))
		}
	})
	t.Run("gazetteer radius is converted from kilometers", func(t *testing.T) {
		infos := New(failing(errors.New("offline")), store).ResolveNearby(t.Context(), queryLat, queryLon,
			NearbyOptions{RadiusKm: 3})
		if len(infos) != 5 {
			t.Fatalf("expected 5 places, got %d", len(infos))
		}
		if infos[0].FormattedAddress != "天安门 东城区 北京市" {
			t.Errorf("expected the closest place first, got %q", infos[0].FormattedAddress)
		}
		for _, info := range infos {
			if info.Source != SourceGazetteer || info.Country != DefaultCountry {
				t.Errorf("unexpected gazetteer place %+v", info)
			}
		}
	})
	t.Run("gazetteer results are capped", func(t *testing.T) {
		infos := New(nil, store).ResolveNearby(t.Context(), queryLat, queryLon, NearbyOptions{RadiusKm: 3, MaxResults: 2})
		if len(infos) != 2 {
			t.Errorf("expected 2 places, got %d", len(infos))
		}
	})
	t.Run("nothing nearby", func(t *testing.T) {
		if infos := New(nil, store).ResolveNearby(t.Context(), 0, 0, NearbyOptions{}); len(infos) != 0 {
			t.Errorf("expected no places, got %d", len(infos))
		}
	})
	t.Run("invalid coordinate", func(t *testing.T) {
		if infos := New(nil, store).ResolveNearby(t.Context(), -91, 0, NearbyOptions{}); infos != nil {
			t.Errorf("expected no places, got %d", len(infos))
		}
	})
}

func TestResolver_Async(t *testing.T) {
	store := testStore(t)

	t.Run("address callback receives the result", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var got *PlaceInfo
			var called atomic.Bool
			New(nil, store).ResolveAddressAsync(t.Context(), queryLat, queryLon, Options{}, func(info *PlaceInfo) {
				got = info
				called.Store(true)
			})
			synctest.Wait()
			if !called.Load() {
				t.Fatal("expected the callback to be called")
			}
			if got == nil || got.Source != SourceGazetteer {
				t.Errorf("unexpected place %+v", got)
			}
		})
	})
	t.Run("nearby callback receives the result", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var got []PlaceInfo
			var called atomic.Bool
			New(nil, store).ResolveNearbyAsync(t.Context(), queryLat, queryLon, NearbyOptions{RadiusKm: 3},
				func(infos []PlaceInfo) {
					got = infos
					called.Store(true)
				})
			synctest.Wait()
			if !called.Load() || len(got) != 5 {
				t.Errorf("expected 5 places in the callback, got %d", len(got))
			}
		})
	})
	t.Run("cancellation suppresses the callback", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			coder := &fakeGeocoder{fn: func(ctx context.Context, _ geobus.Coordinate, _ int, _ language.Tag) ([]geocode.Address, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}}
			var called atomic.Bool
			New(coder, store).ResolveAddressAsync(ctx, queryLat, queryLon, Options{}, func(*PlaceInfo) {
				called.Store(true)
			})
			New(coder, store).ResolveNearbyAsync(ctx, queryLat, queryLon, NearbyOptions{}, func([]PlaceInfo) {
				called.Store(true)
			})
			synctest.Wait()
			cancel()
			synctest.Wait()
			if called.Load() {
				t.Error("expected no callback after cancellation")
			}
			if coder.calls.Load() != 2 {
				t.Errorf("expected both lookups to have started, got %d", coder.calls.Load())
			}
		})
	})
	t.Run("nil callback is ignored", func(t *testing.T) {
		r := New(nil, store)
		r.ResolveAddressAsync(t.Context(), queryLat, queryLon, Options{}, nil)
		r.ResolveNearbyAsync(t.Context(), queryLat, queryLon, NearbyOptions{}, nil)
	})
}

func testStore(t *testing.T) *gazetteer.Store {
	t.Helper()
	store, err := gazetteer.Bundled()
	if err != nil {
		t.Fatalf("failed to load gazetteer: %s", err)
	}
	return store
}
