/*
Copyright © 2018 the StreamCast authors.
This file is part of StreamCast.

StreamCast is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

StreamCast is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with StreamCast.  If not, see <http://www.gnu.org/licenses/>.
*/

package streamcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/requestcache"
)

// cfsToCms converts cubic feet per second to cubic meters per second.
const cfsToCms = 1 / 35.3146667

// DefaultGageURL is the USGS instantaneous-values service endpoint.
const DefaultGageURL = "https://waterservices.usgs.gov/nwis/iv/"

// A GageClient fetches instantaneous discharge observations from the
// USGS water service. Responses are cached and deduplicated so that
// reaches sharing a station query it once per cycle.
type GageClient struct {
	// URL is the service endpoint; DefaultGageURL if empty.
	URL string

	// HTTPClient is the client to use; http.DefaultClient if nil.
	HTTPClient *http.Client

	// RetryInterval is the fixed wait between retried requests;
	// gageRetryInterval if zero.
	RetryInterval time.Duration

	cache *requestcache.Cache
	once  sync.Once
}

// Gage service hiccups are retried on a fixed interval before giving
// up, like upstream release downloads.
const (
	gageRetryInterval = 5 * time.Second
	gageRetryCount    = 3
)

type gageRequest struct {
	station string
	at      time.Time
}

func (c *GageClient) lazyLoad() {
	c.once.Do(func() {
		interval := c.RetryInterval
		if interval <= 0 {
			interval = gageRetryInterval
		}
		c.cache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			req := request.(gageRequest)
			var v float64
			err := backoff.Retry(
				func() error {
					var err error
					v, err = c.fetch(ctx, req.station, req.at)
					return err
				},
				backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), gageRetryCount),
			)
			return v, err
		}, 4, requestcache.Deduplicate(), requestcache.Memory(1000))
	})
}

// MeasuredFlow returns the discharge (m3/s) observed at the given
// station at time at. Observations in the 24 hours before at are
// retrieved; an observation stamped exactly at at is preferred, and
// otherwise the two observations bracketing at are interpolated if
// they are less than an hour apart.
func (c *GageClient) MeasuredFlow(ctx context.Context, station string, at time.Time) (float64, error) {
	c.lazyLoad()
	req := c.cache.NewRequest(ctx, gageRequest{station: station, at: at.UTC()},
		station+at.UTC().Format(time.RFC3339))
	result, err := req.Result()
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

// usgsResponse matches the subset of the USGS water service JSON
// format that we use.
type usgsResponse struct {
	Value struct {
		TimeSeries []struct {
			Values []struct {
				Value []struct {
					Value    string `json:"value"`
					DateTime string `json:"dateTime"`
				} `json:"value"`
			} `json:"values"`
		} `json:"timeSeries"`
	} `json:"value"`
}

func (c *GageClient) fetch(ctx context.Context, station string, at time.Time) (float64, error) {
	endpoint := c.URL
	if endpoint == "" {
		endpoint = DefaultGageURL
	}
	q := url.Values{}
	q.Set("format", "json")
	q.Set("sites", station)
	q.Set("startDT", at.Add(-24*time.Hour).Format("2006-01-02"))
	q.Set("endDT", at.Format("2006-01-02"))
	q.Set("parameterCd", "00060")
	req, err := http.NewRequest("GET", endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("streamcast: building gage request for station %s: %v", station, err)
	}
	req = req.WithContext(ctx)
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("streamcast: querying gage station %s: %v", station, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("streamcast: querying gage station %s: status %s", station, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("streamcast: reading gage response for station %s: %v", station, err)
	}
	var data usgsResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, fmt.Errorf("streamcast: parsing gage response for station %s: %v", station, err)
	}
	return observationAt(&data, at, station)
}

// observationAt extracts the discharge at time at from a gage
// response, converting from ft3/s to m3/s.
func observationAt(data *usgsResponse, at time.Time, station string) (float64, error) {
	type obs struct {
		t time.Time
		v float64
	}
	var series []obs
	for _, ts := range data.Value.TimeSeries {
		for _, vs := range ts.Values {
			for _, v := range vs.Value {
				t, err := time.Parse(time.RFC3339, v.DateTime)
				if err != nil {
					continue
				}
				val, err := strconv.ParseFloat(v.Value, 64)
				if err != nil {
					continue
				}
				series = append(series, obs{t: t.UTC(), v: val})
			}
		}
	}
	if len(series) == 0 {
		return 0, fmt.Errorf("streamcast: no observations for gage station %s", station)
	}
	at = at.UTC()
	var before, after *obs
	for i := range series {
		o := series[i]
		if o.t.Equal(at) && o.v > 0 {
			return o.v * cfsToCms, nil
		}
		if !o.t.After(at) && (before == nil || o.t.After(before.t)) {
			before = &series[i]
		}
		if o.t.After(at) && (after == nil || o.t.Before(after.t)) {
			after = &series[i]
		}
	}
	// Interpolate across at, but only if the bracketing observations
	// are close enough to be meaningful.
	if before != nil && after != nil && before.v > 0 && after.v > 0 &&
		after.t.Sub(before.t) < time.Hour {
		frac := float64(at.Sub(before.t)) / float64(after.t.Sub(before.t))
		return (before.v + (after.v-before.v)*frac) * cfsToCms, nil
	}
	return 0, fmt.Errorf("streamcast: no usable observation for gage station %s at %v", station, at)
}

// CorrectInitialFlows adjusts the network's initial flows with gage
// observations fetched by measure, which reports the observed flow at
// a station and whether the observation is usable.
//
// A gaged reach takes the measured flow directly. The correction then
// propagates one hop to the reach's immediate upstream and downstream
// neighbors, skipping neighbors that carry their own measured flow:
// when both the gaged reach and the neighbor have known natural
// flows, the neighbor is adjusted by the gage error scaled by the
// ratio of natural flows and clamped at zero; otherwise the neighbor
// takes the measured flow unchanged.
func (n *Network) CorrectInitialFlows(measure func(station string) (float64, bool)) {
	for i := range n.Reaches {
		r := &n.Reaches[i]
		if r.Station == "" {
			continue
		}
		v, ok := measure(r.Station)
		if !ok {
			continue
		}
		r.StationFlow = v
		r.HasStationFlow = true
		r.measured = true
	}
	for i := range n.Reaches {
		master := &n.Reaches[i]
		if !master.measured {
			continue
		}
		gageError := master.StationFlow - master.InitFlow
		neighbors := append([]int32{}, master.UpIDs...)
		if master.DownID != 0 {
			neighbors = append(neighbors, master.DownID)
		}
		for _, id := range neighbors {
			j, ok := n.Lookup(id)
			if !ok {
				continue
			}
			neighbor := &n.Reaches[j]
			if neighbor.measured {
				continue
			}
			if neighbor.HasNatural && master.HasNatural && master.NaturalFlow != 0 {
				neighbor.StationFlow = math.Max(0,
					neighbor.InitFlow+gageError*neighbor.NaturalFlow/master.NaturalFlow)
			} else {
				neighbor.StationFlow = master.StationFlow
			}
			neighbor.HasStationFlow = true
		}
	}
}

// CorrectedFlows returns the network's initial flows in connectivity
// row order, with gage-corrected values substituted where available.
func (n *Network) CorrectedFlows() []float64 {
	o := make([]float64, len(n.Reaches))
	for i := range n.Reaches {
		if n.Reaches[i].HasStationFlow {
			o[i] = n.Reaches[i].StationFlow
		} else {
			o[i] = n.Reaches[i].InitFlow
		}
	}
	return o
}

// UpdateInitialFlows rewrites the prior cycle's initial-flow file for
// a region with gage corrections. connectFile and gageFile are the
// region's connectivity and station tables; qinitFile is the
// initial-flow file to correct in place. Fetch failures for
// individual stations are logged and skipped.
func UpdateInitialFlows(ctx context.Context, gc *GageClient, connectFile, gageFile, qinitFile string, at time.Time) error {
	n, err := LoadNetwork(connectFile)
	if err != nil {
		return err
	}
	if err := n.LoadGages(gageFile); err != nil {
		return err
	}
	flows, err := ReadQinit(qinitFile)
	if err != nil {
		return err
	}
	if err := n.SetInitFlows(flows); err != nil {
		return err
	}
	n.CorrectInitialFlows(func(station string) (float64, bool) {
		v, err := gc.MeasuredFlow(ctx, station, at)
		if err != nil {
			log.Printf("streamcast: gage station %s: %v", station, err)
			return 0, false
		}
		return v, true
	})
	return WriteQinit(qinitFile, n.CorrectedFlows())
}
