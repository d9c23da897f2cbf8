// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
)

func gaugeValue(g prometheus.Gauge) (float64, error) {
	var m model.Metric
	if err := g.Write(&m); err != nil {
		return 0, err
	}
	return m.GetGauge().GetValue(), nil
}

func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("getStats", data, w, r)

	sessions, err := gaugeValue(s.metrics.Sessions)
	if err != nil {
		data.err = err.Error()
		data.code = http.StatusInternalServerError
		return
	}
	data.resData["sessions"] = sessions

	conns, err := gaugeValue(s.metrics.WSConnections)
	if err != nil {
		data.err = err.Error()
		data.code = http.StatusInternalServerError
		return
	}
	data.resData["connections"] = conns
	data.resData["draining"] = s.signalServer.Draining()

	data.code = http.StatusOK
}
