/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"

	"github.com/aerolora/aerolink/interlink"
)

// ScoreDefault is the canonical relay scoring formula. The weights put
// the mesh link to the candidate first, the candidate's reported GCS
// link second and planar distance last; RSSI terms are shifted by
// 120 dBm so usable links score positive.
const ScoreDefault = "3.0 * (mesh_rssi + 120.0) + 2.0 * mesh_snr + " +
	"1.5 * (gcs_rssi + 120.0) + 1.0 * gcs_snr - 0.5 * gcs_loss - " +
	"0.002 * distance_m"

// ScoreHelp documents the variables available to a custom formula.
const ScoreHelp = `supported variables:
  mesh_rssi  (dBm of the candidate's announcements as we hear them)
  mesh_snr   (dB of the same)
  gcs_rssi   (dBm the candidate reports for its own GCS link)
  gcs_snr    (dB of the same)
  gcs_loss   (percent packet loss the candidate reports)
  distance_m (planar distance to the candidate, 0 when unknown)`

// Scorer evaluates the relay scoring formula over table entries.
type Scorer struct {
	Formula string
	expr    *govaluate.EvaluableExpression
}

// NewScorer parses the formula, falling back to ScoreDefault when empty.
func NewScorer(formula string) (*Scorer, error) {
	if formula == "" {
		formula = ScoreDefault
	}
	expr, err := govaluate.NewEvaluableExpression(formula)
	if err != nil {
		return nil, fmt.Errorf("parsing score formula: %w", err)
	}
	return &Scorer{Formula: formula, expr: expr}, nil
}

// planarDistanceM approximates the distance between two fixes in
// meters, small-angle equirectangular. Good enough for ranking peers
// tens of kilometers apart.
func planarDistanceM(a, b interlink.Position) float64 {
	const mPerDegLat = 111320.0
	dLat := float64(a.LatE7-b.LatE7) / 1e7
	dLon := float64(a.LonE7-b.LonE7) / 1e7
	meanLat := (float64(a.LatE7) + float64(b.LatE7)) / 2 / 1e7 * math.Pi / 180
	dx := dLon * mPerDegLat * math.Cos(meanLat)
	dy := dLat * mPerDegLat
	return math.Sqrt(dx*dx + dy*dy)
}

// Score evaluates one candidate from ownPos. A nil ownPos or a zero
// candidate fix contributes zero distance.
func (s *Scorer) Score(e *Entry, ownPos *interlink.Position) (float64, error) {
	dist := 0.0
	if ownPos != nil && (e.Pos.LatE7 != 0 || e.Pos.LonE7 != 0) {
		dist = planarDistanceM(*ownPos, e.Pos)
	}
	params := map[string]interface{}{
		"mesh_rssi":  e.MeshRSSIdBm,
		"mesh_snr":   e.MeshSNRdB,
		"gcs_rssi":   e.GCS.RSSIdBm,
		"gcs_snr":    e.GCS.SNRdB,
		"gcs_loss":   float64(e.GCS.LossPct),
		"distance_m": dist,
	}
	v, err := s.expr.Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("evaluating score formula: %w", err)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("score formula yielded %T, want float64", v)
	}
	return f, nil
}

// Best scores every available entry and returns the winner, or nil
// when the table offers no usable candidate. Scores are stored back
// into the entries for reporting.
func (s *Scorer) Best(t *Table, ownPos *interlink.Position) (*Entry, error) {
	var best *Entry
	for _, e := range t.Available() {
		score, err := s.Score(e, ownPos)
		if err != nil {
			return nil, err
		}
		e.Score = score
		if best == nil || score > best.Score {
			best = e
		}
	}
	return best, nil
}
