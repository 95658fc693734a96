// Package resolver picks the accessibility-tree node that best matches a loose
// role/name/attributes description.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/types"
)

// ErrNoMatch is returned when no candidate scores above zero
var ErrNoMatch = errors.New("no matching element")

// Score weights
const (
	roleExact   = 100.0
	rolePartial = 50.0

	nameExact          = 200.0
	nameNodeContains   = 150.0
	nameTargetContains = 140.0
	nameFuzzyMax       = 130.0
	nameFuzzyCutoff    = 0.8
	nameTokenMax       = 100.0

	attrMax = 150.0
)

// noiseRoles are structural roles that are never addressable targets
var noiseRoles = map[string]bool{
	"generic":         true,
	"none":            true,
	"presentation":    true,
	"statictext":      true,
	"inlinetextbox":   true,
	"linebreak":       true,
	"paragraph":       true,
	"div":             true,
	"section":         true,
	"group":           true,
	"layouttable":     true,
	"layouttablerow":  true,
	"layouttablecell": true,
	"rootwebarea":     true,
	"ignored":         true,
}

// Candidate is a flattened accessibility node
type Candidate struct {
	NodeID        string
	BackendNodeID cdp.BackendNodeID
	Role          string
	Name          string
	Ignored       bool
}

// Match is the winning candidate and its score
type Match struct {
	Candidate
	Score float64
}

// AttributeSource reads live DOM attributes for a backend node
type AttributeSource interface {
	NodeAttributes(ctx context.Context, id cdp.BackendNodeID) (map[string]string, error)
}

// Resolver scores candidates against a description
type Resolver struct {
	attrs AttributeSource
	log   *zap.Logger
}

// New creates a resolver. attrs may be nil when no description carries attributes.
func New(attrs AttributeSource, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{attrs: attrs, log: log}
}

// FromAX flattens a full AX tree into candidates
func FromAX(nodes []*accessibility.Node) []Candidate {
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		out = append(out, Candidate{
			NodeID:        string(n.NodeID),
			BackendNodeID: n.BackendDOMNodeID,
			Role:          axString(n.Role),
			Name:          axString(n.Name),
			Ignored:       n.Ignored,
		})
	}
	return out
}

func axString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(v.Value), &s); err != nil {
		return strings.Trim(string(v.Value), `"`)
	}
	return s
}

// IsNoise reports whether a candidate is excluded before scoring
func IsNoise(c Candidate) bool {
	return c.Ignored || noiseRoles[strings.ToLower(c.Role)]
}

// Resolve returns the best-scoring candidate. Ties keep the first-encountered node.
func (r *Resolver) Resolve(ctx context.Context, candidates []Candidate, desc types.TargetDescription) (*Match, error) {
	ranked := r.Rank(ctx, candidates, desc)
	if len(ranked) == 0 {
		return nil, ErrNoMatch
	}
	best := ranked[0]
	r.log.Debug("resolved element",
		zap.String("role", best.Role),
		zap.String("name", best.Name),
		zap.Float64("score", best.Score),
		zap.Int("candidates", len(ranked)))
	return &best, nil
}

// Rank scores every non-noise candidate and returns the positive ones, best first
func (r *Resolver) Rank(ctx context.Context, candidates []Candidate, desc types.TargetDescription) []Match {
	var matches []Match
	for _, c := range candidates {
		if IsNoise(c) {
			continue
		}
		score := r.score(ctx, c, desc)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Candidate: c, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

func (r *Resolver) score(ctx context.Context, c Candidate, desc types.TargetDescription) float64 {
	var name float64
	if desc.Name != "" {
		name = NameScore(c.Name, desc.Name)
		if name == 0 {
			return 0
		}
	}
	return RoleScore(c.Role, desc.Role) + name + r.attributeScore(ctx, c, desc.Attributes)
}

// RoleScore is 100 for an exact role, 50 when either contains the other
func RoleScore(nodeRole, want string) float64 {
	if want == "" || nodeRole == "" {
		return 0
	}
	n, w := strings.ToLower(nodeRole), strings.ToLower(want)
	switch {
	case n == w:
		return roleExact
	case strings.Contains(n, w) || strings.Contains(w, n):
		return rolePartial
	}
	return 0
}

// NameScore grades an accessible name against the wanted name. Each tier
// short-circuits on its first hit.
func NameScore(nodeName, want string) float64 {
	n, w := normalize(nodeName), normalize(want)
	if n == "" || w == "" {
		return 0
	}
	if n == w {
		return nameExact
	}
	if strings.Contains(n, w) {
		return nameNodeContains
	}
	if strings.Contains(w, n) {
		return nameTargetContains
	}
	if ratio := FuzzyRatio(n, w); ratio > nameFuzzyCutoff {
		return ratio * nameFuzzyMax
	}
	if overlap := TokenOverlap(n, w); overlap > 0 {
		return overlap * nameTokenMax
	}
	return 0
}

func (r *Resolver) attributeScore(ctx context.Context, c Candidate, want map[string]string) float64 {
	if len(want) == 0 || r.attrs == nil || c.BackendNodeID == 0 {
		return 0
	}
	live, err := r.attrs.NodeAttributes(ctx, c.BackendNodeID)
	if err != nil {
		r.log.Debug("attribute lookup failed", zap.Int64("backend_node_id", int64(c.BackendNodeID)), zap.Error(err))
		return 0
	}
	return AttributeScore(live, want)
}

// AttributeScore sums 1.0 / 0.7 / 0.5 per requested attribute for exact /
// live-contains-wanted / wanted-contains-live, normalised and scaled to 150
func AttributeScore(live, want map[string]string) float64 {
	if len(want) == 0 {
		return 0
	}
	var sum float64
	for key, wv := range want {
		lv, ok := live[key]
		if !ok {
			continue
		}
		l, w := strings.ToLower(lv), strings.ToLower(wv)
		switch {
		case l == w:
			sum += 1.0
		case w != "" && strings.Contains(l, w):
			sum += 0.7
		case l != "" && strings.Contains(w, l):
			sum += 0.5
		}
	}
	return sum / float64(len(want)) * attrMax
}
