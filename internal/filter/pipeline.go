package filter

import (
	"regexp"

	"github.com/samber/lo"

	"github.com/vburojevic/traced/internal/domain"
)

// Pipeline applies a name pattern, exclusions and where clauses to session
// listings, in that order
type Pipeline struct {
	pattern  *regexp.Regexp
	excludes []*regexp.Regexp
	where    *WhereFilter
}

// NewPipeline returns nil when no filter is configured; a nil Pipeline
// matches everything.
func NewPipeline(pattern *regexp.Regexp, excludes []*regexp.Regexp, where *WhereFilter) *Pipeline {
	if pattern == nil && len(excludes) == 0 && where == nil {
		return nil
	}
	return &Pipeline{pattern: pattern, excludes: excludes, where: where}
}

// Match reports whether a session passes every stage. Patterns apply to the
// unique session name.
func (p *Pipeline) Match(info *domain.SessionInfo) bool {
	if p == nil {
		return true
	}
	if p.pattern != nil && !p.pattern.MatchString(info.UniqueSessionName) {
		return false
	}
	for _, ex := range p.excludes {
		if ex.MatchString(info.UniqueSessionName) {
			return false
		}
	}
	return p.where.Match(info)
}

// Apply returns the sessions that match, preserving order.
func (p *Pipeline) Apply(sessions []domain.SessionInfo) []domain.SessionInfo {
	return lo.Filter(sessions, func(info domain.SessionInfo, _ int) bool {
		return p.Match(&info)
	})
}
