package filter

import (
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/domain"
)

func sessions() []domain.SessionInfo {
	return []domain.SessionInfo{
		{ID: 1, OwnerUID: 1000, State: "started", UniqueSessionName: "nightly", BugreportScore: 10, Buffers: []domain.BufferID{1, 2}, DataSources: 3},
		{ID: 2, OwnerUID: 2000, State: "stopped", UniqueSessionName: "ci-run", LastError: "flush timed out"},
		{ID: 3, OwnerUID: 1000, State: "cloned", ClonedFrom: 1, Buffers: []domain.BufferID{3}},
	}
}

func ids(in []domain.SessionInfo) []domain.SessionID {
	out := make([]domain.SessionID, len(in))
	for i, s := range in {
		out[i] = s.ID
	}
	return out
}

func TestParseWhereClause(t *testing.T) {
	t.Run("parses longest operator first", func(t *testing.T) {
		wc, err := ParseWhereClause("score>=5")
		require.NoError(t, err)
		assert.Equal(t, "score", wc.Field)
		assert.Equal(t, ">=", wc.Operator)
		assert.Equal(t, "5", wc.Value)
	})

	t.Run("rejects clauses", func(t *testing.T) {
		for _, clause := range []string{
			"state",
			"=started",
			"bogus=1",
			"name~[",
			"state>=started",
			"score>=high",
		} {
			_, err := ParseWhereClause(clause)
			assert.Error(t, err, clause)
		}
	})
}

func TestWhereFilter(t *testing.T) {
	tests := []struct {
		clauses []string
		want    []domain.SessionID
	}{
		{[]string{"state=started"}, []domain.SessionID{1}},
		{[]string{"state=STARTED"}, []domain.SessionID{1}},
		{[]string{"uid=1000"}, []domain.SessionID{1, 3}},
		{[]string{"uid=1000", "state!=cloned"}, []domain.SessionID{1}},
		{[]string{"score>=5"}, []domain.SessionID{1}},
		{[]string{"buffers<=1"}, []domain.SessionID{2, 3}},
		{[]string{"name~^ci-"}, []domain.SessionID{2}},
		{[]string{"name!~night"}, []domain.SessionID{2, 3}},
		{[]string{"name^night"}, []domain.SessionID{1}},
		{[]string{"error$timed out"}, []domain.SessionID{2}},
		{[]string{"cloned_from=1"}, []domain.SessionID{3}},
	}
	for _, tt := range tests {
		f, err := NewWhereFilter(tt.clauses)
		require.NoError(t, err)
		p := NewPipeline(nil, nil, f)
		assert.Equal(t, tt.want, ids(p.Apply(sessions())), "%v", tt.clauses)
	}
}

func TestPipeline_MatchOrder(t *testing.T) {
	where, err := NewWhereFilter([]string{"state=started"})
	require.NoError(t, err)
	p := NewPipeline(regexp.MustCompile("night"), []*regexp.Regexp{regexp.MustCompile("ignore")}, where)

	assert.True(t, p.Match(&domain.SessionInfo{UniqueSessionName: "nightly", State: "started"}))
	assert.False(t, p.Match(&domain.SessionInfo{UniqueSessionName: "nightly-ignore", State: "started"}), "exclude drops")
	assert.False(t, p.Match(&domain.SessionInfo{UniqueSessionName: "nightly", State: "stopped"}), "where drops")
	assert.False(t, p.Match(&domain.SessionInfo{UniqueSessionName: "daily", State: "started"}), "pattern drops")
}

func TestPipeline_NilIsAllowAll(t *testing.T) {
	require.Nil(t, NewPipeline(nil, nil, nil))
	where, err := NewWhereFilter(nil)
	require.NoError(t, err)
	require.Nil(t, where)

	var p *Pipeline
	assert.True(t, p.Match(&domain.SessionInfo{UniqueSessionName: "anything"}))
	assert.Len(t, p.Apply(sessions()), 3)
}

func trigger(session domain.SessionID, name string) domain.Event {
	return domain.Event{
		Type:      domain.EventCloneTriggerHit,
		SessionID: session,
		Trigger:   &domain.TriggerInfo{Name: name, ProducerName: "app"},
	}
}

func TestDedupeConsecutive(t *testing.T) {
	f := NewDedupeFilter(clock.NewMock(), 0)

	assert.True(t, f.Check(trigger(1, "crash")).ShouldEmit)
	res := f.Check(trigger(1, "crash"))
	assert.False(t, res.ShouldEmit)
	assert.Equal(t, 2, res.Count)

	assert.True(t, f.Check(trigger(1, "oom")).ShouldEmit)
	assert.True(t, f.Check(trigger(1, "crash")).ShouldEmit, "not consecutive any more")

	started := domain.Event{Type: domain.EventDataSourceInstances, SessionID: 1,
		Instances: []domain.DataSourceInstanceEvent{{ProducerName: "app", DataSourceName: "ds", State: domain.InstanceStarted}}}
	stopped := started
	stopped.Instances = []domain.DataSourceInstanceEvent{{ProducerName: "app", DataSourceName: "ds", State: domain.InstanceStopped}}
	assert.True(t, f.Check(started).ShouldEmit)
	assert.True(t, f.Check(stopped).ShouldEmit, "different instance state is not a duplicate")
}

func TestDedupeWindow(t *testing.T) {
	mock := clock.NewMock()
	f := NewDedupeFilter(mock, time.Second)

	assert.True(t, f.Check(trigger(1, "crash")).ShouldEmit)
	assert.True(t, f.Check(trigger(2, "crash")).ShouldEmit)
	mock.Add(500 * time.Millisecond)
	assert.False(t, f.Check(trigger(1, "crash")).ShouldEmit, "repeat within the window")

	dups := f.PendingDuplicates()
	require.Len(t, dups, 1)
	assert.Equal(t, 2, dups[0].Count)
	assert.Equal(t, 500*time.Millisecond, dups[0].LastSeen.Sub(dups[0].FirstSeen))

	mock.Add(2 * time.Second)
	assert.True(t, f.Check(trigger(1, "crash")).ShouldEmit, "window expired")

	f.Reset()
	assert.Empty(t, f.PendingDuplicates())
}
