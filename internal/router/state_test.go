package router

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCredStore struct {
	data map[string][]string
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{data: map[string][]string{}}
}

func (f *fakeCredStore) LoadAll(upstreamID string) ([]string, error) {
	return append([]string(nil), f.data[upstreamID]...), nil
}

func (f *fakeCredStore) Add(upstreamID string, keys []string) (inserted, existed int, insertedKeys []string, err error) {
	existing := map[string]struct{}{}
	for _, k := range f.data[upstreamID] {
		existing[k] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := existing[k]; ok {
			existed++
			continue
		}
		f.data[upstreamID] = append(f.data[upstreamID], k)
		insertedKeys = append(insertedKeys, k)
		inserted++
	}
	return inserted, existed, insertedKeys, nil
}

func (f *fakeCredStore) Replace(upstreamID string, keys []string) error {
	f.data[upstreamID] = append([]string(nil), keys...)
	return nil
}

func (f *fakeCredStore) Delete(upstreamID string, keys []string) (removed int, err error) {
	toRemove := map[string]struct{}{}
	for _, k := range keys {
		toRemove[k] = struct{}{}
	}
	var kept []string
	for _, k := range f.data[upstreamID] {
		if _, ok := toRemove[k]; ok {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	f.data[upstreamID] = kept
	return removed, nil
}

func newTestState(t *testing.T, configs []UpstreamConfig) (*State, *fakeCredStore) {
	t.Helper()
	creds := newFakeCredStore()
	for _, c := range configs {
		creds.data[c.ID] = []string{c.ID + "-key"}
	}
	s, err := NewState(Config{
		DataDir:   t.TempDir(),
		Upstreams: configs,
	}, creds, zap.NewNop(), nil)
	require.NoError(t, err)
	return s, creds
}

func TestNewStateBuildsInitialSnapshot(t *testing.T) {
	s, _ := newTestState(t, []UpstreamConfig{
		{ID: "a", BaseURL: "https://a.example", Weight: 2},
	})
	snap := s.Snapshot()
	require.Len(t, snap.Upstreams, 1)
	require.Len(t, snap.Schedule, 2)
}

func TestAddUpstreamRejectsDuplicateAndRebuilds(t *testing.T) {
	s, _ := newTestState(t, []UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}})

	err := s.AddUpstream(UpstreamConfig{ID: "a", BaseURL: "https://dup.example", Weight: 1})
	require.Error(t, err)

	err = s.AddUpstream(UpstreamConfig{ID: "b", BaseURL: "https://b.example", Weight: 1})
	require.NoError(t, err)
	require.Len(t, s.Snapshot().Upstreams, 2)
}

func TestUpdateUpstreamAppliesPartialFields(t *testing.T) {
	s, _ := newTestState(t, []UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}})

	weight := 5
	err := s.UpdateUpstream("a", nil, &weight)
	require.NoError(t, err)

	u, ok := s.Snapshot().UpstreamByID("a")
	require.True(t, ok)
	require.Equal(t, 5, u.Weight)
	require.Equal(t, "https://a.example", u.BaseURL)
}

func TestDeleteUpstreamOptionallyPurgesCredentials(t *testing.T) {
	s, creds := newTestState(t, []UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}})

	err := s.DeleteUpstream("a", true)
	require.NoError(t, err)
	require.Empty(t, creds.data["a"])
	require.Empty(t, s.Snapshot().Upstreams)
}

func TestAddKeysAndDeleteKeysRefreshLiveSnapshot(t *testing.T) {
	s, _ := newTestState(t, []UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}})

	inserted, existed, err := s.AddKeys("a", []string{"a-key", "new-key"})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 1, existed)

	u, _ := s.Snapshot().UpstreamByID("a")
	require.Len(t, u.Credentials, 2)

	removed, err := s.DeleteKeys("a", []string{"new-key"})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	u, _ = s.Snapshot().UpstreamByID("a")
	require.Len(t, u.Credentials, 1)
}

func TestPutModelRoutesUpdatesLiveUpstreamModelSets(t *testing.T) {
	s, _ := newTestState(t, []UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}})

	_, err := s.PutModelRoutes(map[string][]string{"a": {"gpt-x"}})
	require.NoError(t, err)

	u, _ := s.Snapshot().UpstreamByID("a")
	require.True(t, u.HasModel("gpt-x"))
}

func TestReloadPicksUpNewlyStoredCredentials(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	creds := newFakeCredStore()
	creds.data["a"] = []string{"k1"}

	s, err := NewState(Config{DataDir: dataDir, Upstreams: []UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}}}, creds, zap.NewNop(), nil)
	require.NoError(t, err)

	creds.data["a"] = append(creds.data["a"], "k2")
	require.NoError(t, s.Reload())

	u, _ := s.Snapshot().UpstreamByID("a")
	require.Len(t, u.Credentials, 2)
}
