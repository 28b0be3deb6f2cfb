package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/netguard/netguard/internal/model"
)

var errEnumerate = errors.New("enumerate failed")

type fakeEnumerator struct {
	mapping map[model.FlowKey]model.ProcessEntry
	err     error
}

func (f *fakeEnumerator) Enumerate() (map[model.FlowKey]model.ProcessEntry, error) {
	return f.mapping, f.err
}

func TestStaleBeforeAnyTick(t *testing.T) {
	r := New(time.Hour, nil)
	if !r.Stale(time.Second) {
		t.Fatal("expected a resolver that has never ticked to report stale")
	}
}

func TestStaleFalseRightAfterRefresh(t *testing.T) {
	r := New(time.Hour, nil)
	r.enum = &fakeEnumerator{mapping: map[model.FlowKey]model.ProcessEntry{}}
	r.refresh()

	if r.Stale(time.Minute) {
		t.Fatal("expected a freshly-refreshed resolver not to be stale")
	}
}

func TestStaleTrueAfterMaxAgeElapses(t *testing.T) {
	r := New(time.Hour, nil)
	r.enum = &fakeEnumerator{mapping: map[model.FlowKey]model.ProcessEntry{}}
	r.refresh()

	if !r.Stale(0) {
		t.Fatal("expected Stale(0) to always report stale once any time has elapsed")
	}
}

func TestRefreshKeepsPreviousMappingOnEnumerateError(t *testing.T) {
	r := New(time.Hour, nil)
	key := model.FlowKey{Proto: model.ProtoTCP, LocalAddr: "10.0.0.1", LocalPort: 80}
	r.enum = &fakeEnumerator{mapping: map[model.FlowKey]model.ProcessEntry{key: {PID: 7}}}
	r.refresh()

	r.enum = &fakeEnumerator{err: errEnumerate}
	r.refresh()

	entry, ok := r.Lookup(key)
	if !ok || entry.PID != 7 {
		t.Fatalf("expected the previous mapping to survive a failed refresh, got %+v, %v", entry, ok)
	}
}
